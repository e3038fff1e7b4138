// Package watch observes plugin binaries on disk and nudges the
// orchestrator when one changes, so reloads happen ahead of the next tick.
package watch

import (
	"sync"
	"time"

	"pluginhost/pkg/plugin"

	"github.com/agilira/argus"
	goerrors "github.com/agilira/go-errors"
	"go.uber.org/zap"
)

const ErrCodeWatch goerrors.ErrorCode = "WATCH_FAILED"

// Nudger is told that some watched file changed. The orchestrator
// implements it; the actual reload decision stays with the registry's
// modification-time check.
type Nudger interface {
	Nudge()
}

// Config tunes the underlying poller.
type Config struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.CacheTTL <= 0 || c.CacheTTL > c.PollInterval {
		c.CacheTTL = c.PollInterval / 2
	}
	return c
}

// Watcher wraps an argus watcher over the plugin paths.
type Watcher struct {
	watcher *argus.Watcher
	nudger  Nudger
	logger  *zap.Logger
	paths   map[string]plugin.Role

	mu       sync.Mutex
	started  bool
	stopped  bool
	changes  int
	lastPath string
}

// New registers every path of paths with a fresh argus watcher. Nothing is
// observed until Start.
func New(paths map[plugin.Role]string, nudger Nudger, cfg Config, logger *zap.Logger) (*Watcher, error) {
	cfg = cfg.withDefaults()
	logger = logger.Named("watch")

	w := &Watcher{
		nudger: nudger,
		logger: logger,
		paths:  make(map[string]plugin.Role, len(paths)),
	}

	w.watcher = argus.New(argus.Config{
		PollInterval:         cfg.PollInterval,
		CacheTTL:             cfg.CacheTTL,
		MaxWatchedFiles:      len(paths) + 1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		Audit:                argus.AuditConfig{Enabled: false},
		ErrorHandler: func(err error, path string) {
			logger.Warn("Plugin file watch error", zap.String("path", path), zap.Error(err))
		},
	})

	for role, path := range paths {
		if path == "" {
			continue
		}
		w.paths[path] = role
		if err := w.watcher.Watch(path, w.handle); err != nil {
			return nil, goerrors.Wrap(err, ErrCodeWatch, "failed to watch plugin file").
				WithContext("role", string(role)).
				WithContext("path", path)
		}
	}

	return w, nil
}

func (w *Watcher) handle(event argus.ChangeEvent) {
	role := w.paths[event.Path]

	w.mu.Lock()
	w.changes++
	w.lastPath = event.Path
	w.mu.Unlock()

	if event.IsDelete {
		// Slots keep running the last good generation; a later create
		// triggers the reload.
		w.logger.Warn("Plugin file removed",
			zap.String("role", string(role)),
			zap.String("path", event.Path))
		return
	}

	w.logger.Info("Plugin file changed",
		zap.String("role", string(role)),
		zap.String("path", event.Path),
		zap.Time("mod_time", event.ModTime),
		zap.Int64("size", event.Size))
	w.nudger.Nudge()
}

// Start begins polling.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return goerrors.New(ErrCodeWatch, "watcher has been stopped")
	}
	if w.started {
		return nil
	}
	if err := w.watcher.Start(); err != nil {
		return goerrors.Wrap(err, ErrCodeWatch, "failed to start plugin watcher")
	}
	w.started = true
	w.logger.Info("Watching plugin files", zap.Int("files", len(w.paths)))
	return nil
}

// Stop ends polling. A stopped watcher cannot be restarted.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	if !w.started {
		return nil
	}
	if err := w.watcher.Stop(); err != nil {
		return goerrors.Wrap(err, ErrCodeWatch, "failed to stop plugin watcher")
	}
	return nil
}

// Changes reports how many change events were seen and the last path.
func (w *Watcher) Changes() (int, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changes, w.lastPath
}
