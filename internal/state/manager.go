package state

import (
	"sync"
	"time"

	"pluginhost/internal/clock"

	"go.uber.org/zap"
)

// ChangeHandler is called after a merge with the readings it wrote and the
// new last_update.
type ChangeHandler func(changed []SensorReading, lastUpdate uint64)

// Subscription represents an active change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	id      uint64
	manager *Manager
}

func (s *subscription) Unsubscribe() {
	s.manager.unsubscribe(s.id)
}

// Manager owns the aggregate AppState. Readings only change through Merge,
// which upserts by sensor id.
type Manager struct {
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.RWMutex
	readings   []SensorReading
	index      map[string]int
	lastUpdate uint64

	subsMu      sync.RWMutex
	subscribers map[uint64]ChangeHandler
	nextSub     uint64
}

// NewManager creates an empty state manager.
func NewManager(clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		clock:       clk,
		logger:      logger.Named("state"),
		index:       make(map[string]int),
		subscribers: make(map[uint64]ChangeHandler),
	}
}

// Merge upserts readings by sensor id. An existing entry is replaced in place
// keeping its position; new ids are appended. last_update becomes the merge
// time. An empty batch is not a merge and changes nothing.
func (m *Manager) Merge(readings []SensorReading) int {
	if len(readings) == 0 {
		return 0
	}

	changed := make([]SensorReading, 0, len(readings))
	now := uint64(m.clock.Now().UnixNano() / int64(time.Millisecond))

	m.mu.Lock()
	for _, r := range readings {
		if r.SensorID == "" {
			m.logger.Warn("Dropping reading without sensor id")
			continue
		}
		r = r.Clone()
		if i, ok := m.index[r.SensorID]; ok {
			m.readings[i] = r
		} else {
			m.index[r.SensorID] = len(m.readings)
			m.readings = append(m.readings, r)
		}
		changed = append(changed, r.Clone())
	}
	if len(changed) > 0 {
		m.lastUpdate = now
	}
	total := len(m.readings)
	m.mu.Unlock()

	if len(changed) == 0 {
		return 0
	}

	m.logger.Debug("Merged readings",
		zap.Int("merged", len(changed)),
		zap.Int("total", total))
	m.notify(changed, now)
	return len(changed)
}

func (m *Manager) notify(changed []SensorReading, lastUpdate uint64) {
	m.subsMu.RLock()
	handlers := make([]ChangeHandler, 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.subsMu.RUnlock()

	for _, h := range handlers {
		h(changed, lastUpdate)
	}
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() AppState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := AppState{
		Readings:   make([]SensorReading, len(m.readings)),
		LastUpdate: m.lastUpdate,
	}
	for i, r := range m.readings {
		out.Readings[i] = r.Clone()
	}
	return out
}

// Get returns a copy of the reading for id.
func (m *Manager) Get(id string) (SensorReading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[id]
	if !ok {
		return SensorReading{}, false
	}
	return m.readings[i].Clone(), true
}

// Len returns the number of distinct sensors.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings)
}

// LastUpdate returns the time of the last merge in milliseconds, 0 if none.
func (m *Manager) LastUpdate() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// Subscribe registers handler for every subsequent merge. Handlers run on the
// merging goroutine after the state lock is released.
func (m *Manager) Subscribe(handler ChangeHandler) Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.nextSub++
	m.subscribers[m.nextSub] = handler
	return &subscription{id: m.nextSub, manager: m}
}

func (m *Manager) unsubscribe(id uint64) {
	m.subsMu.Lock()
	delete(m.subscribers, id)
	m.subsMu.Unlock()
}
