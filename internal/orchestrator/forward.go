package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pluginhost/pkg/plugin"

	"go.uber.org/zap"
)

// DefaultForwardTimeout bounds one push to the hub.
const DefaultForwardTimeout = 3 * time.Second

// Forwarder pushes batches to a hub over HTTP.
type Forwarder struct {
	hubURL  string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewForwarder creates a forwarder for hubURL. A zero timeout uses
// DefaultForwardTimeout.
func NewForwarder(hubURL string, timeout time.Duration, logger *zap.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Forwarder{
		hubURL:  hubURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.Named("forwarder"),
	}
}

// HubURL returns the push target.
func (f *Forwarder) HubURL() string { return f.hubURL }

// Forward sends b once. Failures are returned as forward errors and never
// retried here; the next tick sends a fresh batch.
func (f *Forwarder) Forward(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.hubURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pluginhost/1.0")
	req.Header.Set(HeaderBatchID, b.BatchID)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return plugin.NewForwardFailedError(f.hubURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return plugin.NewForwardRejectedError(f.hubURL, resp.StatusCode)
	}

	f.logger.Debug("Batch forwarded",
		zap.String("batch_id", b.BatchID),
		zap.Int("readings", len(b.Readings)),
		zap.Duration("took", time.Since(start)))
	return nil
}
