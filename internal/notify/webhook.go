package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/withObsrvr/healthdata-etl/internal/logging"
)

// File appends every event to the local hash-chained audit log.
type File struct {
	log *auditLog
}

func NewFile(dir string) (*File, error) {
	l, err := newAuditLog(dir)
	if err != nil {
		return nil, err
	}
	return &File{log: l}, nil
}

func (f *File) Notify(ctx context.Context, ev Event) error {
	if _, err := encode(ev); err != nil {
		return err
	}
	f.log.mu.Lock()
	defer f.log.mu.Unlock()

	evt, err := f.log.seal(ev)
	if err != nil {
		return err
	}
	return f.log.commit(evt)
}

func (f *File) Close() error { return nil }

// Webhook POSTs chained audit events to an HTTP endpoint. Each event is
// written to the local audit log first; the chain only advances once the
// endpoint accepts it.
type Webhook struct {
	endpoint string
	client   *http.Client
	log      *auditLog
	retries  int
	backoff  time.Duration
	logger   *slog.Logger
}

func NewWebhook(endpoint, auditDir string) (*Webhook, error) {
	l, err := newAuditLog(auditDir)
	if err != nil {
		return nil, err
	}
	return &Webhook{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      l,
		retries:  3,
		backoff:  time.Second,
		logger:   logging.Component("notify"),
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if _, err := encode(ev); err != nil {
		return err
	}
	w.log.mu.Lock()
	defer w.log.mu.Unlock()

	evt, err := w.log.seal(ev)
	if err != nil {
		return err
	}
	w.logger.Info("emitting event", "run_id", ev.RunID, "prev_hash", evt.Chain.PrevEventHash, "event_hash", evt.Chain.EventHash)

	if err := w.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if err := w.log.commit(evt); err != nil {
		w.logger.Warn("failed to update chain head", "error", err)
	}
	return nil
}

func (w *Webhook) postWithRetry(ctx context.Context, evt *AuditEvent) error {
	var lastErr error
	delay := w.backoff
	for attempt := 1; attempt <= w.retries; attempt++ {
		err := w.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < w.retries {
			w.logger.Warn("post failed, retrying", "attempt", attempt, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", w.retries, lastErr)
}

func (w *Webhook) post(ctx context.Context, evt *AuditEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

func (w *Webhook) Close() error { return nil }
