package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/store"
)

const (
	defaultBatchSize   = 50
	defaultPostTimeout = 10 * time.Second

	// staleAfter is how long a claimed delivery may sit inflight before the
	// sweep assumes its worker died and re-pends it.
	staleAfter = 10 * time.Minute
)

// Worker drives the delivery queue on a cooperative tick loop. Multiple
// workers may run against the same queue; PullDue's claim semantics keep
// them from colliding.
type Worker struct {
	store    *store.WebhookStore
	box      *crypto.SecretBox
	client   *http.Client
	interval time.Duration
	batch    int
	now      func() time.Time
	backoff  func(int) time.Duration
}

func NewWorker(ws *store.WebhookStore, box *crypto.SecretBox, interval time.Duration) *Worker {
	return &Worker{
		store:    ws,
		box:      box,
		client:   &http.Client{Timeout: defaultPostTimeout},
		interval: interval,
		batch:    defaultBatchSize,
		now:      time.Now,
		backoff:  Backoff,
	}
}

// Run ticks until ctx is canceled. Each tick drains one batch.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("webhook worker started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("webhook worker stopped")
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				slog.Error("webhook tick failed", "error", err)
			}
		}
	}
}

// Tick re-pends stale inflight rows, then pulls and attempts one batch of
// due deliveries.
func (w *Worker) Tick(ctx context.Context) error {
	now := w.now()
	requeued, err := w.store.RequeueStale(ctx, now.Add(-staleAfter))
	if err != nil {
		return err
	}
	if requeued > 0 {
		slog.Warn("requeued stale inflight deliveries", "count", requeued)
	}

	due, err := w.store.PullDue(ctx, w.batch, now)
	if err != nil {
		return err
	}
	for _, d := range due {
		w.attempt(ctx, d)
	}
	return nil
}

func (w *Worker) attempt(ctx context.Context, d store.WebhookDelivery) {
	attempts := d.Attempts + 1

	ep, err := w.store.GetEndpoint(ctx, d.TenantID, d.EndpointID)
	if err != nil {
		w.settle(ctx, d, attempts, err.Error())
		return
	}
	if ep == nil {
		// Endpoint row gone; nothing left to deliver to.
		if err := w.store.MarkFailed(ctx, d.ID, attempts, "endpoint not found"); err != nil {
			slog.Error("webhook mark failed", "delivery", d.ID, "error", err)
		}
		return
	}

	secret, err := w.box.Open(ep.SecretCiphertext, ep.SecretIV)
	if err != nil {
		w.settle(ctx, d, attempts, fmt.Sprintf("decrypt secret: %v", err))
		return
	}

	if err := w.post(ctx, ep.URL, d, secret); err != nil {
		slog.Warn("webhook attempt failed",
			"delivery", d.ID, "attempt", attempts, "error", err)
		w.settle(ctx, d, attempts, err.Error())
		return
	}

	if err := w.store.MarkDelivered(ctx, d.ID, attempts, w.now()); err != nil {
		slog.Error("webhook mark delivered", "delivery", d.ID, "error", err)
		return
	}
	slog.Info("webhook delivered", "delivery", d.ID, "attempts", attempts)
}

// settle routes a failed attempt to retry or terminal failure.
func (w *Worker) settle(ctx context.Context, d store.WebhookDelivery, attempts int, lastErr string) {
	if attempts >= MaxAttempts {
		if err := w.store.MarkFailed(ctx, d.ID, attempts, lastErr); err != nil {
			slog.Error("webhook mark failed", "delivery", d.ID, "error", err)
		}
		return
	}
	nextAt := w.now().Add(w.backoff(attempts))
	if err := w.store.MarkRetry(ctx, d.ID, attempts, nextAt, lastErr); err != nil {
		slog.Error("webhook mark retry", "delivery", d.ID, "error", err)
	}
}

// post sends one signed attempt. The timeout rides on the request context
// so cancellation aborts the in-flight call on every exit path.
func (w *Worker) post(ctx context.Context, url string, d store.WebhookDelivery, secret []byte) error {
	postCtx, cancel := context.WithTimeout(ctx, defaultPostTimeout)
	defer cancel()

	ts := w.now().Unix()
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, url, bytes.NewReader(d.Body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, d.Event)
	req.Header.Set(HeaderDeliveryID, d.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(secret, d.ID, ts, d.Body))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}
