package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SiamRahamanDhrubo/connectlink"
)

const (
	webhookQueue    = 256
	webhookAttempts = 3
	webhookTimeout  = 5 * time.Second
)

// webhookSender POSTs database webhooks signed with the shared secret. One
// worker delivers in commit order.
type webhookSender struct {
	url     string
	secret  string
	client  *http.Client
	logger  zerolog.Logger
	metrics *serverMetrics
	queue   chan connectlink.WebhookPayload
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newWebhookSender(url, secret string, logger zerolog.Logger, metrics *serverMetrics) *webhookSender {
	w := &webhookSender{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: webhookTimeout},
		logger:  logger.With().Str("component", "webhooks").Logger(),
		metrics: metrics,
		queue:   make(chan connectlink.WebhookPayload, webhookQueue),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// enqueue drops the payload when the queue is full.
func (w *webhookSender) enqueue(p connectlink.WebhookPayload) {
	if w == nil {
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- p:
	default:
		w.metrics.webhooks.WithLabelValues("dropped").Inc()
		w.logger.Warn().Str("table", p.Table).Msg("webhook queue full, dropping event")
	}
}

func (w *webhookSender) run() {
	defer w.wg.Done()
	for p := range w.queue {
		err := w.deliver(p)
		result := "ok"
		if err != nil {
			result = "error"
			w.logger.Error().Err(err).Str("table", p.Table).Msg("webhook delivery failed")
		}
		w.metrics.webhooks.WithLabelValues(result).Inc()
	}
}

func (w *webhookSender) deliver(p connectlink.WebhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	signature := connectlink.SignWebhookBody(body, w.secret)

	var lastErr error
	for attempt := 0; attempt < webhookAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(connectlink.SignatureHeader, signature)

		resp, err := w.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("receiver returned %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}

// close flushes queued deliveries.
func (w *webhookSender) close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}
