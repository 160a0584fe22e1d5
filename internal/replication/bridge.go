package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/metrics"
	"mwd-monitor-backend/internal/store"
)

// StatusNotConfigured is the publish_error recorded while no collector is set.
const StatusNotConfigured = "not configured"

// ErrNotConfigured is returned by PushOnce when the collector URL or key is missing.
var ErrNotConfigured = errors.New("replication not configured")

// Source supplies the payload and receives the outcome of every cycle.
type Source interface {
	ReplicationPayload(now time.Time) (map[string]any, error)
	SetPublishStatus(ok bool, at time.Time, reason string)
}

// Bridge pushes the live state to a remote collector on a fixed interval.
// Delivery is best effort: a failed cycle is recorded and the next cycle
// simply tries again with fresh data.
type Bridge struct {
	settings func() config.ReplicationConfig
	source   Source
	metrics  *metrics.Registry
	now      func() time.Time

	mu     sync.Mutex
	proxy  string
	client *http.Client
}

// NewBridge creates a bridge. settings is read at the start of every cycle so
// configuration updates take effect without a restart.
func NewBridge(settings func() config.ReplicationConfig, src Source, m *metrics.Registry) *Bridge {
	return &Bridge{
		settings: settings,
		source:   src,
		metrics:  m,
		now:      time.Now,
	}
}

// Run pushes once immediately and then once per interval until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	log.Println("Starting replication bridge...")

	b.PushOnce(ctx)

	timer := time.NewTimer(b.settings().Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Replication bridge shutting down.")
			return
		case <-timer.C:
			b.PushOnce(ctx)
			timer.Reset(b.settings().Interval())
		}
	}
}

// PushOnce performs a single replication cycle and records its outcome.
func (b *Bridge) PushOnce(ctx context.Context) error {
	cfg := b.settings()
	now := b.now()

	if !cfg.Configured() {
		b.source.SetPublishStatus(false, now, StatusNotConfigured)
		b.metrics.Replication("not_configured", 0)
		return ErrNotConfigured
	}

	err := b.push(ctx, cfg, now)
	if err != nil {
		log.Printf("Replication push failed: %v", err)
		b.source.SetPublishStatus(false, now, err.Error())
		b.metrics.Replication("error", 0)
		return err
	}
	b.source.SetPublishStatus(true, now, "")
	b.metrics.Replication("ok", store.EpochSeconds(now))
	return nil
}

func (b *Bridge) push(ctx context.Context, cfg config.ReplicationConfig, now time.Time) error {
	payload, err := b.source.ReplicationPayload(now)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := b.httpClient(cfg.HTTPProxy).Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// httpClient returns a client for the given proxy, rebuilding it only when
// the proxy setting changes. Timeouts come from the request context.
func (b *Bridge) httpClient(proxy string) *http.Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil && b.proxy == proxy {
		return b.client
	}

	var transport http.RoundTripper = &http.Transport{}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.Printf("Warning: Invalid proxy URL %q: %v. Replication will not use a proxy.", proxy, err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	b.proxy = proxy
	b.client = &http.Client{Transport: transport}
	return b.client
}
