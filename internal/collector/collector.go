package collector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"mwd-monitor-backend/internal/fanout"
	"mwd-monitor-backend/internal/metrics"
	"mwd-monitor-backend/internal/store"
)

// ErrMalformed is returned for bodies that are not a JSON object.
var ErrMalformed = errors.New("payload must be a JSON object")

// Publisher delivers events to live viewers.
type Publisher interface {
	Publish(event string, data any)
}

// Recorder is the part of the retention store the collector writes to.
type Recorder interface {
	AppendSnapshot(ctx context.Context, ts time.Time, payload any) error
}

// Options configures a Collector.
type Options struct {
	// Secret returns the shared bearer token. An empty secret rejects every push.
	Secret func() string
	// Tags returns the two codes exposed in the wits_values projection.
	Tags    func() (holeDepth, bitDepth string)
	Metrics *metrics.Registry
	Now     func() time.Time
}

// Collector accepts state pushed by a remote decoder, stores it and
// republishes it to local viewers.
type Collector struct {
	rec     Recorder
	pub     Publisher
	secret  func() string
	tags    func() (string, string)
	metrics *metrics.Registry
	now     func() time.Time

	mu   sync.RWMutex
	last map[string]any
}

// New creates a collector.
func New(rec Recorder, pub Publisher, opts Options) *Collector {
	if opts.Secret == nil {
		opts.Secret = func() string { return "" }
	}
	if opts.Tags == nil {
		opts.Tags = func() (string, string) { return "0108", "0110" }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		rec:     rec,
		pub:     pub,
		secret:  opts.Secret,
		tags:    opts.Tags,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Authorized checks an Authorization header value against the shared secret.
func (c *Collector) Authorized(header string) bool {
	secret := c.secret()
	if secret == "" {
		return false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) == 1
}

// Decode parses a push body, accepting only JSON objects.
func Decode(body []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, ErrMalformed
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrMalformed
	}
	return obj, nil
}

// Accept stores and republishes an authenticated payload. The snapshot
// timestamp is the payload's numeric "ts" when present, else receipt time.
// A store failure is logged and does not stop the broadcast.
func (c *Collector) Accept(ctx context.Context, payload map[string]any) {
	ts := c.now()
	if v, ok := payload["ts"].(float64); ok {
		ts = store.FromEpochSeconds(v)
	}

	if err := c.rec.AppendSnapshot(ctx, ts, payload); err != nil {
		log.Printf("collector: failed to store snapshot: %v", err)
	}

	c.mu.Lock()
	c.last = payload
	c.mu.Unlock()

	c.pub.Publish(fanout.EventStateUpdate, payload)
	if wits, ok := c.Projection(payload); ok {
		c.pub.Publish(fanout.EventWitsValues, wits)
	}
	c.metrics.Ingest("ok")
}

// Last returns the most recent accepted payload.
func (c *Collector) Last() (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.last != nil
}

// Projection extracts the two depth tags from the payload's nested "wits"
// map. It reports false when no such map is present.
func (c *Collector) Projection(payload map[string]any) (map[string]any, bool) {
	wits, ok := payload["wits"].(map[string]any)
	if !ok {
		return nil, false
	}
	hole, bit := c.tags()
	return map[string]any{
		hole: wits[hole],
		bit:  wits[bit],
	}, true
}
