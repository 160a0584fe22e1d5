package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/collector"
	"mwd-monitor-backend/internal/decoder"
	"mwd-monitor-backend/internal/fanout"
	"mwd-monitor-backend/internal/metrics"
	"mwd-monitor-backend/internal/store"
)

// Decoder is the live signal processor as seen by the HTTP layer.
type Decoder interface {
	Snapshot() decoder.State
	WitsValues() map[string]any
	HandleLines(lines []string) int
	SetConfig(cfg config.DecoderConfig)
}

// SerialController restarts the serial ingestion context after a config change.
type SerialController interface {
	Restart(cfg config.SerialConfig) error
	Running() bool
	LastError() error
}

// Deps carries the handler's collaborators. Serial and Webpush may be nil.
type Deps struct {
	Store     store.Store
	Decoder   Decoder
	Collector *collector.Collector
	Config    *config.Manager
	Serial    SerialController
	Hub       *fanout.Hub
	Webpush   *webpush.Options
	Metrics   *metrics.Registry
	ListPorts func() ([]string, error)
	Now       func() time.Time
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store     store.Store
	decoder   Decoder
	collector *collector.Collector
	cfg       *config.Manager
	serial    SerialController
	hub       *fanout.Hub
	webpush   *webpush.Options
	metrics   *metrics.Registry
	listPorts func() ([]string, error)
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.ListPorts == nil {
		d.ListPorts = func() ([]string, error) { return []string{}, nil }
	}
	return &Handler{
		store:     d.Store,
		decoder:   d.Decoder,
		collector: d.Collector,
		cfg:       d.Config,
		serial:    d.Serial,
		hub:       d.Hub,
		webpush:   d.Webpush,
		metrics:   d.Metrics,
		listPorts: d.ListPorts,
		now:       d.Now,
	}
}
