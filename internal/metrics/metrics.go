package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service metrics on a private prometheus registry.
// A nil *Registry is valid and records nothing.
type Registry struct {
	registry *prometheus.Registry

	LinesTotal             *prometheus.CounterVec
	PumpEdgesTotal         *prometheus.CounterVec
	ResetSeq               prometheus.Gauge
	TFATick                prometheus.Gauge
	DirectionalLogged      prometheus.Counter
	ReplicationPushesTotal *prometheus.CounterVec
	ReplicationLastSuccess prometheus.Gauge
	IngestRequestsTotal    *prometheus.CounterVec
	StoreErrorsTotal       *prometheus.CounterVec
	FanoutSubscribers      prometheus.Gauge
	FanoutDroppedTotal     prometheus.Counter
	CacheLookupsTotal      *prometheus.CounterVec
}

// NewRegistry builds and registers every metric.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		registry: reg,
		LinesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mwdmonitor_lines_total",
			Help: "Protocol lines received, by kind",
		}, []string{"kind"}), // reading, marker, passthrough
		PumpEdgesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mwdmonitor_pump_edges_total",
			Help: "Pump state transitions",
		}, []string{"edge"}), // on, off
		ResetSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "mwdmonitor_reset_seq",
			Help: "Current pump cycle sequence number",
		}),
		TFATick: f.NewGauge(prometheus.GaugeOpts{
			Name: "mwdmonitor_tfa_tick",
			Help: "Current toolface averaging tick",
		}),
		DirectionalLogged: f.NewCounter(prometheus.CounterOpts{
			Name: "mwdmonitor_directional_logged_total",
			Help: "Inclination/azimuth pairs written to the directional log",
		}),
		ReplicationPushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mwdmonitor_replication_pushes_total",
			Help: "Replication cycles, by result",
		}, []string{"result"}), // ok, error, not_configured
		ReplicationLastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "mwdmonitor_replication_last_success_timestamp_seconds",
			Help: "Unix time of the last accepted push",
		}),
		IngestRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mwdmonitor_ingest_requests_total",
			Help: "Collector pushes received, by result",
		}, []string{"result"}), // ok, unauthorized, bad_request
		StoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mwdmonitor_store_errors_total",
			Help: "Failed retention store operations",
		}, []string{"op"}),
		FanoutSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "mwdmonitor_fanout_subscribers",
			Help: "Connected live viewers",
		}),
		FanoutDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "mwdmonitor_fanout_dropped_total",
			Help: "Messages dropped because a viewer fell behind",
		}),
		CacheLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mwdmonitor_response_cache_lookups_total",
			Help: "History and directional log reads served by the response cache",
		}, []string{"route", "result"}), // hit, miss
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) Line(kind string) {
	if r != nil {
		r.LinesTotal.WithLabelValues(kind).Inc()
	}
}

func (r *Registry) PumpEdge(on bool, resetSeq int64) {
	if r == nil {
		return
	}
	edge := "off"
	if on {
		edge = "on"
	}
	r.PumpEdgesTotal.WithLabelValues(edge).Inc()
	r.ResetSeq.Set(float64(resetSeq))
}

func (r *Registry) Tick(tick int64) {
	if r != nil {
		r.TFATick.Set(float64(tick))
	}
}

func (r *Registry) Directional() {
	if r != nil {
		r.DirectionalLogged.Inc()
	}
}

func (r *Registry) Replication(result string, unixSeconds float64) {
	if r == nil {
		return
	}
	r.ReplicationPushesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		r.ReplicationLastSuccess.Set(unixSeconds)
	}
}

func (r *Registry) Ingest(result string) {
	if r != nil {
		r.IngestRequestsTotal.WithLabelValues(result).Inc()
	}
}

func (r *Registry) StoreError(op string) {
	if r != nil {
		r.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

func (r *Registry) Subscribers(n int) {
	if r != nil {
		r.FanoutSubscribers.Set(float64(n))
	}
}

func (r *Registry) Dropped() {
	if r != nil {
		r.FanoutDroppedTotal.Inc()
	}
}

func (r *Registry) CacheLookup(route string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.CacheLookupsTotal.WithLabelValues(route, result).Inc()
}
