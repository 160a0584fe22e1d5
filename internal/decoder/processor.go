package decoder

import (
	"context"
	"encoding/json"
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/fanout"
	"mwd-monitor-backend/internal/metrics"
	"mwd-monitor-backend/internal/parse"
	"mwd-monitor-backend/internal/store"
)

// Publisher delivers events to live viewers.
type Publisher interface {
	Publish(event string, data any)
}

// Recorder persists snapshots and directional log entries.
type Recorder interface {
	AppendSnapshot(ctx context.Context, ts time.Time, payload any) error
	AppendDirectional(ctx context.Context, ts time.Time, name string, value float64) error
}

// EdgeNotifier is told about every pump transition.
type EdgeNotifier interface {
	NotifyPumpEdge(e Edge)
}

// Options carries the processor's collaborators. Every field is optional.
type Options struct {
	Publisher Publisher
	Recorder  Recorder
	Notifier  EdgeNotifier
	Metrics   *metrics.Registry
	Now       func() time.Time
}

const persistTimeout = 5 * time.Second

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Processor turns readings into State transitions. The state and the
// latest-values table have separate locks; when both are needed mu is
// taken first.
type Processor struct {
	now     func() time.Time
	pub     Publisher
	rec     Recorder
	notify  EdgeNotifier
	metrics *metrics.Registry

	mu         sync.Mutex
	cfg        config.DecoderConfig
	state      State
	startedAt  time.Time
	pumpUpAt   time.Time
	pumpDownAt time.Time
	lastTickAt time.Time
	loggedSeq  int64
	survey     *Survey

	latestMu sync.Mutex
	latest   map[string]float64
}

// New creates a processor with an empty state.
func New(cfg config.DecoderConfig, opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	now := opts.Now()
	return &Processor{
		now:     opts.Now,
		pub:     opts.Publisher,
		rec:     opts.Recorder,
		notify:  opts.Notifier,
		metrics: opts.Metrics,
		cfg:     cfg,
		state: State{
			Title:       cfg.Title,
			NetworkID:   cfg.NetworkID,
			CenterLabel: LabelMTFA,
		},
		startedAt:  now,
		lastTickAt: now,
		latest:     make(map[string]float64),
	}
}

// SetConfig swaps the tag mapping and threshold. Labels follow immediately.
func (p *Processor) SetConfig(cfg config.DecoderConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.state.Title = cfg.Title
	p.state.NetworkID = cfg.NetworkID
	p.mu.Unlock()
}

// HandleLine decodes and applies one raw line and echoes it to viewers.
func (p *Processor) HandleLine(line string) {
	r, kind := parse.ParseLine(line, nil)
	p.metrics.Line(kind.String())
	switch kind {
	case parse.KindReading:
		log.Println(r.String())
		p.Apply(r)
	case parse.KindPassthrough:
		log.Print(strings.TrimRight(line, "\r\n"))
	}
	p.pub.Publish(fanout.EventWitsmlData, map[string]string{"data": line})
}

// HandleLines applies a batch of raw lines as a single update.
func (p *Processor) HandleLines(lines []string) int {
	readings := make([]parse.Reading, 0, len(lines))
	for _, line := range lines {
		r, kind := parse.ParseLine(line, nil)
		p.metrics.Line(kind.String())
		if kind == parse.KindReading {
			readings = append(readings, r)
		}
	}
	p.Apply(readings...)
	for _, line := range lines {
		p.pub.Publish(fanout.EventWitsmlData, map[string]string{"data": line})
	}
	return len(readings)
}

// Apply is the event-driven update. It records the readings in order and
// runs pump edge detection on every pressure reading, so a batch may carry
// several edges. A pump-on reset clears the latest-values table and the rest
// of the batch only feeds edge detection.
func (p *Processor) Apply(readings ...parse.Reading) {
	if len(readings) == 0 {
		return
	}
	now := p.now()

	p.mu.Lock()
	before := p.state
	cfg := p.cfg
	tags := cfg.Tags

	var (
		edges       []Edge
		pressures   []float64
		reset       bool
		touchesWits bool
	)
	p.latestMu.Lock()
	for _, r := range readings {
		if r.Code == tags.Pressure {
			if e := p.detectEdge(r.Number(), cfg.PumpOnThreshold, now); e != nil {
				edges = append(edges, *e)
				pressures = append(pressures, r.Number())
				if e.PumpOn {
					reset = true
					clear(p.latest)
					touchesWits = false
				}
			}
		}
		if reset {
			continue
		}
		p.latest[r.Code] = r.Number()
		if r.Code == tags.HoleDepth || r.Code == tags.BitDepth {
			touchesWits = true
		}
	}
	values := copyValues(p.latest)
	p.latestMu.Unlock()

	if !reset {
		p.applyValues(values, tags)
		if !p.state.PumpOn && !p.pumpDownAt.IsZero() {
			p.state.PumpDownSeconds = seconds(now.Sub(p.pumpDownAt))
		}
	}

	changed := !reflect.DeepEqual(before, p.state)
	snapshot := p.state
	persist := cfg.PersistSnapshots
	p.mu.Unlock()

	for i, edge := range edges {
		p.metrics.PumpEdge(edge.PumpOn, edge.ResetSeq)
		if edge.PumpOn {
			log.Printf("pump on (pressure %g), reset_seq=%d", pressures[i], edge.ResetSeq)
		} else {
			log.Printf("pump off (pressure %g)", pressures[i])
		}
		if p.notify != nil {
			p.notify.NotifyPumpEdge(edge)
		}
	}

	if changed {
		p.pub.Publish(fanout.EventDecoderState, snapshot)
		if persist && p.rec != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := p.rec.AppendSnapshot(ctx, now, snapshot); err != nil {
				log.Printf("failed to persist decoder snapshot: %v", err)
			}
			cancel()
		}
	}

	if touchesWits {
		p.pub.Publish(fanout.EventWitsValues, projection(values, tags))
	}
}

// detectEdge applies the pressure threshold. Caller holds mu.
func (p *Processor) detectEdge(pressure, threshold float64, now time.Time) *Edge {
	s := &p.state
	on := pressure >= threshold
	s.PressurePSI = fptr(pressure)

	switch {
	case on && !s.PumpOn:
		s.PumpOn = true
		p.pumpUpAt = now
		p.pumpDownAt = time.Time{}
		s.PumpDownSeconds = 0
		s.UptimeSeconds = 0
		s.clearSurveyFields()
		s.TFATick = 0
		p.lastTickAt = now
		s.ResetSeq++
		return &Edge{PumpOn: true, ResetSeq: s.ResetSeq, At: now}
	case !on && s.PumpOn:
		s.PumpOn = false
		p.pumpDownAt = now
		s.PumpDownSeconds = 0
		return &Edge{PumpOn: false, ResetSeq: s.ResetSeq, At: now}
	}
	return nil
}

// applyValues copies mapped tags into the state. Caller holds mu, so the
// inclination that gates the center value is the one just written.
func (p *Processor) applyValues(values map[string]float64, tags config.TagMapping) {
	s := &p.state
	set := func(dst **float64, code string) {
		if v, ok := values[code]; ok {
			*dst = fptr(v)
		}
	}

	set(&s.PressurePSI, tags.Pressure)
	set(&s.Inc, tags.Inc)
	set(&s.Azm, tags.Azm)
	set(&s.Shk1, tags.Shock)
	set(&s.Vib1, tags.Vibration)
	set(&s.Grav, tags.Gravity)
	set(&s.MagF, tags.MagField)
	set(&s.DipA, tags.DipAngle)
	set(&s.Temp, tags.Temperature)
	if v, ok := values[tags.Battery]; ok {
		on := v != 0
		s.Bat2On = &on
	}

	code := tags.MTF
	if useGravityToolface(s.Inc) {
		code = tags.GTF
	}
	s.CenterLabel = centerLabel(s.Inc)
	set(&s.CenterValue, code)
}

// Tick is the periodic driver, called once per second. It always emits.
func (p *Processor) Tick(now time.Time) {
	p.mu.Lock()
	s := &p.state
	if s.PumpOn {
		if !p.pumpUpAt.IsZero() {
			s.UptimeSeconds = seconds(now.Sub(p.pumpUpAt))
		}
		s.PumpDownSeconds = 0
	} else if !p.pumpDownAt.IsZero() {
		s.PumpDownSeconds = seconds(now.Sub(p.pumpDownAt))
	}

	s.CenterCounterSeconds = seconds(now.Sub(p.startedAt)) % 3600
	s.CenterLabel = centerLabel(s.Inc)

	if s.PumpOn {
		if now.Sub(p.lastTickAt) >= TickInterval {
			s.TFATick++
			p.lastTickAt = now
		}
	} else {
		p.lastTickAt = now
	}

	var survey *Survey
	if s.PumpOn && p.loggedSeq != s.ResetSeq && now.Sub(p.pumpUpAt) >= DirectionalDelay {
		if s.Inc != nil && s.Azm != nil {
			survey = &Survey{
				TS:       store.EpochSeconds(now),
				Inc:      *s.Inc,
				Azm:      *s.Azm,
				ResetSeq: s.ResetSeq,
			}
			p.survey = survey
		}
		p.loggedSeq = s.ResetSeq
	}
	snapshot := *s
	p.mu.Unlock()

	p.metrics.Tick(snapshot.TFATick)
	if survey != nil {
		p.logSurvey(now, *survey)
	}
	p.pub.Publish(fanout.EventDecoderState, snapshot)
}

func (p *Processor) logSurvey(now time.Time, sv Survey) {
	log.Printf("directional log: reset_seq=%d inc=%g azm=%g", sv.ResetSeq, sv.Inc, sv.Azm)
	p.metrics.Directional()
	if p.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := p.rec.AppendDirectional(ctx, now, store.DirectionalInc, sv.Inc); err != nil {
			log.Printf("failed to log inclination: %v", err)
		}
		if err := p.rec.AppendDirectional(ctx, now, store.DirectionalAzm, sv.Azm); err != nil {
			log.Printf("failed to log azimuth: %v", err)
		}
	}
	p.pub.Publish(fanout.EventIncAzmLogAppend, []store.DirectionalRecord{
		{TS: sv.TS, Name: store.DirectionalInc, Value: sv.Inc},
		{TS: sv.TS, Name: store.DirectionalAzm, Value: sv.Azm},
	})
}

// Run drives Tick once per second until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	log.Println("Starting decoder ticker...")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Decoder ticker shutting down.")
			return
		case <-ticker.C:
			p.Tick(p.now())
		}
	}
}

// Snapshot returns a copy of the live state.
func (p *Processor) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Latest returns a copy of the latest-values table.
func (p *Processor) Latest() map[string]float64 {
	p.latestMu.Lock()
	defer p.latestMu.Unlock()
	return copyValues(p.latest)
}

// WitsValues returns the hole depth / bit depth projection of the latest values.
func (p *Processor) WitsValues() map[string]any {
	p.mu.Lock()
	tags := p.cfg.Tags
	p.mu.Unlock()
	return projection(p.Latest(), tags)
}

// LastSurvey returns the most recent directional pair, if one was logged.
func (p *Processor) LastSurvey() (Survey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.survey == nil {
		return Survey{}, false
	}
	return *p.survey, true
}

// SetPublishStatus records the outcome of a replication cycle.
func (p *Processor) SetPublishStatus(ok bool, at time.Time, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.PublishOK = ok
	p.state.PublishAt = fptr(store.EpochSeconds(at))
	p.state.PublishError = reason
}

// ReplicationPayload builds the body pushed to the remote collector: the
// state snapshot, the latest values under "wits" and the last survey, if any.
func (p *Processor) ReplicationPayload(now time.Time) (map[string]any, error) {
	snapshot := p.Snapshot()
	latest := p.Latest()
	survey, hasSurvey := p.LastSurvey()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	payload["wits"] = latest
	payload["ts"] = store.EpochSeconds(now)
	if hasSurvey {
		payload["survey_ts"] = survey.TS
		payload["survey_inc"] = survey.Inc
		payload["survey_azm"] = survey.Azm
		payload["survey_reset_seq"] = survey.ResetSeq
	}
	return payload, nil
}

func projection(values map[string]float64, tags config.TagMapping) map[string]any {
	out := make(map[string]any, 2)
	for _, code := range []string{tags.HoleDepth, tags.BitDepth} {
		if v, ok := values[code]; ok {
			out[code] = v
		} else {
			out[code] = nil
		}
	}
	return out
}

func copyValues(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
