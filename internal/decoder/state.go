package decoder

import "time"

// Center labels, chosen by inclination.
const (
	LabelGTFA = "gTFA"
	LabelMTFA = "mTFA"
)

const (
	// CenterInclinationThreshold is the inclination (deg) at and above which
	// the gravity toolface is displayed.
	CenterInclinationThreshold = 3.0
	// TickInterval paces tfa_tick while the pump is on.
	TickInterval = 5 * time.Second
	// DirectionalDelay is how long the pump must be on before the
	// once-per-cycle directional survey is logged.
	DirectionalDelay = 60 * time.Second
)

// State is the live decoder record. Optional readings are nil until the
// wire provides them. Pointer fields are replaced, never written through,
// so a value copy is a safe snapshot.
type State struct {
	Title     string `json:"title"`
	NetworkID string `json:"network_id"`

	PressurePSI     *float64 `json:"pressure_psi"`
	PumpOn          bool     `json:"pump_on"`
	PumpDownSeconds int64    `json:"pump_down_seconds"`
	UptimeSeconds   int64    `json:"uptime_seconds"`

	Inc *float64 `json:"inc"`
	Azm *float64 `json:"azm"`

	CenterLabel          string   `json:"center_label"`
	CenterValue          *float64 `json:"center_value"`
	CenterCounterSeconds int64    `json:"center_counter_seconds"`

	Shk1 *float64 `json:"shk1"`
	Vib1 *float64 `json:"vib1"`
	Grav *float64 `json:"grav"`
	MagF *float64 `json:"magf"`
	DipA *float64 `json:"dipa"`
	Temp *float64 `json:"temp"`

	Bat2On *bool `json:"bat2_on"`

	TFATick  int64 `json:"tfa_tick"`
	ResetSeq int64 `json:"reset_seq"`

	PublishOK    bool     `json:"publish_ok"`
	PublishAt    *float64 `json:"publish_at"`
	PublishError string   `json:"publish_error"`
}

// Survey is the last directional pair logged for a pump cycle.
type Survey struct {
	TS       float64 `json:"ts"`
	Inc      float64 `json:"inc"`
	Azm      float64 `json:"azm"`
	ResetSeq int64   `json:"reset_seq"`
}

// Edge is a pump state transition.
type Edge struct {
	PumpOn   bool
	ResetSeq int64
	At       time.Time
}

func centerLabel(inc *float64) string {
	if useGravityToolface(inc) {
		return LabelGTFA
	}
	return LabelMTFA
}

func useGravityToolface(inc *float64) bool {
	return inc != nil && *inc >= CenterInclinationThreshold
}

func fptr(v float64) *float64 { return &v }

func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (s *State) clearSurveyFields() {
	s.Inc = nil
	s.Azm = nil
	s.CenterValue = nil
	s.Shk1 = nil
	s.Vib1 = nil
	s.Grav = nil
	s.MagF = nil
	s.DipA = nil
	s.Temp = nil
}
