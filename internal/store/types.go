package store

import "time"

// SnapshotRecord is one history row as served to clients.
type SnapshotRecord struct {
	TS      float64        `json:"ts"`
	Payload map[string]any `json:"payload"`
}

// DirectionalRecord is one inclination/azimuth log row.
type DirectionalRecord struct {
	TS    float64 `json:"ts"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Directional log entry names.
const (
	DirectionalInc = "Inc"
	DirectionalAzm = "Azm"
)

// Options tune retention and query limits.
type Options struct {
	// Retention is the pruning horizon applied on every snapshot write.
	Retention time.Duration
	// MaxLookback caps how far back history queries may reach.
	MaxLookback time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

const (
	DefaultRetention        = 48 * time.Hour
	DefaultMaxLookback      = 48 * time.Hour
	MaxDirectionalLimit     = 20000
	DefaultDirectionalLimit = 2000
)

// EpochSeconds converts t to fractional Unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}
