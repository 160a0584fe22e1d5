package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	codeValueRe = regexp.MustCompile(`^(\d{4})([+-]?(?:\d+(?:\.\d*)?|\.\d+))\s*$`)
	codeBoolRe  = regexp.MustCompile(`(?i)^(\d{4})(true|false)\s*$`)
)

// Frame delimiters that open and close a WITS record.
const (
	FrameStart = "&&"
	FrameEnd   = "!!"
)

// UnknownName is returned for codes missing from the lookup table.
const UnknownName = "Unknown"

// DefaultNames maps WITS codes to display labels.
var DefaultNames = map[string]string{
	"0121": "Pressure",
	"0108": "Hole Depth",
	"0110": "Bit Depth",
	"0713": "Inc",
	"0715": "Azm",
	"0716": "mTFA",
	"0717": "gTFA",
	"0736": "SHK1",
	"0737": "VIB1",
	"0747": "Grav",
	"0732": "MagF",
	"0746": "DipA",
	"0751": "Temp",
	"0760": "BAT2",
}

// LineKind classifies a raw protocol line.
type LineKind int

const (
	// KindPassthrough is anything that is not a reading or a frame marker.
	KindPassthrough LineKind = iota
	KindReading
	KindFrameMarker
)

func (k LineKind) String() string {
	switch k {
	case KindReading:
		return "reading"
	case KindFrameMarker:
		return "marker"
	default:
		return "passthrough"
	}
}

// Reading is one decoded (code, value) pair.
type Reading struct {
	Code   string
	Name   string
	Value  float64
	IsBool bool
	Bool   bool
}

// Number returns the numeric value; booleans map to 1 and 0.
func (r Reading) Number() float64 {
	if r.IsBool {
		if r.Bool {
			return 1
		}
		return 0
	}
	return r.Value
}

func (r Reading) String() string {
	if r.IsBool {
		return fmt.Sprintf("%s %s: %t", r.Code, r.Name, r.Bool)
	}
	return fmt.Sprintf("%s %s: %g", r.Code, r.Name, r.Value)
}

// ParseLine decodes one raw line. Only KindReading results carry a Reading.
// A nil names table falls back to DefaultNames.
func ParseLine(line string, names map[string]string) (Reading, LineKind) {
	s := strings.TrimSpace(line)
	if s == "" {
		return Reading{}, KindPassthrough
	}
	if s == FrameStart || s == FrameEnd {
		return Reading{}, KindFrameMarker
	}

	var r Reading
	if m := codeValueRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Reading{}, KindPassthrough
		}
		r = Reading{Code: m[1], Value: v}
	} else if m := codeBoolRe.FindStringSubmatch(s); m != nil {
		b := strings.EqualFold(m[2], "true")
		r = Reading{Code: m[1], IsBool: true, Bool: b}
	} else {
		return Reading{}, KindPassthrough
	}

	if names == nil {
		names = DefaultNames
	}
	r.Name = UnknownName
	if n, ok := names[r.Code]; ok {
		r.Name = n
	}
	return r, KindReading
}
