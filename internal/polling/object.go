package polling

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the type of a polled object.
type Kind int

// Polled object kinds.
const (
	KindCommand Kind = iota
	KindAttribute
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindAttribute:
		return "attribute"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts "command"/"cmd" and "attribute"/"attr", any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "command", "cmd":
		return KindCommand, nil
	case "attribute", "attr":
		return KindAttribute, nil
	default:
		return 0, fmt.Errorf("polling: unknown object kind %q", s)
	}
}

// ObjectKey identifies a polled object. Device and Name are lower-cased.
type ObjectKey struct {
	Device string
	Kind   Kind
	Name   string
}

// Key builds a normalised ObjectKey.
func Key(device string, kind Kind, name string) ObjectKey {
	return ObjectKey{
		Device: strings.ToLower(device),
		Kind:   kind,
		Name:   strings.ToLower(name),
	}
}

func (k ObjectKey) String() string {
	return k.Device + "/" + k.Kind.String() + "/" + k.Name
}

// Object describes an object to poll.
type Object struct {
	Device string
	Kind   Kind
	Name   string

	// Period is the sampling period. Zero means externally triggered.
	Period time.Duration

	// Depth overrides the engine ring depth when positive.
	Depth int
}

// ObjectStatus is a snapshot of one polled object.
type ObjectStatus struct {
	Device     string        `json:"device"`
	Kind       string        `json:"kind"`
	Name       string        `json:"name"`
	Period     time.Duration `json:"-"`
	PeriodMS   int64         `json:"period_ms"`
	Depth      int           `json:"depth"`
	Stored     int           `json:"stored"`
	LastSample time.Time     `json:"last_sample,omitzero"`
	LastTook   time.Duration `json:"-"`
	LastTookUS int64         `json:"last_took_us"`
	LastError  string        `json:"last_error,omitempty"`
}

// polled is the engine's state for one object. Schedule fields are
// guarded by Engine.mu; the ring has its own lock.
type polled struct {
	key    ObjectKey
	device string
	name   string
	period time.Duration
	next   time.Time
	ring   *Ring

	lastSample time.Time
	lastTook   time.Duration
}

func (p *polled) status() ObjectStatus {
	st := ObjectStatus{
		Device:     p.device,
		Kind:       p.key.Kind.String(),
		Name:       p.name,
		Period:     p.period,
		PeriodMS:   p.period.Milliseconds(),
		Depth:      p.ring.Depth(),
		Stored:     p.ring.Len(),
		LastSample: p.lastSample,
		LastTook:   p.lastTook,
		LastTookUS: p.lastTook.Microseconds(),
	}
	if last, ok := p.ring.Last(); ok && last.Err != nil {
		st.LastError = last.Err.Error()
	}
	return st
}
