package event

import (
	"errors"
	"strings"
	"time"
)

// ErrEmptyName is returned when a name normalizes to nothing.
var ErrEmptyName = errors.New("event name is empty after normalization")

// Built-in lifecycle events. Names are already canonical.
const (
	AppStateChanged       = "app_state_changed"
	MemoryWarning         = "memory_warning"
	SignificantTimeChange = "significant_time_change"
	SessionStarted        = "session_started"
	SessionEnded          = "session_ended"
)

// Event is the canonical telemetry record. It is immutable once created;
// Params must not be modified after New returns.
type Event struct {
	Name      string           `json:"name"`
	Params    map[string]Value `json:"params,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// New normalizes name and stamps the event with the current time.
func New(name string, params map[string]Value) (Event, error) {
	return NewAt(name, params, time.Now().UTC())
}

// NewAt is New with an explicit timestamp.
func NewAt(name string, params map[string]Value, at time.Time) (Event, error) {
	n := NormalizeName(name)
	if n == "" {
		return Event{}, ErrEmptyName
	}
	var cp map[string]Value
	if len(params) > 0 {
		cp = make(map[string]Value, len(params))
		for k, v := range params {
			cp[k] = v
		}
	}
	return Event{Name: n, Params: cp, Timestamp: at}, nil
}

// FromAny builds an event from loosely typed params, as handed over by host
// code. Each value goes through ValueOf.
func FromAny(name string, params map[string]any) (Event, error) {
	var vals map[string]Value
	if len(params) > 0 {
		vals = make(map[string]Value, len(params))
		for k, v := range params {
			vals[k] = ValueOf(v)
		}
	}
	return New(name, vals)
}

// Equal reports whether two events carry the same name, params and instant.
func (e Event) Equal(o Event) bool {
	if e.Name != o.Name || !e.Timestamp.Equal(o.Timestamp) || len(e.Params) != len(o.Params) {
		return false
	}
	for k, v := range e.Params {
		ov, ok := o.Params[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// NormalizeName converts a free-form name to lowercase snake_case.
//
//	"buttonTapped"      -> "button_tapped"
//	"Checkout Started!" -> "checkout_started"
//	"HTTPRequest"       -> "http_request"
func NormalizeName(name string) string {
	runes := []rune(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(runes) + 4)
	pendingSep := false

	for i, r := range runes {
		switch {
		case isUpper(r):
			// Word boundary on aB or on the last upper of a run followed by lower (HTTPRequest).
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && isLower(runes[i+1])
				if isLowerOrDigit(prev) || (isUpper(prev) && nextLower) {
					pendingSep = true
				}
			}
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r + ('a' - 'A'))
		case isASCIIAlnum(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return b.String()
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func isLower(r rune) bool { return r >= 'a' && r <= 'z' }

func isLowerOrDigit(r rune) bool { return isLower(r) || isDigit(r) }

func isASCIIAlnum(r rune) bool { return isLowerOrDigit(r) }
