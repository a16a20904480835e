// Package schedule holds the Device record served by the control plane and
// the pure lock decision evaluated against it.
package schedule

import (
	"strings"
	"time"
)

// SecondsPerDay bounds TimeRange start and end values.
const SecondsPerDay = 24 * 60 * 60

// Device is the unit of enforcement. A fetched Device is never mutated; each
// heartbeat yields a replacement.
type Device struct {
	ID                        string      `json:"id"`
	Name                      string      `json:"name"`
	Username                  string      `json:"username,omitempty"`
	LastHandshakeOn           int64       `json:"lastHandshakeOn,omitempty"`
	IsManuallyLocked          bool        `json:"isManuallyLocked"`
	IsLockedWhileDisconnected bool        `json:"isLockedWhileDisconnected"`
	AllowedUsernames          []string    `json:"allowedUsernames"`
	LockedRanges              []TimeRange `json:"lockedRanges"`
}

// TimeRange is a recurring daily lock window expressed in seconds since
// local midnight.
type TimeRange struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
	IsEnabled bool  `json:"isEnabled"`
}

// Reason explains a Decision.
type Reason string

const (
	ReasonNone         Reason = "none"
	ReasonManual       Reason = "manual"
	ReasonSchedule     Reason = "schedule"
	ReasonDisconnected Reason = "disconnected"
	ReasonExempt       Reason = "exempt"
)

// Decision is the verdict for one evaluation.
type Decision struct {
	Lock   bool   `json:"lock" yaml:"lock"`
	Reason Reason `json:"reason" yaml:"reason"`
}

// SecondsOfDay returns the seconds elapsed since midnight in t's location.
func SecondsOfDay(t time.Time) int64 {
	h, m, s := t.Clock()
	return int64(h*3600 + m*60 + s)
}

// normalize folds v into [0, SecondsPerDay).
func normalize(v int64) int64 {
	v %= SecondsPerDay
	if v < 0 {
		v += SecondsPerDay
	}
	return v
}

// Valid reports whether the range describes a same-day window. Ranges whose
// start falls after their end are rejected rather than treated as spanning
// midnight.
func (r TimeRange) Valid() bool {
	return normalize(r.StartTime) <= normalize(r.EndTime)
}

// Includes reports whether the local time-of-day of t falls inside the
// range, boundaries included. Disabled and invalid ranges include nothing.
func (r TimeRange) Includes(t time.Time) bool {
	if !r.IsEnabled || !r.Valid() {
		return false
	}
	tod := SecondsOfDay(t)
	return tod >= normalize(r.StartTime) && tod <= normalize(r.EndTime)
}

// IsAllowed reports whether userName is exempt from locking on this device.
func (d *Device) IsAllowed(userName string) bool {
	if d == nil || userName == "" {
		return false
	}
	for _, allowed := range d.AllowedUsernames {
		if strings.EqualFold(allowed, userName) {
			return true
		}
	}
	return false
}

// InLockedRange reports whether any enabled range covers now.
func (d *Device) InLockedRange(now time.Time) bool {
	if d == nil {
		return false
	}
	for _, r := range d.LockedRanges {
		if r.Includes(now) {
			return true
		}
	}
	return false
}

// Evaluate decides whether the console session of userName must be locked.
// now must already be in the location whose wall clock the ranges describe.
// Evaluate performs no I/O and returns the same Decision for the same inputs.
func Evaluate(device *Device, userName string, disconnected bool, now time.Time) Decision {
	if device == nil {
		return Decision{Reason: ReasonNone}
	}

	var d Decision
	switch {
	case device.IsManuallyLocked:
		d = Decision{Lock: true, Reason: ReasonManual}
	case device.InLockedRange(now):
		d = Decision{Lock: true, Reason: ReasonSchedule}
	case disconnected && device.IsLockedWhileDisconnected:
		d = Decision{Lock: true, Reason: ReasonDisconnected}
	default:
		d = Decision{Reason: ReasonNone}
	}

	if device.IsAllowed(userName) {
		return Decision{Reason: ReasonExempt}
	}
	return d
}
