package enforcer

import (
	"time"

	"github.com/parental/agent/internal/health"
	"github.com/parental/agent/internal/schedule"
	"github.com/parental/agent/internal/sessiondir"
	"github.com/parental/agent/internal/state"
)

// Outcome is the result of one tick.
type Outcome string

const (
	OutcomeNoDevice               Outcome = "no_device"
	OutcomeSessionUnknown         Outcome = "session_unknown"
	OutcomeNotLoggedIn            Outcome = "not_logged_in"
	OutcomeUnlocked               Outcome = "unlocked"
	OutcomeLocked                 Outcome = "locked"
	OutcomeDisconnected           Outcome = "disconnected"
	OutcomeEnforcementFailed      Outcome = "enforcement_failed"
	OutcomeEnforcementUnavailable Outcome = "enforcement_unavailable"
)

// Status is a point-in-time view of the loop for the status channel.
type Status struct {
	Outcome            Outcome            `json:"outcome" yaml:"outcome"`
	Decision           *schedule.Decision `json:"decision,omitempty" yaml:"decision,omitempty"`
	Session            *sessiondir.Fact   `json:"session,omitempty" yaml:"session,omitempty"`
	ServerAddress      string             `json:"serverAddress,omitempty" yaml:"serverAddress,omitempty"`
	DeviceID           string             `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`
	DeviceName         string             `json:"deviceName,omitempty" yaml:"deviceName,omitempty"`
	HasDevice          bool               `json:"hasDevice" yaml:"hasDevice"`
	Disconnected       bool               `json:"disconnected" yaml:"disconnected"`
	EnforcementEnabled bool               `json:"enforcementEnabled" yaml:"enforcementEnabled"`
	LastHeartbeat      time.Time          `json:"lastHeartbeat,omitempty" yaml:"lastHeartbeat,omitempty"`
	LastHeartbeatError string             `json:"lastHeartbeatError,omitempty" yaml:"lastHeartbeatError,omitempty"`
	HeartbeatFailures  int                `json:"heartbeatFailures" yaml:"heartbeatFailures"`
	Ticks              uint64             `json:"ticks" yaml:"ticks"`
	LastTick           time.Time          `json:"lastTick,omitempty" yaml:"lastTick,omitempty"`
	Health             health.Status      `json:"health" yaml:"health"`
	Components         []health.Check     `json:"components,omitempty" yaml:"components,omitempty"`
}

func (l *Loop) updateStatus(fn func(*Status)) {
	l.mu.Lock()
	fn(&l.status)
	l.mu.Unlock()
}

// Snapshot returns a copy of the latest status. Safe from any goroutine.
func (l *Loop) Snapshot() Status {
	l.mu.RLock()
	s := l.status
	l.mu.RUnlock()

	s.Health = l.deps.Health.Overall()
	s.Components = l.deps.Health.All()
	return s
}

func (l *Loop) publish(st state.AgentState, o Outcome, d *schedule.Decision, fact *sessiondir.Fact, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.status.Outcome = o
	l.status.Decision = d
	l.status.Session = fact
	l.status.ServerAddress = st.ServerAddress
	l.status.DeviceID = st.DeviceID
	l.status.HasDevice = l.device != nil
	l.status.DeviceName = ""
	if l.device != nil {
		l.status.DeviceName = l.device.Name
	}
	l.status.Disconnected = l.disconnected
	l.status.HeartbeatFailures = l.hbFailures
	l.status.Ticks = l.ticks
	l.status.LastTick = at
}
