// Package enforcer runs the periodic heartbeat, decide and enforce cycle.
package enforcer

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/parental/agent/internal/audit"
	"github.com/parental/agent/internal/health"
	"github.com/parental/agent/internal/logging"
	"github.com/parental/agent/internal/privilege"
	"github.com/parental/agent/internal/schedule"
	"github.com/parental/agent/internal/sessiondir"
	"github.com/parental/agent/internal/state"
)

var errNilDevice = errors.New("enforcer: fetcher returned no device")

// Defaults used when Options leaves a field zero.
const (
	DefaultInterval         = 5 * time.Second
	DefaultHeartbeatTimeout = 3 * time.Second
)

// DeviceFetcher performs one heartbeat and returns the current device.
type DeviceFetcher interface {
	FetchDevice(ctx context.Context, serverAddress, deviceID string) (*schedule.Device, error)
}

// Deps are the collaborators of the loop. Executor may be nil, which
// disables enforcement for the life of the loop. Audit and Health may be nil.
type Deps struct {
	Store     state.Store
	Fetcher   DeviceFetcher
	Directory sessiondir.Directory
	Executor  privilege.Executor
	Audit     *audit.Logger
	Health    *health.Monitor
}

// Options tune the loop.
type Options struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	// Location is the zone whose wall clock the locked ranges describe.
	Location *time.Location
	Clock    func() time.Time
	Logger   *slog.Logger
	// TickImmediately runs the first tick at start instead of after one
	// interval.
	TickImmediately bool
}

// Loop is the single enforcement worker. All tick state is owned by the
// goroutine calling Run (or Tick); only the status snapshot is shared.
type Loop struct {
	deps Deps
	opts Options
	log  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	device       *schedule.Device
	disconnected bool
	hbFailures   int
	lastDecision *schedule.Decision
	warned       map[Outcome]bool
	ticks        uint64

	mu     sync.RWMutex
	status Status
}

// New builds a loop. It does not start it.
func New(deps Deps, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.HeartbeatTimeout >= opts.Interval {
		// A heartbeat may never run into the next tick.
		opts.HeartbeatTimeout = opts.Interval * 3 / 5
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.L("enforcer")
	}
	if deps.Health == nil {
		deps.Health = health.NewMonitor()
	}

	l := &Loop{
		deps:   deps,
		opts:   opts,
		log:    opts.Logger,
		ready:  make(chan struct{}),
		warned: make(map[Outcome]bool),
	}
	l.status.EnforcementEnabled = deps.Executor != nil
	return l
}

// Ready is closed once persisted state has been loaded.
func (l *Loop) Ready() <-chan struct{} {
	return l.ready
}

// Health returns the monitor the loop reports into.
func (l *Loop) Health() *health.Monitor {
	return l.deps.Health
}

// Run loads persisted state, then ticks every Interval until ctx is
// cancelled. A tick in progress finishes before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.init()
	l.log.Info("enforcement loop started",
		"interval", l.opts.Interval,
		"heartbeatTimeout", l.opts.HeartbeatTimeout,
		"location", l.opts.Location.String(),
		"enforcement", l.deps.Executor != nil,
	)

	if l.opts.TickImmediately {
		l.Tick(ctx)
	}

	timer := time.NewTimer(l.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("enforcement loop stopped", "ticks", l.ticks)
			return nil
		case <-timer.C:
			l.Tick(ctx)
			timer.Reset(l.opts.Interval)
		}
	}
}

// init seeds the in-memory device from the store so a cold start without
// connectivity still enforces the last known configuration.
func (l *Loop) init() {
	l.readyOnce.Do(func() {
		st := l.deps.Store.Load()
		l.device = st.Device
		if st.Device != nil {
			l.log.Info("loaded cached device", logging.KeyDeviceID, st.Device.ID, "name", st.Device.Name)
		}
		close(l.ready)
	})
}

// Tick runs exactly one iteration and returns its outcome.
func (l *Loop) Tick(ctx context.Context) Outcome {
	l.init()
	l.ticks++
	start := l.opts.Clock()

	st := l.heartbeat(ctx)
	outcome, decision, fact := l.enforce(ctx)

	l.publish(st, outcome, decision, fact, start)
	l.log.Debug("tick complete", "outcome", string(outcome), logging.KeyDurationMs, l.opts.Clock().Sub(start).Milliseconds())
	return outcome
}

// heartbeat refreshes the device. The disconnected flag changes only when a
// fetch is actually attempted.
func (l *Loop) heartbeat(ctx context.Context) state.AgentState {
	st := l.deps.Store.Load()
	if !st.HasIdentity() {
		return st
	}

	hbCtx, cancel := context.WithTimeout(ctx, l.opts.HeartbeatTimeout)
	device, err := l.deps.Fetcher.FetchDevice(hbCtx, st.ServerAddress, st.DeviceID)
	cancel()
	if err == nil && device == nil {
		err = errNilDevice
	}

	if err != nil {
		if ctx.Err() != nil {
			return st
		}
		l.disconnected = true
		l.hbFailures++
		l.updateStatus(func(s *Status) { s.LastHeartbeatError = err.Error() })
		l.deps.Health.Update(health.ComponentHeartbeat, health.Unhealthy, err.Error())
		if l.hbFailures == 1 {
			l.log.Warn("heartbeat failed, keeping last known device",
				logging.KeyDeviceID, st.DeviceID, logging.KeyError, err)
		} else {
			l.log.Debug("heartbeat still failing", "failures", l.hbFailures, logging.KeyError, err)
		}
		return st
	}

	if l.hbFailures > 0 {
		l.log.Info("heartbeat recovered", "failedAttempts", l.hbFailures)
	}
	l.disconnected = false
	l.hbFailures = 0
	l.updateStatus(func(s *Status) {
		s.LastHeartbeat = l.opts.Clock()
		s.LastHeartbeatError = ""
	})
	l.deps.Health.Update(health.ComponentHeartbeat, health.Healthy, "")

	if l.device == nil || !reflect.DeepEqual(*l.device, *device) {
		l.log.Info("device configuration updated",
			logging.KeyDeviceID, device.ID,
			"manualLock", device.IsManuallyLocked,
			"ranges", len(device.LockedRanges),
			"allowedUsers", len(device.AllowedUsernames),
		)
		l.deps.Audit.Log(audit.EventDeviceUpdated, device.ID, map[string]any{
			"isManuallyLocked":          device.IsManuallyLocked,
			"isLockedWhileDisconnected": device.IsLockedWhileDisconnected,
			"lockedRanges":              len(device.LockedRanges),
		})
	}
	l.device = device
	st.Device = device

	// Only the device is written; the identifiers may have been changed by
	// `configure` while the fetch was in flight.
	if err := l.deps.Store.SaveDevice(device); err != nil {
		l.log.Warn("failed to persist device", logging.KeyError, err)
		l.deps.Health.Update(health.ComponentState, health.Degraded, err.Error())
	} else {
		l.deps.Health.Update(health.ComponentState, health.Healthy, "")
	}
	return st
}

func (l *Loop) enforce(ctx context.Context) (Outcome, *schedule.Decision, *sessiondir.Fact) {
	if l.device == nil {
		l.warnOnce(OutcomeNoDevice, "no device configuration yet, nothing to enforce")
		return OutcomeNoDevice, nil, nil
	}
	l.clearWarning(OutcomeNoDevice)

	fact, err := l.deps.Directory.ActiveConsoleSession()
	if err != nil {
		l.deps.Health.Update(health.ComponentSession, health.Degraded, err.Error())
		l.warnOnce(OutcomeSessionUnknown, "console session unknown, skipping tick", logging.KeyError, err)
		return OutcomeSessionUnknown, nil, nil
	}
	l.clearWarning(OutcomeSessionUnknown)
	l.deps.Health.Update(health.ComponentSession, health.Healthy, "")

	if !fact.LoggedIn {
		if l.lastDecision != nil {
			l.log.Info("console session logged out", logging.KeySessionID, fact.SessionID)
			l.lastDecision = nil
		}
		return OutcomeNotLoggedIn, nil, &fact
	}

	now := l.opts.Clock().In(l.opts.Location)
	decision := schedule.Evaluate(l.device, fact.UserName, l.disconnected, now)
	l.noteDecision(decision, fact)

	if !decision.Lock {
		return OutcomeUnlocked, &decision, &fact
	}

	if l.deps.Executor == nil {
		l.warnOnce(OutcomeEnforcementUnavailable, "lock required but enforcement is disabled on this host",
			"reason", string(decision.Reason))
		l.deps.Health.Update(health.ComponentEnforcement, health.Unhealthy, "enforcement disabled")
		return OutcomeEnforcementUnavailable, &decision, &fact
	}

	return l.lock(ctx, fact), &decision, &fact
}

// lock runs the privileged chain: lock, and on failure disconnect exactly
// once. The calls get a context that outlives cancellation so shutdown never
// abandons a helper mid-flight.
func (l *Loop) lock(ctx context.Context, fact sessiondir.Fact) Outcome {
	pctx := context.WithoutCancel(ctx)
	sessLog := logging.WithSession(l.log, fact.SessionID)
	deviceID := l.device.ID

	lockErr := l.deps.Executor.Lock(pctx, fact.SessionID)
	if lockErr == nil {
		l.deps.Health.Update(health.ComponentEnforcement, health.Healthy, "")
		sessLog.Debug("session locked", "user", fact.UserName)
		return OutcomeLocked
	}

	sessLog.Error("lock failed, disconnecting session", "user", fact.UserName, logging.KeyError, lockErr)
	l.deps.Audit.Log(audit.EventLockFailed, deviceID, map[string]any{
		"sessionId": fact.SessionID,
		"user":      fact.UserName,
		"error":     lockErr.Error(),
	})

	if err := l.deps.Executor.Disconnect(fact.SessionID); err != nil {
		sessLog.Error("disconnect failed, session left unenforced", "user", fact.UserName, logging.KeyError, err)
		l.deps.Audit.Log(audit.EventDisconnectFailed, deviceID, map[string]any{
			"sessionId": fact.SessionID,
			"user":      fact.UserName,
			"error":     err.Error(),
		})
		l.deps.Health.Update(health.ComponentEnforcement, health.Unhealthy, err.Error())
		return OutcomeEnforcementFailed
	}

	sessLog.Warn("session disconnected", "user", fact.UserName)
	l.deps.Audit.Log(audit.EventDisconnect, deviceID, map[string]any{
		"sessionId": fact.SessionID,
		"user":      fact.UserName,
	})
	l.deps.Health.Update(health.ComponentEnforcement, health.Degraded, lockErr.Error())
	return OutcomeDisconnected
}

// noteDecision logs and audits only lock/unlock transitions. A new reason
// for the same verdict is logged at debug.
func (l *Loop) noteDecision(d schedule.Decision, fact sessiondir.Fact) {
	prev := l.lastDecision
	l.lastDecision = &d
	if prev != nil && prev.Lock == d.Lock {
		if prev.Reason != d.Reason {
			logging.WithSession(l.log, fact.SessionID).Debug("verdict reason changed",
				"from", string(prev.Reason), "to", string(d.Reason), "lock", d.Lock)
		}
		return
	}

	msg := "session unlocked"
	if d.Lock {
		msg = "session must be locked"
	}
	logging.WithSession(l.log, fact.SessionID).Info(msg,
		"reason", string(d.Reason),
		"user", fact.QualifiedName(),
		"disconnected", l.disconnected,
	)
	l.deps.Audit.Log(audit.EventVerdictChanged, l.device.ID, map[string]any{
		"lock":      d.Lock,
		"reason":    string(d.Reason),
		"sessionId": fact.SessionID,
		"user":      fact.UserName,
	})
}

// warnOnce logs msg the first time o occurs in a streak.
func (l *Loop) warnOnce(o Outcome, msg string, args ...any) {
	if l.warned[o] {
		return
	}
	l.warned[o] = true
	l.log.Warn(msg, args...)
}

func (l *Loop) clearWarning(o Outcome) {
	delete(l.warned, o)
}
