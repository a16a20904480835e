package enforcer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parental/agent/internal/audit"
	"github.com/parental/agent/internal/health"
	"github.com/parental/agent/internal/schedule"
	"github.com/parental/agent/internal/sessiondir"
	"github.com/parental/agent/internal/state"
)

var noon = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	store   *memStore
	fetcher *scriptedFetcher
	dir     *fakeDirectory
	exec    *fakeExecutor
	logs    *syncBuffer
	audit   *audit.Logger
	loop    *Loop
}

func newHarness(t *testing.T, st state.AgentState, withExecutor bool, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:   &memStore{st: st},
		fetcher: &scriptedFetcher{},
		dir:     &fakeDirectory{fact: loggedIn("kid", 1)},
		exec:    &fakeExecutor{},
		logs:    &syncBuffer{},
	}
	al, err := audit.NewLogger(audit.Options{Path: filepath.Join(t.TempDir(), "audit.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })
	h.audit = al

	o := Options{
		Interval:         time.Second,
		HeartbeatTimeout: 500 * time.Millisecond,
		Location:         time.UTC,
		Clock:            func() time.Time { return noon },
		Logger:           slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	for _, fn := range opts {
		fn(&o)
	}
	deps := Deps{
		Store:     h.store,
		Fetcher:   h.fetcher,
		Directory: h.dir,
		Audit:     al,
	}
	if withExecutor {
		deps.Executor = h.exec
	}
	h.loop = New(deps, o)
	return h
}

func (h *harness) auditEvents(t *testing.T) []string {
	t.Helper()
	path := h.audit.Path()
	require.NoError(t, h.audit.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e audit.Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e.EventType)
	}
	return events
}

func identity() state.AgentState {
	return state.AgentState{ServerAddress: "https://p.example.com", DeviceID: "dev-1"}
}

func TestTickNoIdentityNoDevice(t *testing.T) {
	h := newHarness(t, state.AgentState{}, true)

	assert.Equal(t, OutcomeNoDevice, h.loop.Tick(context.Background()))
	assert.Equal(t, 0, h.fetcher.calls, "no heartbeat without identifiers")
	assert.Equal(t, 0, h.exec.lockCalls)

	// Warned once per streak.
	h.loop.Tick(context.Background())
	assert.Equal(t, 1, strings.Count(h.logs.String(), "no device configuration yet"))
}

func TestTickHeartbeatSuccessPersistsDevice(t *testing.T) {
	h := newHarness(t, identity(), true)
	h.fetcher.results = []fetchResult{{device: allDayDevice()}}

	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))
	assert.Equal(t, 1, h.store.saves)
	require.NotNil(t, h.store.st.Device)
	assert.Equal(t, "Kids PC", h.store.st.Device.Name)
	assert.Equal(t, []int{1}, h.exec.sessions)

	s := h.loop.Snapshot()
	assert.False(t, s.Disconnected)
	assert.True(t, s.HasDevice)
	assert.Equal(t, noon, s.LastHeartbeat)
	c, ok := h.loop.Health().Get(health.ComponentHeartbeat)
	require.True(t, ok)
	assert.Equal(t, health.Healthy, c.Status)
}

func TestHeartbeatDoesNotRevertConcurrentConfigure(t *testing.T) {
	store := state.NewFileStore(filepath.Join(t.TempDir(), "agent.json"))
	require.NoError(t, store.Configure("https://old.example.com", "dev-old"))

	h := newHarness(t, state.AgentState{}, true)
	loop := New(Deps{
		Store: store,
		Fetcher: &configuringFetcher{
			store:  store,
			server: "https://new.example.com",
			device: "dev-new",
			result: allDayDevice(),
		},
		Directory: h.dir,
		Executor:  h.exec,
	}, h.loop.opts)

	assert.Equal(t, OutcomeLocked, loop.Tick(context.Background()))

	got := store.Load()
	assert.Equal(t, "https://new.example.com", got.ServerAddress)
	assert.Equal(t, "dev-new", got.DeviceID)
	require.NotNil(t, got.Device)
	assert.Equal(t, "Kids PC", got.Device.Name)
}

func TestTickHeartbeatHonoursTimeout(t *testing.T) {
	h := newHarness(t, identity(), true)
	h.fetcher.results = []fetchResult{{device: allDayDevice()}}

	h.loop.Tick(context.Background())
	require.Len(t, h.fetcher.deadlines, 1)
	assert.LessOrEqual(t, h.fetcher.deadlines[0], 500*time.Millisecond)
}

func TestHeartbeatFailuresKeepEnforcingLastDevice(t *testing.T) {
	st := identity()
	st.Device = allDayDevice()
	h := newHarness(t, st, true)
	h.fetcher.results = []fetchResult{{err: errors.New("connection refused")}}

	for i := 0; i < 3; i++ {
		assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()), "tick %d", i+1)
	}
	assert.Equal(t, 3, h.fetcher.calls)
	assert.Equal(t, 3, h.exec.lockCalls)
	assert.Equal(t, 0, h.store.saves, "failed heartbeats must not overwrite the cached device")

	s := h.loop.Snapshot()
	assert.True(t, s.Disconnected)
	assert.Equal(t, 3, s.HeartbeatFailures)
	assert.Equal(t, "connection refused", s.LastHeartbeatError)
	assert.Equal(t, health.Unhealthy, s.Health)
	assert.Equal(t, 1, strings.Count(h.logs.String(), "heartbeat failed"), "warn once per failure streak")
}

func TestHeartbeatRecoveryClearsDisconnected(t *testing.T) {
	dev := &schedule.Device{ID: "dev-1", IsLockedWhileDisconnected: true}
	st := identity()
	st.Device = dev
	h := newHarness(t, st, true)
	h.fetcher.results = []fetchResult{{err: errors.New("timeout")}, {device: dev}}

	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))
	assert.Equal(t, OutcomeUnlocked, h.loop.Tick(context.Background()))
	assert.False(t, h.loop.Snapshot().Disconnected)
	assert.Contains(t, h.logs.String(), "heartbeat recovered")
}

func TestDisconnectedFlagUntouchedWithoutIdentity(t *testing.T) {
	dev := &schedule.Device{ID: "dev-1", IsLockedWhileDisconnected: true}
	h := newHarness(t, state.AgentState{Device: dev}, true)

	assert.Equal(t, OutcomeUnlocked, h.loop.Tick(context.Background()))
	assert.False(t, h.loop.Snapshot().Disconnected)
}

func TestColdStartUsesPersistedDevice(t *testing.T) {
	st := identity()
	st.Device = allDayDevice()
	h := newHarness(t, st, true)
	h.fetcher.results = []fetchResult{{err: errors.New("no route to host")}}

	select {
	case <-h.loop.Ready():
		t.Fatal("ready before state was loaded")
	default:
	}
	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))
	select {
	case <-h.loop.Ready():
	default:
		t.Fatal("ready not closed after first tick")
	}
}

func TestLockFailureFallsBackToDisconnectOnce(t *testing.T) {
	st := identity()
	st.Device = allDayDevice()
	h := newHarness(t, st, true)
	h.fetcher.results = []fetchResult{{device: allDayDevice()}}
	h.exec.lockErr = errors.New("helper exited with code 1")
	h.exec.disconnectErr = errors.New("access denied")

	assert.Equal(t, OutcomeEnforcementFailed, h.loop.Tick(context.Background()))
	assert.Equal(t, 1, h.exec.lockCalls)
	assert.Equal(t, 1, h.exec.disconnectCalls)

	logs := h.logs.String()
	assert.Contains(t, logs, "lock failed")
	assert.Contains(t, logs, "helper exited with code 1")
	assert.Contains(t, logs, "disconnect failed")
	assert.Contains(t, logs, "access denied")

	events := h.auditEvents(t)
	assert.Contains(t, events, audit.EventLockFailed)
	assert.Contains(t, events, audit.EventDisconnectFailed)
}

func TestLockFailureDisconnectSucceeds(t *testing.T) {
	h := newHarness(t, state.AgentState{Device: allDayDevice()}, true)
	h.exec.lockErr = errors.New("no desktop")

	assert.Equal(t, OutcomeDisconnected, h.loop.Tick(context.Background()))
	assert.Equal(t, 1, h.exec.disconnectCalls)
	assert.Contains(t, h.auditEvents(t), audit.EventDisconnect)
}

func TestUnlockNeverCallsExecutor(t *testing.T) {
	dev := allDayDevice()
	dev.AllowedUsernames = []string{"Parent"}
	h := newHarness(t, state.AgentState{Device: dev}, true)
	h.dir.fact = loggedIn("parent", 3)

	assert.Equal(t, OutcomeUnlocked, h.loop.Tick(context.Background()))
	assert.Equal(t, 0, h.exec.lockCalls)
	assert.Equal(t, 0, h.exec.disconnectCalls)
	s := h.loop.Snapshot()
	require.NotNil(t, s.Decision)
	assert.Equal(t, schedule.ReasonExempt, s.Decision.Reason)
}

func TestSessionUnknownSkipsTick(t *testing.T) {
	h := newHarness(t, state.AgentState{Device: allDayDevice()}, true)
	h.dir.err = sessiondir.ErrUnknown

	assert.Equal(t, OutcomeSessionUnknown, h.loop.Tick(context.Background()))
	assert.Equal(t, OutcomeSessionUnknown, h.loop.Tick(context.Background()))
	assert.Equal(t, 0, h.exec.lockCalls)
	assert.Equal(t, 1, strings.Count(h.logs.String(), "console session unknown"))

	h.dir.err = nil
	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))
}

func TestNotLoggedInSkipsEnforcement(t *testing.T) {
	h := newHarness(t, state.AgentState{Device: allDayDevice()}, true)
	h.dir.fact = sessiondir.NotLoggedIn()

	assert.Equal(t, OutcomeNotLoggedIn, h.loop.Tick(context.Background()))
	assert.Equal(t, 0, h.exec.lockCalls)
}

func TestExecutorDisabledReportsUnavailable(t *testing.T) {
	h := newHarness(t, state.AgentState{Device: allDayDevice()}, false)

	assert.Equal(t, OutcomeEnforcementUnavailable, h.loop.Tick(context.Background()))
	assert.Equal(t, OutcomeEnforcementUnavailable, h.loop.Tick(context.Background()))
	assert.Equal(t, 1, strings.Count(h.logs.String(), "enforcement is disabled"))
	assert.False(t, h.loop.Snapshot().EnforcementEnabled)
}

func TestVerdictLoggedOnTransitionsOnly(t *testing.T) {
	now := time.Date(2024, 3, 14, 7, 59, 59, 0, time.UTC)
	dev := &schedule.Device{
		ID:           "dev-1",
		LockedRanges: []schedule.TimeRange{{StartTime: 8 * 3600, EndTime: 9 * 3600, IsEnabled: true}},
	}
	h := newHarness(t, state.AgentState{Device: dev}, true, func(o *Options) {
		o.Clock = func() time.Time { return now }
	})

	assert.Equal(t, OutcomeUnlocked, h.loop.Tick(context.Background()))
	assert.Equal(t, OutcomeUnlocked, h.loop.Tick(context.Background()))
	now = now.Add(time.Second)
	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))
	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))

	logs := h.logs.String()
	assert.Equal(t, 1, strings.Count(logs, "msg=\"session unlocked\""))
	assert.Equal(t, 1, strings.Count(logs, "msg=\"session must be locked\""))
	assert.Equal(t, 2, h.exec.lockCalls, "lock is re-asserted every tick while required")

	var verdicts int
	for _, e := range h.auditEvents(t) {
		if e == audit.EventVerdictChanged {
			verdicts++
		}
	}
	assert.Equal(t, 2, verdicts)
}

func TestReasonChangeWithoutVerdictChangeIsNotATransition(t *testing.T) {
	dev := allDayDevice()
	dev.IsManuallyLocked = true
	h := newHarness(t, state.AgentState{Device: dev}, true)

	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))

	// Manual lock lifted while the schedule still covers now.
	h.loop.device = allDayDevice()
	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))

	s := h.loop.Snapshot()
	require.NotNil(t, s.Decision)
	assert.Equal(t, schedule.ReasonSchedule, s.Decision.Reason)

	logs := h.logs.String()
	assert.Equal(t, 1, strings.Count(logs, "msg=\"session must be locked\""))
	assert.Contains(t, logs, "verdict reason changed")

	var verdicts int
	for _, e := range h.auditEvents(t) {
		if e == audit.EventVerdictChanged {
			verdicts++
		}
	}
	assert.Equal(t, 1, verdicts)
}

func TestEvaluatesInConfiguredLocation(t *testing.T) {
	// 23:30 UTC is 01:30 the next day in UTC+2.
	zone := time.FixedZone("UTC+2", 2*3600)
	dev := &schedule.Device{
		ID:           "dev-1",
		LockedRanges: []schedule.TimeRange{{StartTime: 3600, EndTime: 2 * 3600, IsEnabled: true}},
	}
	h := newHarness(t, state.AgentState{Device: dev}, true, func(o *Options) {
		o.Location = zone
		o.Clock = func() time.Time { return time.Date(2024, 3, 14, 23, 30, 0, 0, time.UTC) }
	})

	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))
}

func TestPrivilegedCallsSurviveCancellation(t *testing.T) {
	h := newHarness(t, state.AgentState{Device: allDayDevice()}, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, OutcomeLocked, h.loop.Tick(ctx))
	require.Len(t, h.exec.lockCtxErrs, 1)
	assert.NoError(t, h.exec.lockCtxErrs[0])
}

func TestStoreSaveFailureDegradesState(t *testing.T) {
	h := newHarness(t, identity(), true)
	h.store.err = errors.New("disk full")
	h.fetcher.results = []fetchResult{{device: allDayDevice()}}

	assert.Equal(t, OutcomeLocked, h.loop.Tick(context.Background()))
	c, ok := h.loop.Health().Get(health.ComponentState)
	require.True(t, ok)
	assert.Equal(t, health.Degraded, c.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, state.AgentState{Device: allDayDevice()}, true, func(o *Options) {
		o.Interval = 10 * time.Millisecond
		o.HeartbeatTimeout = 5 * time.Millisecond
		o.TickImmediately = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	<-h.loop.Ready()
	require.Eventually(t, func() bool { return h.loop.Snapshot().Ticks >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewClampsHeartbeatTimeout(t *testing.T) {
	l := New(Deps{Store: &memStore{}}, Options{Interval: 5 * time.Second, HeartbeatTimeout: 10 * time.Second})
	assert.Less(t, l.opts.HeartbeatTimeout, l.opts.Interval)
}
