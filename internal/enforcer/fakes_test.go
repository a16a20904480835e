package enforcer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parental/agent/internal/schedule"
	"github.com/parental/agent/internal/sessiondir"
	"github.com/parental/agent/internal/state"
)

type memStore struct {
	mu    sync.Mutex
	st    state.AgentState
	saves int
	err   error
}

func (s *memStore) Load() state.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *memStore) Save(st state.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.st = st
	return nil
}

func (s *memStore) SaveDevice(d *schedule.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.st.Device = d
	return nil
}

func (s *memStore) Configure(server, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.ServerAddress = server
	s.st.DeviceID = device
	return nil
}

type fetchResult struct {
	device *schedule.Device
	err    error
}

// scriptedFetcher replays results in order and repeats the last one.
type scriptedFetcher struct {
	mu        sync.Mutex
	results   []fetchResult
	calls     int
	deadlines []time.Duration
}

func (f *scriptedFetcher) FetchDevice(ctx context.Context, server, id string) (*schedule.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(dl))
	}
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	if i < 0 {
		return nil, errors.New("no scripted result")
	}
	r := f.results[i]
	return r.device, r.err
}

type fakeDirectory struct {
	fact sessiondir.Fact
	err  error
}

func (d *fakeDirectory) ActiveConsoleSession() (sessiondir.Fact, error) {
	return d.fact, d.err
}

type fakeExecutor struct {
	mu              sync.Mutex
	lockErr         error
	disconnectErr   error
	lockCalls       int
	disconnectCalls int
	lockCtxErrs     []error
	sessions        []int
}

func (e *fakeExecutor) Lock(ctx context.Context, sessionID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockCalls++
	e.lockCtxErrs = append(e.lockCtxErrs, ctx.Err())
	e.sessions = append(e.sessions, sessionID)
	return e.lockErr
}

func (e *fakeExecutor) Disconnect(sessionID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnectCalls++
	return e.disconnectErr
}

// configuringFetcher rewrites the store's identifiers while the fetch is in
// flight, the way an operator running `configure` would.
type configuringFetcher struct {
	store          state.Store
	server, device string
	result         *schedule.Device
}

func (f *configuringFetcher) FetchDevice(ctx context.Context, server, id string) (*schedule.Device, error) {
	if err := f.store.Configure(f.server, f.device); err != nil {
		return nil, err
	}
	return f.result, nil
}

func loggedIn(user string, id int) sessiondir.Fact {
	return sessiondir.Fact{LoggedIn: true, SessionID: id, UserName: user}
}

func allDayDevice() *schedule.Device {
	return &schedule.Device{
		ID:           "dev-1",
		Name:         "Kids PC",
		LockedRanges: []schedule.TimeRange{{StartTime: 0, EndTime: schedule.SecondsPerDay - 1, IsEnabled: true}},
	}
}
