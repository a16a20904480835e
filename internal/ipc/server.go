package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

const (
	connTimeout = 5 * time.Second
	// A peer may open peerConnLimit connections per peerConnWindow.
	peerConnLimit  = 20
	peerConnWindow = 10 * time.Second
)

// StatusFunc returns the payload for a status request. It must be safe to
// call from any goroutine.
type StatusFunc func() any

// Server answers ping and status requests on a local socket or pipe. It is
// read-only: no request changes agent state.
type Server struct {
	path      string
	version   string
	startedAt time.Time
	status    StatusFunc
	budget    *peerBudget

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a status server bound to path once Listen is called.
func NewServer(path, version string, status StatusFunc) *Server {
	if path == "" {
		path = DefaultSocketPath()
	}
	return &Server{
		path:      path,
		version:   version,
		startedAt: time.Now(),
		status:    status,
		budget:    newPeerBudget(peerConnLimit, peerConnWindow, time.Now),
	}
}

// Path returns the socket path or pipe name.
func (s *Server) Path() string { return s.path }

// Listen creates the endpoint.
func (s *Server) Listen() error {
	ln, err := listen(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info("status channel listening", "path", s.path)
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight requests. It calls Listen if that has not happened yet.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Warn("status channel accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(raw net.Conn) {
	conn := NewConn(raw)
	defer conn.Close()

	if id := peerIdentity(raw); !s.budget.take(id) {
		log.Warn("status channel connection budget exhausted", "peer", id)
		return
	}

	for {
		conn.SetDeadline(time.Now().Add(connTimeout))
		req, err := conn.Recv()
		if err != nil {
			return
		}
		switch req.Type {
		case TypePing:
			err = conn.SendTyped(req.ID, TypePong, Pong{
				ProtocolVersion: ProtocolVersion,
				PID:             os.Getpid(),
				Version:         s.version,
				StartedAt:       s.startedAt,
			})
		case TypeStatusRequest:
			var payload any
			if s.status != nil {
				payload = s.status()
			}
			err = conn.SendTyped(req.ID, TypeStatus, payload)
		default:
			err = conn.SendError(req.ID, "unknown message type "+req.Type)
		}
		if err != nil {
			log.Debug("status channel write failed", "error", err)
			return
		}
	}
}

// peerBudget grants each peer a fixed number of connections per window. A
// peer's window starts with its first connection after the previous one
// expired.
type peerBudget struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	peers map[string]*peerWindow
}

type peerWindow struct {
	start time.Time
	used  int
}

func newPeerBudget(limit int, window time.Duration, now func() time.Time) *peerBudget {
	return &peerBudget{
		limit:  limit,
		window: window,
		now:    now,
		peers:  make(map[string]*peerWindow),
	}
}

// take spends one connection from peer's budget and reports whether any
// was left.
func (b *peerBudget) take(peer string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	w, ok := b.peers[peer]
	if !ok || now.Sub(w.start) >= b.window {
		b.expire(now)
		w = &peerWindow{start: now}
		b.peers[peer] = w
	}
	if w.used >= b.limit {
		return false
	}
	w.used++
	return true
}

// expire drops windows that ended, so short-lived peers do not accumulate.
func (b *peerBudget) expire(now time.Time) {
	for id, w := range b.peers {
		if now.Sub(w.start) >= b.window {
			delete(b.peers, id)
		}
	}
}
