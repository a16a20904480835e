package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRemote wraps an error envelope returned by the agent.
var ErrRemote = errors.New("ipc: agent returned error")

// Query sends one request of msgType and returns the reply envelope.
func Query(ctx context.Context, path, msgType string) (*Envelope, error) {
	if path == "" {
		path = DefaultSocketPath()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connTimeout)
		defer cancel()
	}

	raw, err := dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect %s: %w", path, err)
	}
	conn := NewConn(raw)
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	id := uuid.NewString()
	if err := conn.Send(&Envelope{ID: id, Type: msgType}); err != nil {
		return nil, err
	}
	resp, err := conn.Recv()
	if err != nil {
		return nil, err
	}
	if resp.ID != id {
		return nil, fmt.Errorf("ipc: reply id %q does not match request %q", resp.ID, id)
	}
	if resp.Type == TypeError {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp, nil
}

// QueryStatus fetches the agent status and decodes it into out.
func QueryStatus(ctx context.Context, path string, out any) error {
	resp, err := Query(ctx, path, TypeStatusRequest)
	if err != nil {
		return err
	}
	if resp.Type != TypeStatus {
		return fmt.Errorf("ipc: unexpected reply type %q", resp.Type)
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return fmt.Errorf("ipc: decode status: %w", err)
	}
	return nil
}

// Ping checks the agent is answering.
func Ping(ctx context.Context, path string) (*Pong, error) {
	resp, err := Query(ctx, path, TypePing)
	if err != nil {
		return nil, err
	}
	var pong Pong
	if err := json.Unmarshal(resp.Payload, &pong); err != nil {
		return nil, fmt.Errorf("ipc: decode pong: %w", err)
	}
	return &pong, nil
}
