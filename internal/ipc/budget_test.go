package ipc

import (
	"testing"
	"time"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time          { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestPeerBudgetLimitsEachPeer(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)}
	b := newPeerBudget(2, 10*time.Second, clock.now)

	for i := 0; i < 2; i++ {
		if !b.take("uid:0") {
			t.Fatalf("connection %d for uid:0 should be allowed", i+1)
		}
	}
	if b.take("uid:0") {
		t.Fatal("third connection inside the window should be refused")
	}
	if !b.take("uid:1000") {
		t.Fatal("another peer has its own budget")
	}
}

func TestPeerBudgetRefillsAfterWindow(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)}
	b := newPeerBudget(1, 10*time.Second, clock.now)

	if !b.take("pipe") {
		t.Fatal("first connection should be allowed")
	}
	clock.advance(9 * time.Second)
	if b.take("pipe") {
		t.Fatal("budget should still be spent before the window ends")
	}
	clock.advance(time.Second)
	if !b.take("pipe") {
		t.Fatal("budget should refill once the window ends")
	}
}

func TestPeerBudgetForgetsExpiredPeers(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)}
	b := newPeerBudget(5, time.Second, clock.now)

	for _, peer := range []string{"uid:1", "uid:2", "uid:3"} {
		b.take(peer)
	}
	clock.advance(2 * time.Second)
	b.take("uid:4")

	if len(b.peers) != 1 {
		t.Fatalf("tracked peers = %d, want 1", len(b.peers))
	}
}
