package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
)

type countingPurger struct {
	calls int32
	n     int64
	err   error
}

func (p *countingPurger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.n, p.err
}

func TestSweeper_SweepOnce(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	s.SaveConversationState(ctx, models.ConversationState{Identity: "+250788000111", Key: "x", ExpiresAt: &past})

	sw := NewSweeper(s, time.Hour)
	if n := sw.SweepOnce(ctx); n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}
	if n := sw.SweepOnce(ctx); n != 0 {
		t.Errorf("expected nothing left to purge, got %d", n)
	}
}

func TestSweeper_ErrorIsLogged(t *testing.T) {
	p := &countingPurger{n: 2, err: errors.New("boom")}
	sw := NewSweeper(p, 0)
	if sw.pollInterval != DefaultSweepInterval {
		t.Errorf("expected default interval, got %v", sw.pollInterval)
	}
	if n := sw.SweepOnce(context.Background()); n != 2 {
		t.Errorf("expected partial count 2, got %d", n)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	p := &countingPurger{}
	sw := NewSweeper(p, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&p.calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never polled")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
