package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"olarm-bridge/internal/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSynchronizer() *state.Synchronizer {
	logger := discardLogger()
	return state.NewSynchronizer(state.NewEventBus(logger), logger)
}

func TestPollerImmediateFirstRefresh(t *testing.T) {
	sync := newTestSynchronizer()
	fetched := make(chan struct{}, 1)
	fetch := func(ctx context.Context) (*state.Snapshot, error) {
		fetched <- struct{}{}
		return &state.Snapshot{Zones: []string{"c"}}, nil
	}

	p := NewPoller(fetch, sync, time.Hour, discardLogger())
	p.Activate()
	t.Cleanup(p.Deactivate)

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("no immediate refresh after activation")
	}

	// The long interval means no second fetch; the first result applied.
	deadline := time.Now().Add(2 * time.Second)
	for sync.Current() == nil {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPollerActivateIdempotent(t *testing.T) {
	sync := newTestSynchronizer()
	var fetches atomic.Int64
	fetch := func(ctx context.Context) (*state.Snapshot, error) {
		fetches.Add(1)
		return &state.Snapshot{}, nil
	}

	p := NewPoller(fetch, sync, time.Hour, discardLogger())
	p.Activate()
	p.Activate()
	t.Cleanup(p.Deactivate)

	deadline := time.Now().Add(time.Second)
	for fetches.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Let a duplicate loop fire if one was started.
	time.Sleep(50 * time.Millisecond)

	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1 (single timer)", got)
	}
	if !p.Active() {
		t.Error("active = false, want true")
	}
}

func TestPollerDeactivateIdempotent(t *testing.T) {
	p := NewPoller(func(ctx context.Context) (*state.Snapshot, error) {
		return &state.Snapshot{}, nil
	}, newTestSynchronizer(), time.Hour, discardLogger())

	// No-op when never activated.
	p.Deactivate()

	p.Activate()
	p.Deactivate()
	p.Deactivate()

	if p.Active() {
		t.Error("active = true after deactivation")
	}
}

func TestPollerFetchFailureKeepsStatus(t *testing.T) {
	sync := newTestSynchronizer()
	sync.Apply(&state.Snapshot{Zones: []string{"c"}}, state.SourceStream)
	if !sync.Online() {
		t.Fatal("precondition: online")
	}

	fetched := make(chan struct{}, 1)
	fetch := func(ctx context.Context) (*state.Snapshot, error) {
		select {
		case fetched <- struct{}{}:
		default:
		}
		return nil, errors.New("network down")
	}

	p := NewPoller(fetch, sync, time.Hour, discardLogger())
	p.Activate()
	t.Cleanup(p.Deactivate)

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh attempt")
	}
	time.Sleep(20 * time.Millisecond)

	if !sync.Online() {
		t.Error("a failed poll must not change reachability status")
	}
	if sync.Current().Zones[0] != "c" {
		t.Error("snapshot replaced by failed poll")
	}
}

func TestPollerSustainedFailureMarksOffline(t *testing.T) {
	sync := newTestSynchronizer()
	sync.Apply(&state.Snapshot{Zones: []string{"c"}}, state.SourceStream)

	failing := true
	fetch := func(ctx context.Context) (*state.Snapshot, error) {
		if failing {
			return nil, errors.New("network down")
		}
		return &state.Snapshot{Zones: []string{"c"}}, nil
	}
	p := NewPoller(fetch, sync, time.Hour, discardLogger())

	ctx := context.Background()
	for i := 0; i < pollOfflineThreshold-1; i++ {
		p.refreshOnce(ctx)
	}
	if !sync.Online() {
		t.Fatalf("offline before %d consecutive failures", pollOfflineThreshold)
	}

	p.refreshOnce(ctx)
	if sync.Online() {
		t.Error("still online after sustained poll failure")
	}

	// A successful fetch restores reachability and resets the run.
	failing = false
	p.refreshOnce(ctx)
	if !sync.Online() {
		t.Error("not online after successful poll")
	}
	failing = true
	p.refreshOnce(ctx)
	if !sync.Online() {
		t.Error("single failure after recovery must not mark offline")
	}
}
