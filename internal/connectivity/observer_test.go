package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetsync/internal/offline"
	"go.uber.org/goleak"
)

type fakeDrainer struct {
	mu      sync.Mutex
	states  []bool
	pending int
	drains chan struct{}
	block  chan struct{}
}

func newFakeDrainer() *fakeDrainer {
	return &fakeDrainer{drains: make(chan struct{}, 16)}
}

func (f *fakeDrainer) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, online)
}

func (f *fakeDrainer) ProcessQueue(ctx context.Context) (offline.DrainResult, error) {
	f.setPending(0)
	f.drains <- struct{}{}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return offline.DrainResult{}, ctx.Err()
		}
	}
	return offline.DrainResult{}, nil
}

func (f *fakeDrainer) PendingCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeDrainer) setPending(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = n
}

func (f *fakeDrainer) lastState() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return false, false
	}
	return f.states[len(f.states)-1], true
}

func waitForDrains(t *testing.T, d *fakeDrainer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-d.drains:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for drain %d of %d", i+1, n)
		}
	}
}

func assertNoDrain(t *testing.T, d *fakeDrainer) {
	t.Helper()
	select {
	case <-d.drains:
		t.Fatal("unexpected drain")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestObserverReadsInitialOfflineState(t *testing.T) {
	defer goleak.VerifyNone(t)

	signal := NewSignal(false)
	drainer := newFakeDrainer()
	observer := NewObserver(signal, drainer, nil)
	observer.Start(context.Background())
	defer observer.Close()

	state, ok := drainer.lastState()
	if !ok || state {
		t.Fatalf("expected queue mirrored offline at start, got %v (set=%v)", state, ok)
	}
	if observer.Online() {
		t.Fatal("expected observer to report offline")
	}
	assertNoDrain(t, drainer)
}

func TestObserverDrainsOnStartWhenOnline(t *testing.T) {
	defer goleak.VerifyNone(t)

	drainer := newFakeDrainer()
	observer := NewObserver(NewSignal(true), drainer, nil)
	observer.Start(context.Background())
	defer observer.Close()

	waitForDrains(t, drainer, 1)
	assertNoDrain(t, drainer)
}

func TestObserverDrainsOncePerReconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	signal := NewSignal(false)
	drainer := newFakeDrainer()
	observer := NewObserver(signal, drainer, nil)
	observer.Start(context.Background())
	defer observer.Close()

	signal.Set(true)
	waitForDrains(t, drainer, 1)
	signal.Set(true)
	assertNoDrain(t, drainer)

	signal.Set(false)
	if state, _ := drainer.lastState(); state {
		t.Fatal("expected queue frozen after going offline")
	}
	assertNoDrain(t, drainer)

	signal.Set(true)
	waitForDrains(t, drainer, 1)
	assertNoDrain(t, drainer)
}

func TestObserverCloseUnsubscribesAndWaits(t *testing.T) {
	defer goleak.VerifyNone(t)

	signal := NewSignal(false)
	drainer := newFakeDrainer()
	drainer.block = make(chan struct{})
	observer := NewObserver(signal, drainer, nil)
	observer.Start(context.Background())
	if signal.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", signal.Subscribers())
	}

	signal.Set(true)
	waitForDrains(t, drainer, 1)

	observer.Close()
	if signal.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after Close, got %d", signal.Subscribers())
	}

	signal.Set(false)
	signal.Set(true)
	assertNoDrain(t, drainer)
	observer.Close()
}

func TestObserverReportsDrainOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)

	signal := NewSignal(false)
	drainer := newFakeDrainer()
	observer := NewObserver(signal, drainer, nil)
	outcomes := make(chan error, 1)
	observer.OnDrain = func(_ offline.DrainResult, err error) { outcomes <- err }
	observer.Start(context.Background())
	defer observer.Close()

	signal.Set(true)
	select {
	case err := <-outcomes:
		if err != nil {
			t.Fatalf("unexpected drain error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain outcome")
	}
}

func TestObserverRetriesPendingWorkWhileOnline(t *testing.T) {
	defer goleak.VerifyNone(t)

	drainer := newFakeDrainer()
	observer := NewObserver(NewSignal(true), drainer, nil)
	observer.RetryInterval = 10 * time.Millisecond
	observer.Start(context.Background())
	defer observer.Close()

	waitForDrains(t, drainer, 1)
	// Nothing pending: the ticker stays quiet.
	assertNoDrain(t, drainer)

	// Enqueued after Start, with the connection up the whole time.
	drainer.setPending(1)
	waitForDrains(t, drainer, 1)
	assertNoDrain(t, drainer)
}

func TestObserverRetryWaitsWhileOffline(t *testing.T) {
	defer goleak.VerifyNone(t)

	signal := NewSignal(false)
	drainer := newFakeDrainer()
	drainer.setPending(3)
	observer := NewObserver(signal, drainer, nil)
	observer.RetryInterval = 10 * time.Millisecond
	observer.Start(context.Background())
	defer observer.Close()

	assertNoDrain(t, drainer)
	signal.Set(true)
	waitForDrains(t, drainer, 1)
}
