package main

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNextDelayGrowsAndClamps(t *testing.T) {
	d := nextDelay(10*time.Second, time.Minute)
	if d != 15*time.Second {
		t.Fatalf("nextDelay = %s, want 15s", d)
	}

	d = nextDelay(50*time.Second, time.Minute)
	if d != time.Minute {
		t.Fatalf("nextDelay = %s, want clamped to 1m", d)
	}
}

func TestSupervisorRetriesOnRetryableFailure(t *testing.T) {
	var calls int32
	attempt := func(PersistentDevice) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return NewStatus(KindNetwork, "connect refused")
		}
		return nil
	}

	s := NewSupervisor(10, 5*time.Millisecond, time.Second, 0, attempt)
	if !s.Start(1, PersistentDevice{NodeName: "h", ServiceName: "3240", BusID: "1-1"}) {
		t.Fatal("Start should succeed")
	}

	deadline := time.After(2 * time.Second)
	for {
		if s.Len() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("supervisor never settled, calls=%d", atomic.LoadInt32(&calls))
		case <-time.After(10 * time.Millisecond):
		}
	}

	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestSupervisorStopsOnNonRetryableFailure(t *testing.T) {
	var calls int32
	attempt := func(PersistentDevice) error {
		atomic.AddInt32(&calls, 1)
		return NewStatus(KindProtocol, "bad pdu")
	}

	s := NewSupervisor(10, 5*time.Millisecond, time.Second, 0, attempt)
	s.Start(1, PersistentDevice{})

	deadline := time.After(time.Second)
	for s.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("supervisor never settled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on non-retryable failure)", calls)
	}
}

func TestSupervisorDuplicateStartRejected(t *testing.T) {
	s := NewSupervisor(10, time.Hour, time.Hour, 0, func(PersistentDevice) error { return nil })

	if !s.Start(1, PersistentDevice{}) {
		t.Fatal("first Start should succeed")
	}
	if s.Start(1, PersistentDevice{}) {
		t.Fatal("second Start for the same hash should be rejected")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestSupervisorCapacityBound(t *testing.T) {
	s := NewSupervisor(1, time.Hour, time.Hour, 0, func(PersistentDevice) error { return nil })
	// capacity = 4 * portCount = 4
	for i := uint64(1); i <= 4; i++ {
		if !s.Start(i, PersistentDevice{}) {
			t.Fatalf("Start(%d) should succeed within capacity", i)
		}
	}
	if s.Start(5, PersistentDevice{}) {
		t.Fatal("Start beyond capacity should fail")
	}
}

func TestSupervisorStopAllUsesHashZero(t *testing.T) {
	s := NewSupervisor(10, time.Hour, time.Hour, 0, func(PersistentDevice) error { return nil })
	s.Start(1, PersistentDevice{})
	s.Start(2, PersistentDevice{})

	s.Stop(0)
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after Stop(0)", s.Len())
	}
}

func TestSupervisorShutdownRejectsNewStarts(t *testing.T) {
	s := NewSupervisor(10, time.Hour, time.Hour, 0, func(PersistentDevice) error { return nil })
	s.Shutdown()

	if s.Start(1, PersistentDevice{}) {
		t.Fatal("Start after Shutdown should fail")
	}
}
