package main

import (
	"context"
	"testing"
	"time"
)

func withTestSupervisor(t *testing.T) {
	t.Helper()
	prev := supervisor
	supervisor = NewSupervisor(10, time.Hour, time.Hour, 0, func(PersistentDevice) error { return nil })
	t.Cleanup(func() {
		supervisor.Shutdown()
		supervisor = prev
	})
}

func TestMaybeScheduleReattachSkippedWhenDisabled(t *testing.T) {
	withTestSupervisor(t)

	maybeScheduleReattach(false, NewStatus(KindNetwork, "connect refused"), 1, PersistentDevice{NodeName: "h", ServiceName: "3240", BusID: "1-1"})
	if supervisor.Len() != 0 {
		t.Fatalf("supervisor.Len() = %d, want 0 when reattach disabled", supervisor.Len())
	}
}

func TestMaybeScheduleReattachSkippedOnNonRetryableError(t *testing.T) {
	withTestSupervisor(t)

	maybeScheduleReattach(true, NewStatus(KindInvalidParameter, "bad busid"), 1, PersistentDevice{NodeName: "h", ServiceName: "3240", BusID: "1-1"})
	if supervisor.Len() != 0 {
		t.Fatalf("supervisor.Len() = %d, want 0 for a non-retryable error", supervisor.Len())
	}
}

func TestMaybeScheduleReattachArmsOnRetryableError(t *testing.T) {
	withTestSupervisor(t)

	maybeScheduleReattach(true, NewStatus(KindNetwork, "connect refused"), 1, PersistentDevice{NodeName: "h", ServiceName: "3240", BusID: "1-1"})
	if supervisor.Len() != 1 {
		t.Fatalf("supervisor.Len() = %d, want 1 for a retryable error with reattach enabled", supervisor.Len())
	}
}

func TestImportDeviceRejectsDuplicateLocationHash(t *testing.T) {
	prevHub := hub
	hub = NewVHCI(2, 0)
	t.Cleanup(func() { hub = prevHub })

	pdev := PersistentDevice{NodeName: "h", ServiceName: "3240", BusID: "1-1"}
	hash := ComputeLocationHash(pdev.NodeName, pdev.ServiceName, pdev.BusID)

	already := NewDevice(Attributes{NodeName: pdev.NodeName, ServiceName: pdev.ServiceName, BusID: pdev.BusID, LocationHash: hash}, nil)
	if _, err := hub.ClaimPort(already, SpeedFull); err != nil {
		t.Fatalf("ClaimPort: %v", err)
	}

	_, err := importDevice(context.Background(), pdev, false)
	if err == nil {
		t.Fatal("expected an error re-attaching an already-attached location")
	}
	if StatusKind(err) != KindBusy {
		t.Fatalf("StatusKind = %s, want busy", StatusKind(err))
	}
}
