/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Daemon runtime: the package-level VHCI, persistent store and reattach
 * supervisor instances, and the shared import sequence (dial -> claim
 * port -> attach -> receive loop) used by both the control socket's
 * plugin routes and the reattach supervisor's retry callback.
 */

package main

import (
	"context"
	"fmt"
	"path/filepath"
)

var (
	hub        *VHCI
	store      *Store
	supervisor *Supervisor
)

// bootstrapRuntime opens the persistent store, builds the controller and
// reattach supervisor, and replays any persisted device locations by
// scheduling a reattach attempt for each, fired after the supervisor's
// initial delay (original's
// load_imported_devices.cpp boot-time replay, via the supervisor rather
// than a direct synchronous attach so a down server doesn't block startup).
func bootstrapRuntime() error {
	var err error
	store, err = OpenStore(filepath.Join(Conf.StateDir, "devices.db"))
	if err != nil {
		return err
	}

	hub = NewVHCI(Conf.USB2Ports, Conf.USB3Ports)

	supervisor = NewSupervisor(hub.PortCount(),
		Conf.ReattachInitDelay, Conf.ReattachMaxDelay, Conf.ReattachMaxTries,
		attemptImport)

	return store.LoadPersistentDevices(func(dev PersistentDevice) {
		hash := ComputeLocationHash(dev.NodeName, dev.ServiceName, dev.BusID)
		supervisor.Start(hash, dev)
	})
}

// shutdownRuntime detaches every attached device, stops all pending
// reattach records and purges the event subscribers, used on a clean
// daemon exit.
func shutdownRuntime() {
	supervisor.Shutdown()
	hub.DetachAll(true)
	hub.Events.Purge()
}

// attemptImport runs one end-to-end import: dial the server, negotiate
// the busid, claim a port and start the receive loop. It is the
// Supervisor's attempt callback; it passes reattachOnFailure=false to
// importDevice, so a retried attach never recurses back into the
// supervisor on failure - the supervisor decides whether to schedule
// a retry.
func attemptImport(pdev PersistentDevice) error {
	_, err := importDevice(context.Background(), pdev, false)
	return err
}

// importDevice performs the full attach sequence for pdev and, if
// reattachOnFailure is true, arms the supervisor to retry on a
// retryable failure.
// It is shared by the control socket's /plugin and /plugin-internal
// routes (spec.md's "Import" operation, and C7's create_device ->
// claim_port -> plug_in -> recv_thread_start sequencing).
func importDevice(ctx context.Context, pdev PersistentDevice, reattachOnFailure bool) (*Device, error) {
	attrs := Attributes{
		NodeName:    pdev.NodeName,
		ServiceName: pdev.ServiceName,
		BusID:       pdev.BusID,
	}
	attrs.LocationHash = ComputeLocationHash(attrs.NodeName, attrs.ServiceName, attrs.BusID)

	if existing := hub.FindByLocationHash(attrs.LocationHash); existing != nil {
		return nil, NewStatus(KindBusy, "device %s:%s/%s already attached on port %d",
			attrs.NodeName, attrs.ServiceName, attrs.BusID, existing.Port)
	}

	dev := NewDevice(attrs, deviceLogger(attrs))

	conn, devid, speed, err := DialImport(ctx, attrs.NodeName, attrs.ServiceName, attrs.BusID)
	if err != nil {
		maybeScheduleReattach(reattachOnFailure, err, attrs.LocationHash, pdev)
		return nil, err
	}

	if _, err := hub.ClaimPort(dev, speed); err != nil {
		conn.Close()
		maybeScheduleReattach(reattachOnFailure, err, attrs.LocationHash, pdev)
		return nil, err
	}

	onUnplug := func(d *Device, reattach bool) {
		if reattach {
			supervisor.Start(attrs.LocationHash, pdev)
		}
	}

	if err := dev.Attach(ctx, conn, devid, speed, onUnplug); err != nil {
		conn.Close()
		hub.ReclaimPort(dev)
		maybeScheduleReattach(reattachOnFailure, err, attrs.LocationHash, pdev)
		return nil, err
	}

	return dev, nil
}

func maybeScheduleReattach(enabled bool, err error, hash uint64, pdev PersistentDevice) {
	if enabled && Retryable(err) {
		supervisor.Start(hash, pdev)
	}
}

// deviceLogger opens a per-device log file named by the device's
// location hash and carbon-copies it to the daemon's main log, mirroring
// ToDevFile's per-device-log-file convention.
func deviceLogger(attrs Attributes) *Logger {
	ident := fmt.Sprintf("%016x", attrs.LocationHash)
	log := NewLogger().ToDevFile(ident)
	log.Cc(Conf.LogDevice, Log)
	return log
}
