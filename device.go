/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Device object brings all parts together, namely:
 *   - the per-device TCP socket to the server
 *   - the endpoint set and in-flight request registry
 *   - the seqnum allocator and send mutex
 *   - the receive task and detach/reattach sequencing
 *
 * There is one instance of Device per attached (or attaching) remote
 * USB device.
 */

package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Speed mirrors the USB speed tags the emulated host surface accepts
type Speed int

const (
	SpeedFull Speed = iota
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	}
	return fmt.Sprintf("speed(%d)", int(s))
}

// DeviceState is the device's life-cycle stage, broadcast to controller
// event subscribers on every transition (see events.go)
type DeviceState int

const (
	StateConnecting DeviceState = iota
	StateConnected
	StatePlugged
	StateUnplugging
	StateUnplugged
	StateDisconnected
)

func (s DeviceState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePlugged:
		return "plugged"
	case StateUnplugging:
		return "unplugging"
	case StateUnplugged:
		return "unplugged"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// validTransitions enumerates the only state changes the device
// life-cycle is allowed to make; anything else is a programming error
var validTransitions = map[DeviceState][]DeviceState{
	StateConnecting: {StateConnected, StateDisconnected},
	StateConnected:  {StatePlugged, StateDisconnected},
	StatePlugged:    {StateUnplugging, StateDisconnected},
	StateUnplugging: {StateUnplugged},
	StateUnplugged:  {StateDisconnected},
}

// Attributes identifies the remote device location, persisted across
// restarts so the reattach supervisor can retry it
type Attributes struct {
	NodeName     string // server host or IP literal
	ServiceName  string // server port or service name
	BusID        string // remote busid, e.g. "1-1"
	LocationHash uint64
}

// ComputeLocationHash hashes "node_name,service_name,busid" with FNV-1a,
// the identity the reattach supervisor deduplicates pending attempts by
// (spec.md §4.9: "hash = FNV-like ... of node_name,service_name,busid").
func ComputeLocationHash(nodeName, serviceName, busID string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s,%s,%s", nodeName, serviceName, busID)
	return h.Sum64()
}

// Device is one attached (or attaching) USB/IP device
type Device struct {
	Attrs Attributes
	Speed Speed
	Devid uint32

	Log *Logger

	Endpoints *EndpointSet
	Requests  Registry
	pending   pendingTransfers

	seqnumCounter uint32 // atomic, see NextSeqnum

	conn   net.Conn
	sendMu sync.Mutex

	unplugged atomic.Bool

	stateMu sync.Mutex
	state   DeviceState

	Port int // 1-based port table index, 0 when not claimed

	rxDone chan struct{} // closed when the receive task returns

	onUnplug func(dev *Device, reattach bool)

	// Controller is set once the device has a port, so state
	// transitions can be broadcast and reflected in the status table.
	// nil is valid (e.g. in unit tests exercising the device alone).
	Controller *VHCI
}

// NewDevice allocates device state for a not-yet-connected location.
// The caller still needs to dial, perform the import handshake, claim
// a port, and start the receive task before the device is usable; this
// split exists because each of those steps can fail independently and
// the reattach supervisor needs to retry from the top without
// reallocating everything.
func NewDevice(attrs Attributes, log *Logger) *Device {
	dev := &Device{
		Attrs: attrs,
		Log:   log,
		state: StateConnecting,
	}
	dev.Endpoints = NewEndpointSet(dev)
	dev.pending.m = make(map[uint32]*Transfer)
	return dev
}

// Transition moves the device to a new state, returning an error if
// the move is not one validTransitions allows from the current state.
func (dev *Device) Transition(to DeviceState) error {
	dev.stateMu.Lock()
	defer dev.stateMu.Unlock()

	for _, allowed := range validTransitions[dev.state] {
		if allowed == to {
			dev.state = to
			dev.publishState()
			return nil
		}
	}
	return NewStatus(KindProtocol, "invalid device state transition %s -> %s", dev.state, to)
}

// publishState reflects the device's current state (already under
// stateMu) into the status table and the controller's event stream.
// Called with stateMu held; StatusSet/Publish take their own locks.
// Detach clears the status table entry itself, using the port held at
// unplug time, since by the StateDisconnected transition dev.Port has
// already been reclaimed back to 0.
func (dev *Device) publishState() {
	if dev.Port != 0 {
		StatusSet(dev.Port, dev.Attrs, dev.Speed, dev.state, nil)
	}

	if dev.Controller != nil {
		dev.Controller.Events.Publish(DeviceStateRecord{
			Port: dev.Port, State: dev.state, Attrs: dev.Attrs, Speed: dev.Speed,
		})
	}
}

// State returns the device's current life-cycle stage
func (dev *Device) State() DeviceState {
	dev.stateMu.Lock()
	defer dev.stateMu.Unlock()
	return dev.state
}

// NextSeqnum allocates the next seqnum for a request in the given
// direction. The numeric payload (seqnum>>1) is guaranteed non-zero;
// on the rare wraparound where the shifted counter is zero, it retries.
func (dev *Device) NextSeqnum(dirIn bool) uint32 {
	for {
		n := atomic.AddUint32(&dev.seqnumCounter, 1)
		if n<<1 == 0 {
			continue
		}
		s := n << 1
		if dirIn {
			s |= 1
		}
		return s
	}
}

// Unplugged reports whether the device has begun (or finished) detaching
func (dev *Device) Unplugged() bool {
	return dev.unplugged.Load()
}

// Attach takes a connection on which the OP_REQ_IMPORT/OP_REP_IMPORT
// handshake has already completed (runtime.go's importDevice dials it
// via DialImport and supplies conn and the negotiated devid), and
// starts the receive task. Port claim happens in vhci.go's ClaimPort,
// called by the caller between dial and Attach so Port is already set
// when the receive task's detach path needs to reclaim it.
func (dev *Device) Attach(ctx context.Context, conn net.Conn, devid uint32, speed Speed, onUnplug func(*Device, bool)) error {
	if err := dev.Transition(StateConnected); err != nil {
		return err
	}

	dev.conn = conn
	dev.Devid = devid
	dev.Speed = speed
	dev.onUnplug = onUnplug
	dev.rxDone = make(chan struct{})

	if err := dev.Transition(StatePlugged); err != nil {
		return err
	}

	go dev.recvLoop()
	return nil
}

// Detach marks the device unplugged, shuts down its socket, and waits
// for the receive task to exit before reclaiming resources. If called
// from within the receive task itself (fromRxLoop), it does not wait on
// itself — the caller is responsible for letting the goroutine return
// normally, avoiding the deadlock the original's "thread join rule"
// exists to prevent.
func (dev *Device) Detach(fromRxLoop bool, reattach bool) {
	if !dev.unplugged.CompareAndSwap(false, true) {
		return
	}

	_ = dev.Transition(StateUnplugging)

	if dev.conn != nil {
		dev.conn.Close()
	}

	if !fromRxLoop && dev.rxDone != nil {
		select {
		case <-dev.rxDone:
		case <-time.After(time.Minute):
		}
	}

	_ = dev.Transition(StateUnplugged)

	claimedPort := dev.Port
	if dev.Controller != nil {
		dev.Controller.ReclaimPort(dev)
	}
	_ = dev.Transition(StateDisconnected)
	StatusDel(claimedPort)

	if dev.onUnplug != nil {
		dev.onUnplug(dev, reattach)
	}
}

// recvLoop is the per-device receive task; its body lives in
// rxengine.go. It is started by Attach and always signals rxDone on
// return, via a deferred close.
func (dev *Device) recvLoop() {
	defer close(dev.rxDone)
	RunRxEngine(dev)
}

// sendChain serializes a send of the given byte chain on the device's
// socket: per-device send order equals wire order because every sender
// holds sendMu for the duration of its write.
func (dev *Device) sendChain(chain TransferChain) error {
	dev.sendMu.Lock()
	defer dev.sendMu.Unlock()

	if dev.conn == nil {
		return NewStatus(KindDeviceRemoved, "device has no socket")
	}

	_, err := chain.WriteTo(dev.conn)
	return err
}
