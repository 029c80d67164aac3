/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Controller (C8): owns the fixed-size port table and dispatches
 * attach/detach. Ports 1..usb2Ports accept sub-SuperSpeed devices;
 * the remaining ports accept SuperSpeed and above.
 */

package main

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// VHCI is the virtual host controller: the port table plus the event
// broadcaster (events.go) every attach/detach reports to.
type VHCI struct {
	mu    sync.Mutex
	ports []*Device // index 0 unused; ports are 1-based

	usb2Ports int
	usb3Ports int

	removing bool

	Events *EventBroadcaster
}

// NewVHCI builds a controller with the given port table split,
// validated by ConfLoad before this is called (ConfLoad returns an
// error, rather than clamping, when either side is outside [1,254] or
// the sum exceeds 254).
func NewVHCI(usb2Ports, usb3Ports int) *VHCI {
	v := &VHCI{
		usb2Ports: usb2Ports,
		usb3Ports: usb3Ports,
		ports:     make([]*Device, usb2Ports+usb3Ports+1),
		Events:    NewEventBroadcaster(),
	}
	v.Events.log = Log
	return v
}

// PortCount returns the total number of ports in the table
func (v *VHCI) PortCount() int {
	return v.usb2Ports + v.usb3Ports
}

// portRange returns the inclusive [begin,end] port range accepting the
// given speed: sub-SuperSpeed devices go in 1..usb2Ports, SuperSpeed
// and above in usb2Ports+1..usb2Ports+usb3Ports.
func (v *VHCI) portRange(speed Speed) (begin, end int) {
	if speed == SpeedSuper {
		return v.usb2Ports + 1, v.usb2Ports + v.usb3Ports
	}
	return 1, v.usb2Ports
}

// ClaimPort finds a free port accepting dev's speed, assigns it, and
// returns the port number. It returns 0 with KindPortFull if none is
// free, or 0 with KindDeviceRemoved once the controller is removing.
func (v *VHCI) ClaimPort(dev *Device, speed Speed) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.removing {
		return 0, NewStatus(KindDeviceRemoved, "controller is shutting down")
	}

	begin, end := v.portRange(speed)
	for p := begin; p <= end; p++ {
		if v.ports[p] == nil {
			v.ports[p] = dev
			dev.Port = p
			dev.Controller = v
			return p, nil
		}
	}

	return 0, NewStatus(KindPortFull, "no free port for speed %s", speed)
}

// ReclaimPort clears dev's port table entry and returns the prior port
// number, or 0 if dev held none.
func (v *VHCI) ReclaimPort(dev *Device) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	p := dev.Port
	if p == 0 {
		return 0
	}
	if v.ports[p] == dev {
		v.ports[p] = nil
	}
	dev.Port = 0
	return p
}

// GetDevice returns the device occupying port, or nil if the port is
// free or out of range.
func (v *VHCI) GetDevice(port int) *Device {
	v.mu.Lock()
	defer v.mu.Unlock()

	if port < 1 || port >= len(v.ports) {
		return nil
	}
	return v.ports[port]
}

// FindByLocationHash returns the live device already occupying a port
// at the given location hash, or nil if none is attached there. Used
// to reject a duplicate attach of a device that is already plugged in
// (spec.md's BUSY status) before a new connection is dialed.
func (v *VHCI) FindByLocationHash(hash uint64) *Device {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, d := range v.ports {
		if d != nil && d.Attrs.LocationHash == hash {
			return d
		}
	}
	return nil
}

// DetachAll detaches every occupied port. When async is true, each
// detach runs concurrently and DetachAll waits for all to finish.
func (v *VHCI) DetachAll(async bool) {
	v.mu.Lock()
	v.removing = true
	devices := make([]*Device, 0, len(v.ports))
	for _, d := range v.ports {
		if d != nil {
			devices = append(devices, d)
		}
	}
	v.mu.Unlock()

	if !async {
		for _, d := range devices {
			d.Detach(false, false)
		}
		return
	}

	var g errgroup.Group
	for _, d := range devices {
		d := d
		g.Go(func() error {
			d.Detach(false, false)
			return nil
		})
	}
	_ = g.Wait()
}

// portTableInvariant reports whether dev appears in the port table iff
// its Port field is in range and non-zero — exercised by vhci_test.go.
func (v *VHCI) portTableInvariant(dev *Device) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if dev.Port == 0 {
		for _, d := range v.ports {
			if d == dev {
				return false
			}
		}
		return true
	}
	return dev.Port > 0 && dev.Port < len(v.ports) && v.ports[dev.Port] == dev
}
