/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Endpoint/request state (C6): the per-endpoint descriptor cache attached
 * to each device, rooted at the always-present default control pipe
 */

package main

import "sync"

// Endpoint is one USB endpoint's local state: its descriptor, a
// per-endpoint submission queue, and a back-reference to the owning
// device. Endpoint 0 (the default control pipe) is always present and
// is the list head; others are added on configuration change and
// removed when the configuration changes again or the device detaches.
type Endpoint struct {
	Descriptor EndpointDescriptor
	Device     *Device

	// Queue is a buffered per-endpoint work queue of depth
	// endpointQueueDepth. The TX engine does not read from it:
	// SubmitURB sends directly on the device's socket.
	Queue chan func()
}

const endpointQueueDepth = 64

// NewControlEndpoint builds the always-present endpoint 0 state for dev
func NewControlEndpoint(dev *Device) *Endpoint {
	return &Endpoint{
		Descriptor: EndpointDescriptor{EndpointAddress: 0, Attributes: byte(EndpointControl)},
		Device:     dev,
		Queue:      make(chan func(), endpointQueueDepth),
	}
}

// EndpointSet tracks every endpoint attached to a device, keyed by
// bEndpointAddress, under a single per-device lock
type EndpointSet struct {
	mu        sync.RWMutex
	endpoints map[uint8]*Endpoint
}

// NewEndpointSet builds a set already containing the default control pipe
func NewEndpointSet(dev *Device) *EndpointSet {
	s := &EndpointSet{endpoints: make(map[uint8]*Endpoint)}
	s.endpoints[0] = NewControlEndpoint(dev)
	return s
}

// Add registers a new non-default endpoint, replacing any existing
// entry at the same address (a configuration change may redefine it)
func (s *EndpointSet) Add(dev *Device, desc EndpointDescriptor) *Endpoint {
	ep := &Endpoint{Descriptor: desc, Device: dev, Queue: make(chan func(), endpointQueueDepth)}

	s.mu.Lock()
	s.endpoints[desc.EndpointAddress] = ep
	s.mu.Unlock()

	return ep
}

// Remove detaches the endpoint at address addr. The default control
// pipe (address 0) is never removed by this call.
func (s *EndpointSet) Remove(addr uint8) {
	if addr == 0 {
		return
	}
	s.mu.Lock()
	delete(s.endpoints, addr)
	s.mu.Unlock()
}

// Get looks up the endpoint at address addr, ok is false if absent
func (s *EndpointSet) Get(addr uint8) (*Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[addr]
	return ep, ok
}

// Control returns the default control pipe, always present
func (s *EndpointSet) Control() *Endpoint {
	ep, _ := s.Get(0)
	return ep
}

// Reset clears every endpoint except the default control pipe, used
// when the OS signals endpoints-configure for a new configuration
func (s *EndpointSet) Reset(dev *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctrl := s.endpoints[0]
	s.endpoints = map[uint8]*Endpoint{0: ctrl}
}
