/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * USB descriptor helpers: endpoint address/type decoding, configuration
 * descriptor walking, and the full-speed isochronous/interrupt bInterval
 * rewrite applied before a descriptor is handed to the emulated host stack
 */

package main

import "fmt"

// Descriptor types, from the USB 2.0 specification table 9-5
const (
	DescTypeDevice        = 1
	DescTypeConfiguration = 2
	DescTypeString        = 3
	DescTypeInterface     = 4
	DescTypeEndpoint      = 5
)

// EndpointType is the transfer type encoded in bmAttributes bits 0-1
type EndpointType uint8

const (
	EndpointControl     EndpointType = 0
	EndpointIsochronous EndpointType = 1
	EndpointBulk        EndpointType = 2
	EndpointInterrupt   EndpointType = 3
)

const (
	endpointAddressMask = 0x0f
	endpointDirIn       = 0x80
	endpointTypeMask    = 0x03
	defaultEndpointAddr = 0x00
)

// EndpointDescriptor is the 7-byte (or 9-byte audio-class) USB endpoint
// descriptor, decoded from a configuration descriptor byte stream
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// EndpointNum returns the endpoint number, 0 to 15
func EndpointNum(epd EndpointDescriptor) uint8 {
	return epd.EndpointAddress & endpointAddressMask
}

// EndpointTypeOf returns the transfer type encoded in bmAttributes
func EndpointTypeOf(epd EndpointDescriptor) EndpointType {
	return EndpointType(epd.Attributes & endpointTypeMask)
}

// EndpointDirIn reports whether the endpoint is an IN endpoint
func EndpointDirIn(epd EndpointDescriptor) bool {
	return epd.EndpointAddress&endpointDirIn != 0
}

// EndpointDirOut reports whether the endpoint is an OUT endpoint
func EndpointDirOut(epd EndpointDescriptor) bool {
	return !EndpointDirIn(epd)
}

// IsDefaultControlPipe reports whether epd describes the device's
// default control pipe (endpoint 0, bidirectional). A zeroed descriptor
// also satisfies this, since callers build one for ep0 which has no
// descriptor of its own.
func IsDefaultControlPipe(epd EndpointDescriptor) bool {
	return epd.EndpointAddress == defaultEndpointAddr && EndpointTypeOf(epd) == EndpointControl
}

// ConfigurationDescriptorHeader is the fixed-size prefix of a USB
// configuration descriptor
type ConfigurationDescriptorHeader struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8
}

// DescriptorSize returns the declared bLength of the common descriptor
// header at the start of buf, or an error if buf is too short or the
// declared length would run past the end of buf.
func DescriptorSize(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("descriptor: buffer too short for header: %d bytes", len(buf))
	}
	n := int(buf[0])
	if n < 2 || n > len(buf) {
		return 0, fmt.Errorf("descriptor: invalid bLength %d for buffer of %d bytes", n, len(buf))
	}
	return n, nil
}

// WalkConfigurationDescriptor calls fn once for every descriptor found
// in a raw configuration descriptor block (the configuration descriptor
// itself followed by its interface, endpoint, and class-specific
// descriptors, back to back with no padding). It stops and returns fn's
// error if fn returns one.
func WalkConfigurationDescriptor(cfg []byte, fn func(descType uint8, body []byte) error) error {
	if len(cfg) < 4 {
		return fmt.Errorf("descriptor: configuration descriptor too short: %d bytes", len(cfg))
	}

	pos := 0
	for pos < len(cfg) {
		n, err := DescriptorSize(cfg[pos:])
		if err != nil {
			return fmt.Errorf("descriptor: at offset %d: %w", pos, err)
		}

		descType := cfg[pos+1]
		if err := fn(descType, cfg[pos:pos+n]); err != nil {
			return err
		}
		pos += n
	}

	return nil
}

// FindEndpointDescriptors extracts every endpoint descriptor present in
// a raw configuration descriptor block, in the order they appear
func FindEndpointDescriptors(cfg []byte) ([]EndpointDescriptor, error) {
	var out []EndpointDescriptor
	err := WalkConfigurationDescriptor(cfg, func(descType uint8, body []byte) error {
		if descType != DescTypeEndpoint {
			return nil
		}
		if len(body) < 7 {
			return fmt.Errorf("descriptor: endpoint descriptor too short: %d bytes", len(body))
		}
		out = append(out, EndpointDescriptor{
			Length:          body[0],
			DescriptorType:  body[1],
			EndpointAddress: body[2],
			Attributes:      body[3],
			MaxPacketSize:   uint16(body[4]) | uint16(body[5])<<8,
			Interval:        body[6],
		})
		return nil
	})
	return out, err
}

// ToHighSpeedInterval rewrites a full-speed bInterval (measured in
// 1ms frames) to its high-speed equivalent (measured as 2**(n-1)
// microframes), because the emulated host controller always treats
// bInterval as a high-speed/microframe value regardless of the
// device's actual reported speed.
func ToHighSpeedInterval(bInterval uint8) uint8 {
	switch {
	case bInterval == 0:
		return 0
	case bInterval == 1:
		return 4 // 2**(4-1) = 8 microframes, 1ms
	case bInterval < 4:
		return 5 // 16mf, 2ms
	case bInterval < 8:
		return 6 // 32mf, 4ms
	case bInterval < 16:
		return 7 // 64mf, 8ms
	case bInterval < 32:
		return 8 // 128mf, 16ms
	default:
		return 9 // 256mf, 32ms
	}
}

// Standard control request fields, from the USB 2.0 specification
// table 9-2 (bmRequestType) and table 9-4 (bRequest)
const (
	reqDirDeviceToHost = 0x80
	reqGetDescriptor   = 0x06
)

// IsGetConfigurationDescriptorReply reports whether setup - the 8-byte
// control setup packet of the URB a RET_SUBMIT answers - is a standard
// GET_DESCRIPTOR(CONFIGURATION) request, the control transfer spec.md
// §4.5/§4.6 tie full-speed bInterval post-processing to.
func IsGetConfigurationDescriptorReply(setup [8]byte) bool {
	return setup[0]&reqDirDeviceToHost != 0 &&
		setup[1] == reqGetDescriptor &&
		setup[3] == DescTypeConfiguration
}

// FixFullSpeedEndpointIntervals rewrites bInterval in place for every
// isochronous and interrupt endpoint descriptor found in cfg, applying
// ToHighSpeedInterval. Full-speed isochronous endpoints with
// bInterval == 1 are otherwise rejected by the emulated host stack.
func FixFullSpeedEndpointIntervals(cfg []byte) error {
	return WalkConfigurationDescriptor(cfg, func(descType uint8, body []byte) error {
		if descType != DescTypeEndpoint || len(body) < 7 {
			return nil
		}
		attrs := body[3]
		t := EndpointType(attrs & endpointTypeMask)
		if t == EndpointIsochronous || t == EndpointInterrupt {
			body[6] = ToHighSpeedInterval(body[6])
		}
		return nil
	})
}
