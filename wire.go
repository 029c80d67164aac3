/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * USB/IP wire codec: encode/decode of CMD_SUBMIT, CMD_UNLINK,
 * RET_SUBMIT and RET_UNLINK packets, transfer-flag translation
 * and isochronous packet descriptor repacking
 */

package main

import (
	"encoding/binary"
	"fmt"
)

// Command identifies the USB/IP PDU kind carried in a packet header
type Command uint32

const (
	CmdSubmit Command = 1
	CmdUnlink Command = 2
	RetSubmit Command = 3
	RetUnlink Command = 4
)

// Direction is the USBIP_DIR_IN/USBIP_DIR_OUT wire value
type Direction uint32

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

// HeaderSize is the fixed size, in bytes, of a usbip_header on the wire
const HeaderSize = 48

// setupSize is the size, in bytes, of the embedded control setup packet
const setupSize = 8

// MaxIsoPackets bounds the number of iso packet descriptors accepted
// from a peer in a single RET_SUBMIT; it exists only to cap memory
// allocation driven by an untrusted actual_length/number_of_packets pair
const MaxIsoPackets = 4096

// Wire offsets within the 48-byte common header, shared by all four
// commands; the per-command union starts at offset 20
const (
	offCommand = 0x00
	offSeqnum  = 0x04
	offDevid   = 0x08
	offDir     = 0x0c
	offEp      = 0x10
	offUnion   = 0x14
)

// CmdSubmitHeader is the CMD_SUBMIT-specific portion of a usbip_header
type CmdSubmitHeader struct {
	Command            Command
	Seqnum             uint32
	Devid              uint32
	Direction          Direction
	Ep                 uint32
	TransferFlags      uint32
	TransferBufferLen  uint32
	StartFrame         int32
	NumberOfPackets    int32
	Interval           int32
	Setup              [setupSize]byte
}

// RetSubmitHeader is the RET_SUBMIT-specific portion of a usbip_header
type RetSubmitHeader struct {
	Command         Command
	Seqnum          uint32
	Devid           uint32
	Direction       Direction
	Ep              uint32
	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
}

// CmdUnlinkHeader is the CMD_UNLINK-specific portion of a usbip_header
type CmdUnlinkHeader struct {
	Command       Command
	Seqnum        uint32
	Devid         uint32
	Direction     Direction
	Ep            uint32
	UnlinkSeqnum  uint32
}

// RetUnlinkHeader is the RET_UNLINK-specific portion of a usbip_header
type RetUnlinkHeader struct {
	Command   Command
	Seqnum    uint32
	Devid     uint32
	Direction Direction
	Ep        uint32
	Status    int32
}

// IsoPacketDescriptor mirrors usbip_iso_packet_descriptor: one entry
// per isochronous packet carried alongside a SUBMIT/RET_SUBMIT payload
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

const isoPacketDescriptorSize = 16

// isDirOut reports whether a TransferFlags value encodes an OUT transfer;
// it treats the two direction-carrying bits as a single boolean, mirroring
// IsTransferDirectionOut on the original host-side URB representation
func isDirOut(transferFlags uint32, dirOutBit uint32) bool {
	return transferFlags&dirOutBit == 0
}

// FixTransferFlagsDirection forces the direction encoded in transferFlags
// to match epDirOut (the endpoint descriptor's actual direction); ep0 is
// bidirectional and must never be adjusted by the caller. Many URBs carry
// an unreliable direction bit for bulk transfers, so the endpoint's own
// direction always wins.
func FixTransferFlagsDirection(transferFlags uint32, epDirOut bool) uint32 {
	const shortOK = 1 << 0
	const dirIn = 1 << 1

	out := transferFlags&dirIn == 0
	if out == epDirOut {
		return transferFlags
	}

	if epDirOut {
		return transferFlags &^ (shortOK | dirIn)
	}
	return transferFlags | shortOK | dirIn
}

// EncodeSubmit renders a CMD_SUBMIT header into buf, which must be at
// least HeaderSize bytes. seqnum must already be non-zero and tagged
// with the direction in its low bit by the caller's sequence allocator.
func EncodeSubmit(buf []byte, h *CmdSubmitHeader) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: buffer too small for CMD_SUBMIT header")
	}

	be := binary.BigEndian
	be.PutUint32(buf[offCommand:], uint32(CmdSubmit))
	be.PutUint32(buf[offSeqnum:], h.Seqnum)
	be.PutUint32(buf[offDevid:], h.Devid)
	be.PutUint32(buf[offDir:], uint32(h.Direction))
	be.PutUint32(buf[offEp:], h.Ep)

	u := buf[offUnion:HeaderSize]
	be.PutUint32(u[0:], h.TransferFlags)
	be.PutUint32(u[4:], h.TransferBufferLen)
	be.PutUint32(u[8:], uint32(h.StartFrame))
	be.PutUint32(u[12:], uint32(h.NumberOfPackets))
	be.PutUint32(u[16:], uint32(h.Interval))
	copy(u[20:28], h.Setup[:])

	return nil
}

// EncodeUnlink renders a CMD_UNLINK header into buf. Direction is always
// OUT and ep is always 0, per the protocol; only the target seqnum
// (the CMD_SUBMIT being cancelled) is caller-supplied.
func EncodeUnlink(buf []byte, seqnum, devid, unlinkSeqnum uint32) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("wire: buffer too small for CMD_UNLINK header")
	}

	be := binary.BigEndian
	be.PutUint32(buf[offCommand:], uint32(CmdUnlink))
	be.PutUint32(buf[offSeqnum:], seqnum)
	be.PutUint32(buf[offDevid:], devid)
	be.PutUint32(buf[offDir:], uint32(DirOut))
	be.PutUint32(buf[offEp:], 0)

	u := buf[offUnion:HeaderSize]
	be.PutUint32(u[0:], unlinkSeqnum)
	// remaining union bytes are reserved/unused by CMD_UNLINK, zero them
	for i := 4; i < len(u); i++ {
		u[i] = 0
	}

	return nil
}

// DecodeHeader inspects the command field of buf and decodes the
// matching reply header. buf must be at least HeaderSize bytes.
func DecodeHeader(buf []byte) (interface{}, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}

	be := binary.BigEndian
	cmd := Command(be.Uint32(buf[offCommand:]))
	seqnum := be.Uint32(buf[offSeqnum:])
	devid := be.Uint32(buf[offDevid:])
	dir := Direction(be.Uint32(buf[offDir:]))
	ep := be.Uint32(buf[offEp:])
	u := buf[offUnion:HeaderSize]

	switch cmd {
	case RetSubmit:
		return &RetSubmitHeader{
			Command:         cmd,
			Seqnum:          seqnum,
			Devid:           devid,
			Direction:       dir,
			Ep:              ep,
			Status:          int32(be.Uint32(u[0:])),
			ActualLength:    int32(be.Uint32(u[4:])),
			StartFrame:      int32(be.Uint32(u[8:])),
			NumberOfPackets: int32(be.Uint32(u[12:])),
			ErrorCount:      int32(be.Uint32(u[16:])),
		}, nil
	case RetUnlink:
		return &RetUnlinkHeader{
			Command:   cmd,
			Seqnum:    seqnum,
			Devid:     devid,
			Direction: dir,
			Ep:        ep,
			Status:    int32(be.Uint32(u[0:])),
		}, nil
	case CmdSubmit:
		var h CmdSubmitHeader
		h.Command, h.Seqnum, h.Devid, h.Direction, h.Ep = cmd, seqnum, devid, dir, ep
		h.TransferFlags = be.Uint32(u[0:])
		h.TransferBufferLen = be.Uint32(u[4:])
		h.StartFrame = int32(be.Uint32(u[8:]))
		h.NumberOfPackets = int32(be.Uint32(u[12:]))
		h.Interval = int32(be.Uint32(u[16:]))
		copy(h.Setup[:], u[20:28])
		return &h, nil
	case CmdUnlink:
		return &CmdUnlinkHeader{
			Command:      cmd,
			Seqnum:       seqnum,
			Devid:        devid,
			Direction:    dir,
			Ep:           ep,
			UnlinkSeqnum: be.Uint32(u[0:]),
		}, nil
	default:
		return nil, fmt.Errorf("wire: unknown command %#x", uint32(cmd))
	}
}

// EncodeIsoDescriptors writes n iso packet descriptors in wire order
func EncodeIsoDescriptors(buf []byte, descs []IsoPacketDescriptor) error {
	if len(buf) < len(descs)*isoPacketDescriptorSize {
		return fmt.Errorf("wire: buffer too small for %d iso descriptors", len(descs))
	}
	be := binary.BigEndian
	for i, d := range descs {
		b := buf[i*isoPacketDescriptorSize:]
		be.PutUint32(b[0:], d.Offset)
		be.PutUint32(b[4:], d.Length)
		be.PutUint32(b[8:], d.ActualLength)
		be.PutUint32(b[12:], uint32(d.Status))
	}
	return nil
}

// DecodeIsoDescriptors parses n iso packet descriptors from buf
func DecodeIsoDescriptors(buf []byte, n int) ([]IsoPacketDescriptor, error) {
	if n < 0 || n > MaxIsoPackets {
		return nil, fmt.Errorf("wire: iso packet count %d out of range", n)
	}
	if len(buf) < n*isoPacketDescriptorSize {
		return nil, fmt.Errorf("wire: short iso descriptor block: need %d, have %d", n*isoPacketDescriptorSize, len(buf))
	}

	be := binary.BigEndian
	out := make([]IsoPacketDescriptor, n)
	for i := range out {
		b := buf[i*isoPacketDescriptorSize:]
		out[i] = IsoPacketDescriptor{
			Offset:       be.Uint32(b[0:]),
			Length:       be.Uint32(b[4:]),
			ActualLength: be.Uint32(b[8:]),
			Status:       int32(be.Uint32(b[12:])),
		}
	}
	return out, nil
}

// BuildSubmitIsoDescriptors derives the wire iso packet descriptor array
// for a CMD_SUBMIT from a URB's per-packet byte offsets within a single
// transfer buffer of the given total length. Descriptor i's length is
// offsets[i+1]-offsets[i] (or totalLength-offsets[i] for the last
// packet); actual_length and status start at zero, filled in only by
// the reply. Offsets must be non-decreasing and the packets' lengths
// must sum to totalLength (so the first offset must be 0).
func BuildSubmitIsoDescriptors(offsets []uint32, totalLength uint32) ([]IsoPacketDescriptor, error) {
	if len(offsets) > MaxIsoPackets {
		return nil, fmt.Errorf("wire: %d iso packets exceeds USBIP_MAX_ISO_PACKETS(%d)", len(offsets), MaxIsoPackets)
	}

	out := make([]IsoPacketDescriptor, len(offsets))
	for i, off := range offsets {
		var next uint32
		if i+1 < len(offsets) {
			next = offsets[i+1]
		} else {
			next = totalLength
		}
		if next < off {
			return nil, fmt.Errorf("wire: iso packet %d offset(%d) exceeds next offset(%d)", i, off, next)
		}
		out[i] = IsoPacketDescriptor{Offset: off, Length: next - off}
	}

	if len(offsets) > 0 {
		last := out[len(out)-1]
		if covered := last.Offset + last.Length - out[0].Offset; covered != totalLength {
			return nil, fmt.Errorf("wire: iso packets do not cover the transfer buffer exactly: %d bytes covered, want %d", covered, totalLength)
		}
	}

	return out, nil
}

// RepackIsoOut expands a caller's padded per-packet OUT buffer (one
// contiguous region per descriptor, as produced locally) into the
// compacted wire form the server expects: SUM(desc.Length) bytes with
// no gaps between packets. src and dst may alias only when dst <= src
// in every packet (true by construction, since compacting only moves
// data backward).
func RepackIsoOut(dst []byte, src []byte, descs []IsoPacketDescriptor) (int, error) {
	pos := uint32(0)
	for i := range descs {
		d := &descs[i]
		if d.Offset+d.Length > uint32(len(src)) {
			return 0, fmt.Errorf("wire: iso packet %d offset+length exceeds source buffer", i)
		}
		if pos+d.Length > uint32(len(dst)) {
			return 0, fmt.Errorf("wire: iso packet %d exceeds destination buffer", i)
		}
		copy(dst[pos:pos+d.Length], src[d.Offset:d.Offset+d.Length])
		pos += d.Length
	}
	return int(pos), nil
}

// RepackIsoIn reverses RepackIsoOut: the server returns a compacted IN
// buffer of exactly SUM(desc.ActualLength) bytes, and this restores the
// padded per-packet layout the descriptors' Offset fields describe,
// walking packets from the end so an in-place expansion never
// overwrites source bytes it has not read yet, mirroring fill_isoc_data.
func RepackIsoIn(buf []byte, descs []IsoPacketDescriptor, actualLength int) error {
	if actualLength < 0 || actualLength > len(buf) {
		return fmt.Errorf("wire: actual_length %d out of range for buffer of %d bytes", actualLength, len(buf))
	}

	length := uint32(actualLength)
	for i := len(descs) - 1; i >= 0; i-- {
		d := &descs[i]

		if d.ActualLength == 0 {
			continue
		}
		if d.ActualLength > d.Length {
			return fmt.Errorf("wire: iso packet %d actual_length(%d) > length(%d)", i, d.ActualLength, d.Length)
		}
		if length < d.ActualLength {
			return fmt.Errorf("wire: iso packet %d actual_length(%d) exceeds remaining compacted length(%d)", i, d.ActualLength, length)
		}
		length -= d.ActualLength

		if d.Offset+d.ActualLength > uint32(len(buf)) {
			return fmt.Errorf("wire: iso packet %d offset+actual_length exceeds buffer", i)
		}
		if d.Offset < length {
			return fmt.Errorf("wire: iso packet %d offset(%d) < remaining length(%d): source has gaps", i, d.Offset, length)
		}

		if d.Offset > length {
			copy(buf[d.Offset:d.Offset+d.ActualLength], buf[length:length+d.ActualLength])
		}
	}

	if length != 0 {
		return fmt.Errorf("wire: SUM(actual_length) != actual_length, delta is %d", length)
	}

	return nil
}

// GetPayloadSize returns the number of data bytes that follow a decoded
// header on the wire, given the direction and (for RET_SUBMIT) the
// actual transfer length reported by the server.
func GetPayloadSize(dir Direction, isReply bool, length uint32) uint32 {
	switch {
	case isReply && dir == DirIn:
		return length
	case !isReply && dir == DirOut:
		return length
	default:
		return 0
	}
}
