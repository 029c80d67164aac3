/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Client-side OP_REQ_IMPORT/OP_REP_IMPORT handshake: dial the remote
 * usbipd, negotiate the busid and read back devid/speed, grounded on
 * original_source/drivers/ude/network.cpp's recv_op_common and the
 * op_common/op_import_reply layout from the USB/IP wire protocol.
 */

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"
)

const (
	usbipVersion = 0x0111

	opReqImport = 0x8003
	opRepImport = 0x0003

	opCommonSize = 8 // version(2) + code(2) + status(4)
	busIDSize    = 32
	sysPathSize  = 256

	// opRepImportBodySize is usbip_usb_device without the common header:
	// path[256] + busid[32] + busnum/devnum/speed(3*4) + idVendor/idProduct/bcdDevice(3*2) +
	// bDeviceClass/SubClass/Protocol/bConfigurationValue/bNumConfigurations/bNumInterfaces(6*1)
	opRepImportBodySize = sysPathSize + busIDSize + 3*4 + 3*2 + 6

	dialTimeout = 10 * time.Second
)

// remote USB/IP speed tags, as carried in the OP_REP_IMPORT reply body
const (
	usbSpeedLow       = 1
	usbSpeedFull      = 2
	usbSpeedHigh      = 3
	usbSpeedWireless  = 4
	usbSpeedSuper     = 5
	usbSpeedSuperPlus = 6
)

func translateRemoteSpeed(s int32) Speed {
	switch s {
	case usbSpeedHigh, usbSpeedWireless:
		return SpeedHigh
	case usbSpeedSuper, usbSpeedSuperPlus:
		return SpeedSuper
	default:
		return SpeedFull
	}
}

// opCommon is the 8-byte header prefixing every OP_REQ_*/OP_REP_* exchange
type opCommon struct {
	Version uint16
	Code    uint16
	Status  uint32
}

func sendOpCommon(conn net.Conn, code uint16) error {
	var buf [opCommonSize]byte
	be := binary.BigEndian
	be.PutUint16(buf[0:2], usbipVersion)
	be.PutUint16(buf[2:4], code)
	be.PutUint32(buf[4:8], 0)
	_, err := conn.Write(buf[:])
	return err
}

func recvOpCommon(conn net.Conn, expectCode uint16) error {
	var buf [opCommonSize]byte
	if _, err := readFull(conn, buf[:]); err != nil {
		return WrapStatus(KindNetwork, err, "op_common read failed")
	}

	be := binary.BigEndian
	var r opCommon
	r.Version = be.Uint16(buf[0:2])
	r.Code = be.Uint16(buf[2:4])
	r.Status = be.Uint32(buf[4:8])

	if r.Version != usbipVersion {
		return NewStatus(KindVersion, "op_common version %#x, expected %#x", r.Version, usbipVersion)
	}
	if r.Code != expectCode {
		return NewStatus(KindProtocol, "op_common code %#x, expected %#x", r.Code, expectCode)
	}
	if r.Status != 0 {
		return NewStatus(KindProtocol, "op_common status %#x", r.Status)
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func encodeBusID(busID string) [busIDSize]byte {
	var out [busIDSize]byte
	copy(out[:], busID)
	return out
}

// DialImport dials nodeName:serviceName, performs the OP_REQ_IMPORT
// handshake for busID, and returns the live connection along with the
// devid and speed the server reported. Grounded on network.cpp's
// recv_op_common request/reply sequencing; busid mismatch in the reply
// is a PROTOCOL error (spec.md §4's import edge cases).
func DialImport(ctx context.Context, nodeName, serviceName, busID string) (net.Conn, uint32, Speed, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	addr := net.JoinHostPort(nodeName, serviceName)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, 0, 0, WrapStatus(KindNetwork, err, "dial %s", addr)
	}
	setTCPKeepalive(conn)

	devid, speed, err := doImportHandshake(conn, busID)
	if err != nil {
		conn.Close()
		return nil, 0, 0, err
	}
	return conn, devid, speed, nil
}

func doImportHandshake(conn net.Conn, busID string) (uint32, Speed, error) {
	if err := sendOpCommon(conn, opReqImport); err != nil {
		return 0, 0, WrapStatus(KindNetwork, err, "send OP_REQ_IMPORT header")
	}

	busIDBuf := encodeBusID(busID)
	if _, err := conn.Write(busIDBuf[:]); err != nil {
		return 0, 0, WrapStatus(KindNetwork, err, "send OP_REQ_IMPORT busid")
	}

	if err := recvOpCommon(conn, opRepImport); err != nil {
		return 0, 0, err
	}

	body := make([]byte, opRepImportBodySize)
	if _, err := readFull(conn, body); err != nil {
		return 0, 0, WrapStatus(KindNetwork, err, "read OP_REP_IMPORT body")
	}

	off := sysPathSize
	gotBusID := string(bytes.TrimRight(body[off:off+busIDSize], "\x00"))
	off += busIDSize

	be := binary.BigEndian
	busnum := int32(be.Uint32(body[off : off+4]))
	off += 4
	devnum := int32(be.Uint32(body[off : off+4]))
	off += 4
	speed := int32(be.Uint32(body[off : off+4]))

	if gotBusID != busID {
		return 0, 0, NewStatus(KindProtocol, "OP_REP_IMPORT busid %q, requested %q", gotBusID, busID)
	}

	devid := uint32(busnum)<<16 | uint32(devnum)
	return devid, translateRemoteSpeed(speed), nil
}
