package main

import (
	"encoding/binary"
	"net"
	"testing"
)

func writeOpRepImport(t *testing.T, conn net.Conn, busID string, busnum, devnum, speed int32) {
	t.Helper()

	if err := sendOpCommon(conn, opRepImport); err != nil {
		t.Fatalf("sendOpCommon: %v", err)
	}

	body := make([]byte, opRepImportBodySize)
	off := sysPathSize
	copy(body[off:off+busIDSize], busID)
	off += busIDSize

	be := binary.BigEndian
	be.PutUint32(body[off:off+4], uint32(busnum))
	off += 4
	be.PutUint32(body[off:off+4], uint32(devnum))
	off += 4
	be.PutUint32(body[off:off+4], uint32(speed))

	if _, err := conn.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

func readOpReqImport(t *testing.T, conn net.Conn) string {
	t.Helper()

	var hdr [opCommonSize]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		t.Fatalf("read op_common: %v", err)
	}
	be := binary.BigEndian
	if code := be.Uint16(hdr[2:4]); code != opReqImport {
		t.Fatalf("request code = %#x, want %#x", code, opReqImport)
	}

	var busIDBuf [busIDSize]byte
	if _, err := readFull(conn, busIDBuf[:]); err != nil {
		t.Fatalf("read busid: %v", err)
	}

	n := 0
	for n < len(busIDBuf) && busIDBuf[n] != 0 {
		n++
	}
	return string(busIDBuf[:n])
}

func TestDoImportHandshakeSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		busID := readOpReqImport(t, server)
		writeOpRepImport(t, server, busID, 1, 2, usbSpeedSuper)
	}()

	devid, speed, err := doImportHandshake(client, "1-1")
	<-done
	if err != nil {
		t.Fatalf("doImportHandshake: %v", err)
	}
	if want := uint32(1)<<16 | 2; devid != want {
		t.Fatalf("devid = %#x, want %#x", devid, want)
	}
	if speed != SpeedSuper {
		t.Fatalf("speed = %v, want SpeedSuper", speed)
	}
}

func TestDoImportHandshakeBusIDMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readOpReqImport(t, server)
		writeOpRepImport(t, server, "2-2", 1, 1, usbSpeedHigh)
	}()

	_, _, err := doImportHandshake(client, "1-1")
	<-done
	if StatusKind(err) != KindProtocol {
		t.Fatalf("err kind = %v, want KindProtocol", StatusKind(err))
	}
}

func TestDoImportHandshakeVersionMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readOpReqImport(t, server)

		var buf [opCommonSize]byte
		be := binary.BigEndian
		be.PutUint16(buf[0:2], 0x0222)
		be.PutUint16(buf[2:4], opRepImport)
		server.Write(buf[:])
	}()

	_, _, err := doImportHandshake(client, "1-1")
	<-done
	if StatusKind(err) != KindVersion {
		t.Fatalf("err kind = %v, want KindVersion", StatusKind(err))
	}
}

func TestTranslateRemoteSpeed(t *testing.T) {
	cases := []struct {
		in   int32
		want Speed
	}{
		{usbSpeedLow, SpeedFull},
		{usbSpeedFull, SpeedFull},
		{usbSpeedHigh, SpeedHigh},
		{usbSpeedWireless, SpeedHigh},
		{usbSpeedSuper, SpeedSuper},
		{usbSpeedSuperPlus, SpeedSuper},
	}
	for _, c := range cases {
		if got := translateRemoteSpeed(c.in); got != c.want {
			t.Errorf("translateRemoteSpeed(%d) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestEncodeBusIDZeroPads(t *testing.T) {
	out := encodeBusID("1-1")
	if out[0] != '1' || out[1] != '-' || out[2] != '1' {
		t.Fatalf("busid prefix not copied: %v", out[:3])
	}
	for i := 3; i < busIDSize; i++ {
		if out[i] != 0 {
			t.Fatalf("byte %d not zero-padded: %d", i, out[i])
		}
	}
}
