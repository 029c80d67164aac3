package main

import "testing"

func TestEncodeDecodeSubmitRoundTrip(t *testing.T) {
	h := &CmdSubmitHeader{
		Command:           CmdSubmit,
		Seqnum:            3,
		Devid:             (1 << 16) | 2,
		Direction:         DirIn,
		Ep:                1,
		TransferFlags:     0x40,
		TransferBufferLen: 512,
		Interval:          8,
	}
	copy(h.Setup[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	buf := make([]byte, HeaderSize)
	if err := EncodeSubmit(buf, h); err != nil {
		t.Fatalf("EncodeSubmit: %v", err)
	}

	decoded, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}

	got, ok := decoded.(*CmdSubmitHeader)
	if !ok {
		t.Fatalf("decoded type = %T, want *CmdSubmitHeader", decoded)
	}
	if *got != *h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestEncodeUnlinkZeroesReserved(t *testing.T) {
	buf := make([]byte, HeaderSize)
	for i := range buf {
		buf[i] = 0xff
	}
	if err := EncodeUnlink(buf, 5, 0x10002, 3); err != nil {
		t.Fatalf("EncodeUnlink: %v", err)
	}
	for i := offUnion + 4; i < HeaderSize; i++ {
		if buf[i] != 0 {
			t.Fatalf("reserved byte %d = %#x, want 0", i, buf[i])
		}
	}

	decoded, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	got := decoded.(*CmdUnlinkHeader)

	if got.Seqnum != 5 || got.Devid != 0x10002 || got.UnlinkSeqnum != 3 {
		t.Fatalf("unexpected header: %+v", got)
	}
	if got.Direction != DirOut || got.Ep != 0 {
		t.Fatalf("CMD_UNLINK must always be direction OUT, ep 0: %+v", got)
	}
}

func TestDecodeHeaderTooShort(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestDecodeHeaderUnknownCommand(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[3] = 0xff
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestFixTransferFlagsDirection(t *testing.T) {
	const shortOK = 1 << 0
	const dirIn = 1 << 1

	// Flags claim IN, endpoint is actually OUT: direction bits must clear
	fixed := FixTransferFlagsDirection(shortOK|dirIn, true)
	if fixed&dirIn != 0 {
		t.Fatalf("expected direction-in bit cleared, got %#x", fixed)
	}

	// Flags claim OUT, endpoint is actually IN: direction bits must set
	fixed = FixTransferFlagsDirection(0, false)
	if fixed&dirIn == 0 || fixed&shortOK == 0 {
		t.Fatalf("expected direction-in and short-ok bits set, got %#x", fixed)
	}

	// Already consistent: flags pass through unchanged
	if fixed := FixTransferFlagsDirection(shortOK|dirIn, false); fixed != shortOK|dirIn {
		t.Fatalf("expected flags unchanged, got %#x", fixed)
	}
}

func TestBuildSubmitIsoDescriptors(t *testing.T) {
	descs, err := BuildSubmitIsoDescriptors([]uint32{0, 64, 128}, 192)
	if err != nil {
		t.Fatalf("BuildSubmitIsoDescriptors: %v", err)
	}
	want := []IsoPacketDescriptor{{Offset: 0, Length: 64}, {Offset: 64, Length: 64}, {Offset: 128, Length: 64}}
	for i := range want {
		if descs[i] != want[i] {
			t.Errorf("descriptor %d = %+v, want %+v", i, descs[i], want[i])
		}
	}
}

func TestBuildSubmitIsoDescriptorsRejectsGapOrShortfall(t *testing.T) {
	if _, err := BuildSubmitIsoDescriptors([]uint32{16, 64}, 100); err == nil {
		t.Fatal("expected error: packets do not cover the buffer exactly")
	}
}

func TestRepackIsoOutCompacts(t *testing.T) {
	src := make([]byte, 32)
	for i := range src {
		src[i] = byte(i)
	}
	descs := []IsoPacketDescriptor{
		{Offset: 0, Length: 4},
		{Offset: 16, Length: 4},
	}
	dst := make([]byte, 8)

	n, err := RepackIsoOut(dst, src, descs)
	if err != nil {
		t.Fatalf("RepackIsoOut: %v", err)
	}
	if n != 8 {
		t.Fatalf("n = %d, want 8", n)
	}
	want := []byte{0, 1, 2, 3, 16, 17, 18, 19}
	for i, b := range want {
		if dst[i] != b {
			t.Fatalf("dst[%d] = %d, want %d", i, dst[i], b)
		}
	}
}

func TestRepackIsoInExpandsInPlace(t *testing.T) {
	// Compacted buffer: packet 0 has 4 bytes, packet 1 has 2 bytes,
	// laid out back-to-back; descriptors describe their padded destination.
	buf := make([]byte, 32)
	copy(buf, []byte{10, 11, 12, 13, 20, 21})

	descs := []IsoPacketDescriptor{
		{Offset: 0, Length: 8, ActualLength: 4},
		{Offset: 16, Length: 8, ActualLength: 2},
	}

	if err := RepackIsoIn(buf, descs, 6); err != nil {
		t.Fatalf("RepackIsoIn: %v", err)
	}

	if buf[0] != 10 || buf[1] != 11 || buf[2] != 12 || buf[3] != 13 {
		t.Fatalf("packet 0 corrupted: %v", buf[:4])
	}
	if buf[16] != 20 || buf[17] != 21 {
		t.Fatalf("packet 1 not moved to its offset: %v", buf[16:18])
	}
}

func TestRepackIsoInRejectsShortBuffer(t *testing.T) {
	descs := []IsoPacketDescriptor{{Offset: 0, Length: 4, ActualLength: 4}}
	if err := RepackIsoIn(make([]byte, 2), descs, 4); err == nil {
		t.Fatal("expected error when actual_length exceeds buffer")
	}
}

func TestRepackIsoInRejectsActualLengthExceedsLength(t *testing.T) {
	descs := []IsoPacketDescriptor{{Offset: 0, Length: 2, ActualLength: 4}}
	if err := RepackIsoIn(make([]byte, 8), descs, 4); err == nil {
		t.Fatal("expected error when packet actual_length > length")
	}
}

func TestGetPayloadSize(t *testing.T) {
	cases := []struct {
		dir     Direction
		isReply bool
		length  uint32
		want    uint32
	}{
		{DirOut, false, 100, 100}, // CMD_SUBMIT OUT carries the payload
		{DirIn, false, 100, 0},    // CMD_SUBMIT IN carries no payload
		{DirIn, true, 50, 50},     // RET_SUBMIT for an IN request carries the payload
		{DirOut, true, 50, 0},     // RET_SUBMIT for an OUT request carries none
	}
	for _, c := range cases {
		if got := GetPayloadSize(c.dir, c.isReply, c.length); got != c.want {
			t.Errorf("GetPayloadSize(%v, %v, %d) = %d, want %d", c.dir, c.isReply, c.length, got, c.want)
		}
	}
}
