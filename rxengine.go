/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * RX engine (C5): the per-device receive task. Blocks reading PDUs off
 * the device's socket until unplugged or an error occurs, matches
 * RET_SUBMIT replies to locally pending transfers via the request
 * registry, lands payload into the originating buffer (or drains a
 * stale reply), and repacks isochronous results.
 */

package main

import "io"

// RunRxEngine is the per-device receive loop, started by Device.Attach
// and run for the lifetime of the socket. It always returns on EOF,
// read error, or protocol violation, triggering the device's detach
// path exactly once.
func RunRxEngine(dev *Device) {
	for !dev.Unplugged() {
		if err := rxOnePDU(dev); err != nil {
			dev.Detach(true, Retryable(err))
			return
		}
	}
}

func rxOnePDU(dev *Device) error {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(dev.conn, hdrBuf); err != nil {
		return WrapStatus(KindNetwork, err, "rx: header read failed")
	}

	decoded, err := DecodeHeader(hdrBuf)
	if err != nil {
		return WrapStatus(KindProtocol, err, "rx: header decode failed")
	}

	switch h := decoded.(type) {
	case *RetSubmitHeader:
		return handleRetSubmit(dev, h)
	case *RetUnlinkHeader:
		// No local request object: the corresponding CMD_UNLINK's
		// completion was already delivered via the canceled
		// CMD_SUBMIT's own RET_SUBMIT (or will be). Nothing to land.
		return nil
	default:
		return NewStatus(KindProtocol, "rx: unexpected command from peer, type %T", h)
	}
}

// handleRetSubmit consumes exactly the payload bytes a RET_SUBMIT
// declares (actual_length for IN transfers, plus number_of_packets*16
// iso descriptor bytes when present) and delivers the result to the
// Transfer the registry identifies by seqnum, or drains the reply if
// no local request matches (a stale reply, or one raced by cancellation).
func handleRetSubmit(dev *Device, h *RetSubmitHeader) error {
	numberOfPackets := h.NumberOfPackets
	if numberOfPackets == nonIsochPacketSentinel {
		numberOfPackets = 0
	}
	if numberOfPackets < 0 || int(numberOfPackets) > MaxIsoPackets {
		return NewStatus(KindProtocol, "rx: number_of_packets %d out of range", numberOfPackets)
	}

	isIn := h.Direction == DirIn
	if isIn && h.ActualLength < 0 {
		return NewStatus(KindProtocol, "rx: negative actual_length")
	}
	payloadSize := int(GetPayloadSize(h.Direction, true, uint32(h.ActualLength)))
	isoBytes := int(numberOfPackets) * isoPacketDescriptorSize
	total := payloadSize + isoBytes

	// The request is removed from the registry before its payload is
	// read, matching "look up request by seqnum in C3 (remove)"
	// preceding payload handling in spec.md §4.5.
	removed := dev.Requests.Remove(BySeqnum, h.Seqnum, true)
	var t *Transfer
	if len(removed) > 0 {
		t = forgetPendingTransfer(dev, h.Seqnum)
	}

	// Race with cancellation (spec.md §4.4): a RET_SUBMIT may arrive
	// for a seqnum the cancel callback already removed. Treat a
	// decode match with no pending transfer the same as a stale reply.
	if t == nil {
		return drainBuffer(dev.conn, total)
	}

	if payloadSize > len(t.Buffer) {
		_ = drainBuffer(dev.conn, total)
		t.complete(TransferResult{Status: KindInvalidBufferLen, ErrorCount: h.ErrorCount,
			Err: NewStatus(KindInvalidBufferLen, "actual_length %d exceeds buffer of %d bytes", payloadSize, len(t.Buffer))})
		return nil
	}

	if payloadSize > 0 {
		if _, err := io.ReadFull(dev.conn, t.Buffer[:payloadSize]); err != nil {
			return WrapStatus(KindNetwork, err, "rx: payload read failed")
		}
	}

	// A full-speed device's configuration descriptor reports bInterval
	// in 1ms frames, but the emulated host stack always expects the
	// high-speed microframe encoding (spec.md §4.5/§4.6). Rewrite it
	// here, once, before the descriptor reaches anything downstream.
	if isIn && payloadSize > 0 && t.Function == TransferControl &&
		dev.Speed == SpeedFull && IsGetConfigurationDescriptorReply(t.Setup) {
		if err := FixFullSpeedEndpointIntervals(t.Buffer[:payloadSize]); err != nil {
			dev.Log.Debug(' ', "rx: full-speed bInterval fixup failed: %s", err)
		}
	}

	var isoDescs []IsoPacketDescriptor
	if numberOfPackets > 0 {
		isoBuf := make([]byte, isoBytes)
		if _, err := io.ReadFull(dev.conn, isoBuf); err != nil {
			return WrapStatus(KindNetwork, err, "rx: iso descriptor read failed")
		}

		descs, err := DecodeIsoDescriptors(isoBuf, int(numberOfPackets))
		if err != nil {
			t.complete(TransferResult{Status: KindProtocol, ErrorCount: h.ErrorCount, Err: err})
			return nil
		}
		isoDescs = descs

		if isIn && payloadSize > 0 {
			if err := RepackIsoIn(t.Buffer, isoDescs, payloadSize); err != nil {
				t.complete(TransferResult{Status: KindInvalidParameter, ErrorCount: h.ErrorCount, Err: err})
				return nil
			}
		}
	}

	status := TranslateLinuxStatus(h.Status)
	if numberOfPackets > 0 && h.ErrorCount != 0 && int32(numberOfPackets) == h.ErrorCount {
		// Every packet failed: force the same "whole transfer failed"
		// classification the original gives USBD_STATUS_ISOCH_REQUEST_FAILED.
		status = KindProtocol
	}

	t.complete(TransferResult{
		Status:       status,
		ActualLength: payloadSize,
		IsoDescs:     isoDescs,
		ErrorCount:   h.ErrorCount,
	})

	return nil
}
