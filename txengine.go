/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * TX engine (C4): serializes request submissions and unlink commands
 * onto the per-device socket, builds CMD_SUBMIT/CMD_UNLINK PDUs from an
 * endpoint + transfer, and drives request completion on send failure.
 * Successful completion is delivered by the RX engine (rxengine.go).
 */

package main

import "sync"

// TransferFunction selects which submit path a Transfer takes, mirroring
// the URB function code dispatch in submit_urb
type TransferFunction int

const (
	TransferControl TransferFunction = iota
	TransferBulkOrInterrupt
	TransferIsochronous
)

// nonIsochPacketSentinel is the wire value meaning "this CMD_SUBMIT
// carries no isochronous packet descriptors"
const nonIsochPacketSentinel = -1

// Transfer is the local representation of a single USB request, the
// Go-side analogue of an URB plus its owning request context.
type Transfer struct {
	Endpoint      *Endpoint
	Function      TransferFunction
	TransferFlags uint32
	Setup         [8]byte
	DirIn         bool

	// Buffer is the transfer's data: for OUT it is sent as-is; for IN
	// it is the caller-owned destination the RX engine fills.
	Buffer []byte

	// IsoOffsets holds one client-chosen byte offset per isochronous
	// packet within Buffer; empty for non-isochronous transfers.
	IsoOffsets []uint32

	// Complete is invoked exactly once, by whichever path finishes the
	// transfer first (successful send+later RX delivery, send failure,
	// or cancellation). Never called while any engine lock is held.
	Complete func(result TransferResult)

	completeOnce sync.Once
}

// TransferResult is what Complete receives
type TransferResult struct {
	Status       Kind
	ActualLength int
	IsoDescs     []IsoPacketDescriptor
	ErrorCount   int32
	Err          error
}

func (t *Transfer) complete(r TransferResult) {
	t.completeOnce.Do(func() {
		if t.Complete != nil {
			t.Complete(r)
		}
	})
}

var sendContextPool = sync.Pool{
	New: func() interface{} {
		return &sendContext{header: make([]byte, HeaderSize)}
	},
}

// sendContext is the preallocated scratch space for one submission:
// the fixed header buffer plus a reusable iso descriptor backing
// array, grounded on the teacher's sync.Pool-backed scratch buffers
// (logMessagePool, logLineBufPool in logger.go).
type sendContext struct {
	header   []byte
	isoDescs []IsoPacketDescriptor
}

func getSendContext() *sendContext {
	return sendContextPool.Get().(*sendContext)
}

func putSendContext(sc *sendContext) {
	sc.isoDescs = sc.isoDescs[:0]
	sendContextPool.Put(sc)
}

// SubmitURB dispatches t to the matching submit path by Function, sends
// the resulting PDU, and registers the request in dev.Requests before
// the header leaves the local node. It returns immediately after the
// send completes or fails; successful completion is always delivered
// later by the RX engine, never by SubmitURB itself.
func SubmitURB(dev *Device, t *Transfer) error {
	if dev.Unplugged() {
		return NewStatus(KindDeviceRemoved, "device unplugged")
	}

	switch t.Function {
	case TransferIsochronous:
		return submitIsoch(dev, t)
	default:
		return submitControlOrBulk(dev, t)
	}
}

func submitControlOrBulk(dev *Device, t *Transfer) error {
	epd := t.Endpoint.Descriptor

	// A control transfer's direction comes from the setup packet and is
	// only meaningful against the default control pipe; addressing one
	// at any other endpoint is a caller bug, not a direction to force.
	if t.Function == TransferControl && !IsDefaultControlPipe(epd) {
		return NewStatus(KindInvalidParameter,
			"control transfer addressed to non-default endpoint %d", EndpointNum(epd))
	}

	sc := getSendContext()
	defer putSendContext(sc)

	flags := t.TransferFlags
	dirIn := t.DirIn

	if !IsDefaultControlPipe(epd) {
		flags = FixTransferFlagsDirection(flags, EndpointDirOut(epd))
		dirIn = EndpointDirIn(epd)
	}

	seqnum := dev.NextSeqnum(dirIn)

	h := &CmdSubmitHeader{
		Seqnum:            seqnum,
		Devid:             dev.Devid,
		Direction:         dirDirection(dirIn),
		Ep:                uint32(EndpointNum(epd)),
		TransferFlags:     flags,
		TransferBufferLen: uint32(len(t.Buffer)),
		NumberOfPackets:   nonIsochPacketSentinel,
		Interval:          int32(epd.Interval),
	}
	if t.Function == TransferControl {
		h.Setup = t.Setup
	}

	if err := EncodeSubmit(sc.header, h); err != nil {
		return err
	}

	entry := dev.Requests.Append(seqnum, uint32(EndpointNum(epd)), cancelCallback(dev))
	registerPendingTransfer(dev, entry, t)

	chain := TransferChain{append([]byte(nil), sc.header...)}
	if !dirIn && len(t.Buffer) > 0 {
		chain = append(chain, t.Buffer)
	}

	if err := dev.sendChain(chain); err != nil {
		dev.Requests.Remove(BySeqnum, seqnum, true)
		forgetPendingTransfer(dev, seqnum)
		t.complete(TransferResult{Status: KindNetwork, Err: err})
		return err
	}

	dev.Requests.MarkCancelable(seqnum)
	return nil
}

func submitIsoch(dev *Device, t *Transfer) error {
	sc := getSendContext()
	defer putSendContext(sc)

	epd := t.Endpoint.Descriptor
	dirIn := EndpointDirIn(epd)
	flags := FixTransferFlagsDirection(t.TransferFlags, EndpointDirOut(epd))
	const usbdStartIsoTransferASAP = 1 << 2
	flags |= usbdStartIsoTransferASAP

	descs, err := BuildSubmitIsoDescriptors(t.IsoOffsets, uint32(len(t.Buffer)))
	if err != nil {
		return err
	}

	seqnum := dev.NextSeqnum(dirIn)

	h := &CmdSubmitHeader{
		Seqnum:            seqnum,
		Devid:             dev.Devid,
		Direction:         dirDirection(dirIn),
		Ep:                uint32(EndpointNum(epd)),
		TransferFlags:     flags,
		TransferBufferLen: uint32(len(t.Buffer)),
		StartFrame:        0,
		NumberOfPackets:   int32(len(descs)),
		Interval:          int32(epd.Interval),
	}

	if err := EncodeSubmit(sc.header, h); err != nil {
		return err
	}

	isoBuf := make([]byte, len(descs)*isoPacketDescriptorSize)
	if err := EncodeIsoDescriptors(isoBuf, descs); err != nil {
		return err
	}

	entry := dev.Requests.Append(seqnum, uint32(EndpointNum(epd)), cancelCallback(dev))
	registerPendingTransfer(dev, entry, t)

	chain := TransferChain{append([]byte(nil), sc.header...)}
	if !dirIn && len(t.Buffer) > 0 {
		packed := make([]byte, len(t.Buffer))
		n, err := RepackIsoOut(packed, t.Buffer, descs)
		if err != nil {
			dev.Requests.Remove(BySeqnum, seqnum, true)
			forgetPendingTransfer(dev, seqnum)
			return err
		}
		chain = append(chain, packed[:n])
	}
	chain = append(chain, isoBuf)

	if err := dev.sendChain(chain); err != nil {
		dev.Requests.Remove(BySeqnum, seqnum, true)
		forgetPendingTransfer(dev, seqnum)
		t.complete(TransferResult{Status: KindNetwork, Err: err})
		return err
	}

	dev.Requests.MarkCancelable(seqnum)
	return nil
}

func dirDirection(dirIn bool) Direction {
	if dirIn {
		return DirIn
	}
	return DirOut
}

// cancelCallback builds the registry Cancel func for dev: it is invoked
// when CancelRequest removes an entry, and performs
// send_cmd_unlink_and_cancel followed by completing the transfer as
// canceled.
func cancelCallback(dev *Device) func(*RegistryEntry) {
	return func(e *RegistryEntry) {
		sendCmdUnlinkAndCancel(dev, e.Seqnum)
		if t := forgetPendingTransferEntry(dev, e); t != nil {
			t.complete(TransferResult{Status: KindCanceled, Err: ErrShutdown})
		}
	}
}

// sendCmdUnlinkAndCancel builds and best-effort sends a CMD_UNLINK for
// victimSeqnum; errors are ignored, matching the original's fire-and-forget
// unlink since the socket may already be in the process of closing.
func sendCmdUnlinkAndCancel(dev *Device, victimSeqnum uint32) {
	seqnum := dev.NextSeqnum(false)
	buf := make([]byte, HeaderSize)
	if err := EncodeUnlink(buf, seqnum, dev.Devid, victimSeqnum); err != nil {
		return
	}
	_ = dev.sendChain(TransferChain{buf})
}

// CancelRequest is the local entry point for an OS-initiated (or
// shutdown-initiated) cancellation of a pending request, the
// user-space analogue of the cancel callback firing on a WDF request.
func (dev *Device) CancelRequest(seqnum uint32) bool {
	removed := dev.Requests.Remove(BySeqnum, seqnum, true)
	if len(removed) == 0 {
		return false
	}
	cancelCallback(dev)(removed[0])
	return true
}

// pendingTransfers maps a request's seqnum to the Transfer awaiting
// completion, so the RX engine can hand decoded results back to the
// caller. Kept separate from Registry, which only tracks cancellation
// bookkeeping, because a Transfer carries caller-owned buffers the
// registry itself has no business touching.
type pendingTransfers struct {
	mu sync.Mutex
	m  map[uint32]*Transfer
}

func registerPendingTransfer(dev *Device, entry *RegistryEntry, t *Transfer) {
	dev.pending.mu.Lock()
	dev.pending.m[entry.Seqnum] = t
	dev.pending.mu.Unlock()
}

func forgetPendingTransfer(dev *Device, seqnum uint32) *Transfer {
	dev.pending.mu.Lock()
	t := dev.pending.m[seqnum]
	delete(dev.pending.m, seqnum)
	dev.pending.mu.Unlock()
	return t
}

func forgetPendingTransferEntry(dev *Device, e *RegistryEntry) *Transfer {
	return forgetPendingTransfer(dev, e.Seqnum)
}
