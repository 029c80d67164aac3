/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Transfer buffer descriptor: a scatter/gather chain of byte slices
 * that stands in for the original's locked MDL chain, plumbed through
 * net.Conn without staging into one contiguous buffer
 */

package main

import (
	"io"
)

// URBBufLen is the sentinel length meaning "use the URB's reported
// transfer length as-is" rather than a caller-supplied exact size
const URBBufLen = -1

// TransferChain is an ordered sequence of byte slices sent or received
// as a single logical unit: header, optional URB payload, optional iso
// descriptor block. Composition for send is header, then payload, then
// iso descriptors; for receive it is payload alone, iso descriptors
// alone, or payload followed by iso descriptors.
type TransferChain [][]byte

// TotalLen returns the sum of the lengths of every slice in the chain
func (c TransferChain) TotalLen() int {
	n := 0
	for _, b := range c {
		n += len(b)
	}
	return n
}

// NewTransferChain validates and builds a buffer chain for a URB
// transfer of the given reported length. want == URBBufLen means the
// reported length is authoritative and buf may be of any size >= 0.
// Otherwise buf's length must exactly equal want.
func NewTransferChain(buf []byte, want int) (TransferChain, error) {
	if want == URBBufLen {
		return TransferChain{buf}, nil
	}
	if want < 0 {
		return nil, NewStatus(KindInvalidParameter, "negative transfer length")
	}
	if len(buf) > want {
		return nil, NewStatus(KindInvalidParameter, "buffer larger than reported URB length")
	}
	if len(buf) < want {
		return nil, NewStatus(KindBufferTooSmall, "buffer has %d bytes, URB reports %d", len(buf), want)
	}
	return TransferChain{buf}, nil
}

// WriteTo implements io.WriterTo: it writes every slice in the chain,
// in order, to w. Used by the TX engine to hand a chain to a net.Conn
// without first flattening it into one contiguous buffer.
func (c TransferChain) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, b := range c {
		if len(b) == 0 {
			continue
		}
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadFrom implements io.ReaderFrom: it fills every slice in the chain,
// in order, reading exactly TotalLen() bytes from r. Used by the RX
// engine to land a payload directly into the URB transfer buffer
// followed by the iso descriptor block, with no intermediate copy.
func (c TransferChain) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for _, b := range c {
		if len(b) == 0 {
			continue
		}
		n, err := io.ReadFull(r, b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drainBuffer discards payload_size bytes from r when no registry
// entry matched a RET_SUBMIT: the wire format carries the payload
// regardless, so it must be consumed to keep the stream framed even
// though there is nowhere local to deliver it.
func drainBuffer(r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}
