package main

import (
	"bytes"
	"testing"
)

func TestNewTransferChainExactLength(t *testing.T) {
	buf := make([]byte, 16)
	chain, err := NewTransferChain(buf, 16)
	if err != nil {
		t.Fatalf("NewTransferChain: %v", err)
	}
	if chain.TotalLen() != 16 {
		t.Errorf("TotalLen = %d, want 16", chain.TotalLen())
	}
}

func TestNewTransferChainSentinel(t *testing.T) {
	buf := make([]byte, 100)
	chain, err := NewTransferChain(buf, URBBufLen)
	if err != nil {
		t.Fatalf("NewTransferChain: %v", err)
	}
	if chain.TotalLen() != 100 {
		t.Errorf("TotalLen = %d, want 100", chain.TotalLen())
	}
}

func TestNewTransferChainTooLarge(t *testing.T) {
	buf := make([]byte, 32)
	if _, err := NewTransferChain(buf, 16); StatusKind(err) != KindInvalidParameter {
		t.Fatalf("expected KindInvalidParameter, got %v", err)
	}
}

func TestNewTransferChainTooSmall(t *testing.T) {
	buf := make([]byte, 8)
	if _, err := NewTransferChain(buf, 16); StatusKind(err) != KindBufferTooSmall {
		t.Fatalf("expected KindBufferTooSmall, got %v", err)
	}
}

func TestTransferChainWriteToReadFrom(t *testing.T) {
	header := []byte{1, 2, 3}
	payload := []byte{4, 5, 6, 7}
	chain := TransferChain{header, payload}

	var out bytes.Buffer
	n, err := chain.WriteTo(&out)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != 7 {
		t.Fatalf("WriteTo n = %d, want 7", n)
	}
	if !bytes.Equal(out.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("unexpected serialized chain: %v", out.Bytes())
	}

	dstHeader := make([]byte, 3)
	dstPayload := make([]byte, 4)
	dstChain := TransferChain{dstHeader, dstPayload}

	n, err = dstChain.ReadFrom(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != 7 {
		t.Fatalf("ReadFrom n = %d, want 7", n)
	}
	if !bytes.Equal(dstHeader, header) || !bytes.Equal(dstPayload, payload) {
		t.Fatalf("ReadFrom did not land data correctly: %v / %v", dstHeader, dstPayload)
	}
}

func TestDrainBuffer(t *testing.T) {
	src := bytes.NewReader([]byte{1, 2, 3, 4, 5})
	if err := drainBuffer(src, 3); err != nil {
		t.Fatalf("drainBuffer: %v", err)
	}
	rest, _ := src.ReadByte()
	if rest != 4 {
		t.Fatalf("expected reader positioned after 3 bytes, got byte %d", rest)
	}
}
