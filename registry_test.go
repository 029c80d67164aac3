package main

import "testing"

func TestRegistryAppendRemoveBySeqnum(t *testing.T) {
	var r Registry
	e := r.Append(7, 1, nil)
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	removed := r.Remove(BySeqnum, uint32(7), true)
	if len(removed) != 1 || removed[0] != e {
		t.Fatalf("Remove did not return the appended entry: %v", removed)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after removal", r.Len())
	}
}

func TestRegistryRemoveMissingSeqnumIsNoop(t *testing.T) {
	var r Registry
	r.Append(1, 0, nil)

	removed := r.Remove(BySeqnum, uint32(99), true)
	if len(removed) != 0 {
		t.Fatalf("expected no match, got %v", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (unaffected)", r.Len())
	}
}

func TestRegistryMarkCancelable(t *testing.T) {
	var r Registry
	r.Append(3, 0, func(*RegistryEntry) {})

	if !r.MarkCancelable(3) {
		t.Fatal("MarkCancelable should find the entry")
	}
	if r.MarkCancelable(404) {
		t.Fatal("MarkCancelable should report false for a missing seqnum")
	}

	removed := r.Remove(BySeqnum, uint32(3), true)
	if len(removed) != 1 || !removed[0].Cancelable {
		t.Fatalf("expected removed entry to retain Cancelable flag pre-removal: %+v", removed)
	}
}

func TestRegistryRemoveByEndpointMultiMatch(t *testing.T) {
	var r Registry
	r.Append(1, 5, nil)
	r.Append(2, 5, nil)
	r.Append(3, 6, nil)

	removed := r.Remove(ByEndpoint, uint32(5), true)
	if len(removed) != 2 {
		t.Fatalf("expected 2 matches for endpoint 5, got %d", len(removed))
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (only endpoint 6 left)", r.Len())
	}
}

func TestRegistryRemoveByHandle(t *testing.T) {
	var r Registry
	e1 := r.Append(1, 0, nil)
	r.Append(2, 0, nil)

	removed := r.Remove(ByHandle, e1, true)
	if len(removed) != 1 || removed[0] != e1 {
		t.Fatalf("Remove by handle did not return the right entry: %v", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryRemoveStopsAfterFirstMatchForSingleMatchCriteria(t *testing.T) {
	var r Registry
	// Two entries deliberately share a seqnum to exercise that BySeqnum
	// only ever removes the first one found — this should never happen
	// in practice (seqnums are unique) but Remove's contract is still
	// single-match for BySeqnum.
	r.Append(9, 0, nil)
	r.Append(9, 1, nil)

	removed := r.Remove(BySeqnum, uint32(9), true)
	if len(removed) != 1 {
		t.Fatalf("expected single match, got %d", len(removed))
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}
