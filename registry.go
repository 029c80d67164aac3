/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Per-device request registry: tracks in-flight requests so a RET_SUBMIT
 * or a cancellation can locate, and remove, the right one. Grounded on
 * the original's request_list.cpp (append_request / mark_request_cancelable
 * / remove_request), translated from a WDF cancellation callback into a
 * cancel func stored alongside each entry.
 */

package main

import (
	"container/list"
	"sync"
)

// RemoveCriterion selects how Remove matches entries. Endpoint matches
// are multi-match (the caller loops until Remove returns nil); Seqnum
// and Handle matches are single-match.
type RemoveCriterion int

const (
	BySeqnum RemoveCriterion = iota
	ByHandle
	ByEndpoint
)

// RequestHandle identifies a request independent of its seqnum; the TX
// engine holds one for as long as it owns the in-flight request.
type RequestHandle = *RegistryEntry

// RegistryEntry is one in-flight request tracked by a device's registry
type RegistryEntry struct {
	Seqnum     uint32
	Endpoint   uint32
	Cancelable bool

	// Cancel is invoked by MarkCancelable's caller-facing analogue of
	// the WDF cancellation callback: the TX engine's
	// send_cmd_unlink_and_cancel. Never called while the registry's
	// lock is held.
	Cancel func(e *RegistryEntry)

	elem *list.Element
}

// Registry is a per-device doubly-linked list of in-flight requests,
// guarded by a single mutex, exactly mirroring the original's
// request_list_head + spinlock.
type Registry struct {
	mu               sync.Mutex
	requests         list.List
	cancelableCount  int
}

// Append inserts a new entry at the tail. The entry starts non-cancelable;
// callers make it cancelable with MarkCancelable once it is safe for a
// cancellation to race with the send.
func (r *Registry) Append(seqnum uint32, endpoint uint32, cancel func(e *RegistryEntry)) *RegistryEntry {
	e := &RegistryEntry{Seqnum: seqnum, Endpoint: endpoint, Cancel: cancel}

	r.mu.Lock()
	e.elem = r.requests.PushBack(e)
	r.mu.Unlock()

	return e
}

// MarkCancelable locates the entry with the given seqnum and arms it
// for cancellation. If the entry is not found (it may already have
// completed), MarkCancelable returns false and the caller should treat
// the request as already gone — nothing further to do.
func (r *Registry) MarkCancelable(seqnum uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for el := r.requests.Front(); el != nil; el = el.Next() {
		e := el.Value.(*RegistryEntry)
		if e.Seqnum != seqnum {
			continue
		}
		e.Cancelable = true
		r.cancelableCount++
		return true
	}
	return false
}

// matches reports whether e satisfies crit with the given key. key is
// a seqnum, a *RegistryEntry (as a RequestHandle), or an endpoint
// number, according to crit.
func matches(e *RegistryEntry, crit RemoveCriterion, key interface{}) bool {
	switch crit {
	case BySeqnum:
		return e.Seqnum == key.(uint32)
	case ByHandle:
		return e == key.(*RegistryEntry)
	case ByEndpoint:
		return e.Endpoint == key.(uint32)
	default:
		return false
	}
}

// Remove locates and unlinks the entry (or entries, for ByEndpoint)
// matching crit/key. unmarkCancelable mirrors the original's
// WdfRequestUnmarkCancelable call: when true and the matched entry was
// cancelable, Remove drops it from the registry's cancelable count as
// part of the removal; the entry's own Cancelable field keeps its value.
// Remove returns the removed entries; for BySeqnum/ByHandle the slice
// has at most one element.
//
// Semantics: once an entry is returned here, the cancellation callback
// (e.Cancel) will never be invoked for it — callers own completing the
// request from this point on.
func (r *Registry) Remove(crit RemoveCriterion, key interface{}, unmarkCancelable bool) []*RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*RegistryEntry

	for el := r.requests.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*RegistryEntry)

		if !matches(e, crit, key) {
			el = next
			continue
		}

		if e.Cancelable && unmarkCancelable {
			// The original's WdfRequestUnmarkCancelable can return
			// STATUS_CANCELLED, meaning the cancellation callback is
			// already running and will complete the request itself.
			// There is no WDF-equivalent race here: the registry's
			// mutex already serializes Remove against the code path
			// that would fire e.Cancel, so once an entry is found
			// under the lock it is safe to unlink unconditionally.
			r.requests.Remove(el)
			r.cancelableCount--
			removed = append(removed, e)

			if crit == ByEndpoint {
				el = next
				continue
			}
			return removed
		}

		r.requests.Remove(el)
		removed = append(removed, e)

		if crit != ByEndpoint {
			return removed
		}
		el = next
	}

	return removed
}

// Len reports the number of in-flight requests currently tracked
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests.Len()
}
