/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Event broadcast (C8): every device state change is materialized as a
 * DeviceStateRecord and delivered to every subscribed reader (bounded
 * per-subscriber queue, oldest dropped on overflow), plus a best-effort
 * D-Bus signal for desktop-session consumers.
 */

package main

import (
	"sync"

	"github.com/godbus/dbus/v5"
)

// subscriberQueueDepth bounds each subscriber's backlog; a slow reader
// loses its oldest unread records rather than stalling the broadcaster
const subscriberQueueDepth = 64

// DeviceStateRecord is one entry in the event stream: a snapshot of a
// single device's state transition, the wire shape for GET /events
type DeviceStateRecord struct {
	Port  int
	State DeviceState
	Attrs Attributes
	Speed Speed
}

// EventBroadcaster fans device state changes out to subscribed readers.
// Subscribers are "file objects" in spec.md §4.8's vocabulary; here
// they're bounded channels handed out by Subscribe and drained by a
// control-socket connection's GET /events handler.
type EventBroadcaster struct {
	mu          sync.Mutex
	subscribers map[chan DeviceStateRecord]struct{}

	dbusOnce sync.Once
	dbusConn *dbus.Conn
	dbusErr  error
	log      *Logger
}

// NewEventBroadcaster builds an empty broadcaster. The D-Bus session
// connection is established lazily, on first Publish, so a daemon
// running without a session bus never pays the dial cost.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		subscribers: make(map[chan DeviceStateRecord]struct{}),
	}
}

// Subscribe registers a new reader and returns its queue plus an
// Unsubscribe func. The queue is closed by Unsubscribe, or by Purge on
// controller removal, whichever comes first, so a reader can drain
// whatever is already buffered.
func (b *EventBroadcaster) Subscribe() (<-chan DeviceStateRecord, func()) {
	ch := make(chan DeviceStateRecord, subscriberQueueDepth)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	once := sync.Once{}
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Publish delivers rec to every subscriber, dropping the oldest queued
// record for any subscriber whose queue is full, and best-effort emits
// the equivalent D-Bus signal. Never blocks.
func (b *EventBroadcaster) Publish(rec DeviceStateRecord) {
	b.mu.Lock()
	for ch := range b.subscribers {
		select {
		case ch <- rec:
		default:
			// Queue full: drop the oldest, then retry once. A
			// concurrent drain between the two selects just means
			// the retry succeeds on an emptier queue, never a lost
			// send past one record.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- rec:
			default:
			}
		}
	}
	b.mu.Unlock()

	b.publishDBus(rec)
}

// Purge closes every subscriber's queue, used on controller removal so
// blocked readers unblock with a closed channel instead of hanging.
func (b *EventBroadcaster) Purge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

func (b *EventBroadcaster) publishDBus(rec DeviceStateRecord) {
	b.dbusOnce.Do(func() {
		b.dbusConn, b.dbusErr = dbus.ConnectSessionBus()
	})
	if b.dbusErr != nil {
		if b.log != nil {
			b.log.Debug('-', "events: no session bus, skipping D-Bus signal: %s", b.dbusErr)
		}
		return
	}

	err := b.dbusConn.Emit(dbus.ObjectPath("/org/usbip/VHCI1"), "org.usbip.VHCI1.PortChanged",
		int32(rec.Port), rec.State.String(), rec.Attrs.NodeName, rec.Attrs.ServiceName, rec.Attrs.BusID)
	if err != nil && b.log != nil {
		b.log.Error('-', "events: D-Bus emit failed: %s", err)
	}
}
