/* usbip-vhci-go - USB/IP virtual host controller client core
 *
 * Reattach supervisor (C9): schedules and retries attach attempts for
 * a device location after an attach failure, an explicit plug-out with
 * the reattach flag, or a persistent-device boot-time load, grounded on
 * original_source/drivers/ude/device.cpp's detach()/start_attach_attempts
 * path (detach followed by reattach scheduling when the caller asked
 * for it) and spec.md §4.9's state machine.
 */

package main

import (
	"sync"
	"time"
)

// ReattachState is a pending record's position in the retry state machine
type ReattachState int

const (
	ReattachIdle ReattachState = iota
	ReattachScheduled
	ReattachAttempt
	ReattachDone
)

func (s ReattachState) String() string {
	switch s {
	case ReattachIdle:
		return "idle"
	case ReattachScheduled:
		return "scheduled"
	case ReattachAttempt:
		return "attempt"
	case ReattachDone:
		return "done"
	}
	return "reattach(?)"
}

// reattachRecord tracks one pending attach location through its retry lifecycle
type reattachRecord struct {
	hash  uint64
	dev   PersistentDevice
	state ReattachState

	delay     time.Duration
	triesLeft int // -1 = unlimited
	timer     *time.Timer
	cancel    chan struct{}
}

// Supervisor schedules attach retries for failed or explicitly
// reattach-flagged device locations, deduplicated by location hash and
// capacity-bounded at 4x the controller's port count (spec.md §4.9).
type Supervisor struct {
	mu       sync.Mutex
	records  map[uint64]*reattachRecord
	capacity int

	initDelay time.Duration
	maxDelay  time.Duration
	maxTries  int // 0 = unlimited

	removing bool

	// attempt is called at passive context to retry one attach; it
	// returns the error the attach produced, nil on success. Supplied
	// by the daemon bootstrap as runtime.go's attemptImport, which
	// imports without arming a reattach (the same as the
	// PLUGIN_HARDWARE_INTERNAL ctrlsock route) so a reattach never
	// recurses into itself on failure.
	attempt func(dev PersistentDevice) error
}

// NewSupervisor builds a supervisor bounded to 4x portCount pending
// records, using the given retry delay configuration (spec.md §4.9
// defaults: init 15s, max 1h, both clamped [1s, 24h] by config.go).
func NewSupervisor(portCount int, initDelay, maxDelay time.Duration, maxTries int, attempt func(PersistentDevice) error) *Supervisor {
	return &Supervisor{
		records:   make(map[uint64]*reattachRecord),
		capacity:  4 * portCount,
		initDelay: initDelay,
		maxDelay:  maxDelay,
		maxTries:  maxTries,
		attempt:   attempt,
	}
}

// nextDelay computes the next retry delay: min(max, floor(3d/2)), spec.md §4.9
func nextDelay(d, max time.Duration) time.Duration {
	next := d + d/2
	if next > max {
		return max
	}
	return next
}

// Start schedules a new reattach record for dev, identified by hash. A
// second Start for a location already pending is a no-op (spec.md
// §4.9's "a second attach for the same location while the first is
// pending is rejected"). Returns false if the supervisor is at
// capacity or shutting down.
func (s *Supervisor) Start(hash uint64, dev PersistentDevice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removing {
		return false
	}
	if _, exists := s.records[hash]; exists {
		return false
	}
	if len(s.records) >= s.capacity {
		return false
	}

	tries := -1
	if s.maxTries > 0 {
		tries = s.maxTries
	}

	rec := &reattachRecord{
		hash:      hash,
		dev:       dev,
		state:     ReattachScheduled,
		delay:     s.initDelay,
		triesLeft: tries,
		cancel:    make(chan struct{}),
	}
	s.records[hash] = rec
	s.arm(rec)
	return true
}

// Stop cancels a pending reattach record; hash 0 stops every pending
// record (spec.md §4.9: "stopping a specific reattach target uses
// location_hash = 0 to stop all").
func (s *Supervisor) Stop(hash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hash == 0 {
		for h, rec := range s.records {
			s.cancelRecord(rec)
			delete(s.records, h)
		}
		return
	}

	if rec, ok := s.records[hash]; ok {
		s.cancelRecord(rec)
		delete(s.records, hash)
	}
}

// Shutdown marks the supervisor removing and cancels every pending
// record without attempting them, spec.md §4.9's "setting the
// controller's removing flag causes the timer callback to drop
// without sending; pending records are canceled on removal."
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.removing = true
	for h, rec := range s.records {
		s.cancelRecord(rec)
		delete(s.records, h)
	}
	s.mu.Unlock()
}

// Len reports the number of pending records, for tests and status reporting
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Supervisor) cancelRecord(rec *reattachRecord) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	close(rec.cancel)
	rec.state = ReattachDone
}

// arm starts rec's retry timer; must be called with s.mu held
func (s *Supervisor) arm(rec *reattachRecord) {
	rec.timer = time.AfterFunc(rec.delay, func() { s.fire(rec) })
}

// fire runs one attempt for rec at passive context (its own goroutine,
// scheduled by time.AfterFunc), advancing the state machine per
// spec.md §4.9: ATTEMPT -> DONE on success or a non-retryable/exhausted
// failure, or back to SCHEDULED with the next delay on a retryable one.
func (s *Supervisor) fire(rec *reattachRecord) {
	select {
	case <-rec.cancel:
		return
	default:
	}

	s.mu.Lock()
	if s.removing {
		s.mu.Unlock()
		return
	}
	rec.state = ReattachAttempt
	s.mu.Unlock()

	err := s.attempt(rec.dev)

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-rec.cancel:
		return
	default:
	}

	if err == nil {
		rec.state = ReattachDone
		delete(s.records, rec.hash)
		return
	}

	if !Retryable(err) {
		rec.state = ReattachDone
		delete(s.records, rec.hash)
		return
	}

	if rec.triesLeft > 0 {
		rec.triesLeft--
	}
	if rec.triesLeft == 0 {
		rec.state = ReattachDone
		delete(s.records, rec.hash)
		return
	}

	rec.delay = nextDelay(rec.delay, s.maxDelay)
	rec.state = ReattachScheduled
	s.arm(rec)
}
