/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sst

import (
	"sync"
	"time"

	logger "github.com/rs/zerolog/log"
)

// wakeBufferSize is the capacity of the dispatcher's wake channel: one
// pending wake is enough, since a dispatch pass always re-scans every
// registered predicate. Following the sizing rationale of
// util.ChannelBuffer's inputChannelBufferSize in the teacher, but for a
// pure signal rather than a data channel.
const wakeBufferSize = 1

// fallbackPoll bounds how long a predicate can go unevaluated if no Mutate
// call happens to wake the dispatcher (e.g. a peer's row changed but the
// local row didn't) — predicates read peer rows too, so the dispatcher must
// also notice remote publishes even absent a local Mutate.
const fallbackPoll = 2 * time.Millisecond

// PredicateHandle identifies a registered predicate so it can be removed.
type PredicateHandle uint64

type predicateEntry struct {
	handle    PredicateHandle
	guard     func(*SST) bool
	action    func(*SST)
	recurrent bool
}

// dispatcher is the SST collaborator's "unbounded pool of predicate-dispatch
// threads" (spec §5): one loop goroutine decides which predicates are
// dispatchable, and spawns a goroutine per firing predicate to run its
// action, mirroring an unbounded worker pool. Reentrancy across predicates
// is the caller's responsibility via the engine's single state mutex (spec
// §5); the dispatcher itself only serializes access to its own registry.
type dispatcher struct {
	mu      sync.Mutex
	entries map[PredicateHandle]*predicateEntry
	nextID  PredicateHandle

	wakeC chan struct{}
	stopC chan struct{}
	once  sync.Once
}

func newDispatcher(s *SST) *dispatcher {
	d := &dispatcher{
		entries: make(map[PredicateHandle]*predicateEntry),
		wakeC:   make(chan struct{}, wakeBufferSize),
		stopC:   make(chan struct{}),
	}
	go d.run(s)
	return d
}

func (d *dispatcher) insert(guard func(*SST) bool, action func(*SST), recurrent bool) PredicateHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	h := d.nextID
	d.entries[h] = &predicateEntry{handle: h, guard: guard, action: action, recurrent: recurrent}
	return h
}

func (d *dispatcher) remove(h PredicateHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, h)
}

func (d *dispatcher) wake() {
	select {
	case d.wakeC <- struct{}{}:
	default:
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() {
		close(d.stopC)
	})
}

func (d *dispatcher) run(s *SST) {
	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopC:
			return
		case <-d.wakeC:
			d.dispatchOnce(s)
		case <-ticker.C:
			d.dispatchOnce(s)
		}
	}
}

func (d *dispatcher) dispatchOnce(s *SST) {
	d.mu.Lock()
	fired := make([]*predicateEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.guard(s) {
			fired = append(fired, e)
			if !e.recurrent {
				delete(d.entries, e.handle)
			}
		}
	}
	d.mu.Unlock()

	for _, e := range fired {
		go func(e *predicateEntry) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Msg("predicate action panicked")
				}
			}()
			e.action(s)
		}(e)
	}
}
