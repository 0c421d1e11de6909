/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package transport

import (
	"sync"

	"github.com/pkg/errors"
	logger "github.com/rs/zerolog/log"
)

type groupMember struct {
	memberIndex int
	cb          Callbacks
}

type groupState struct {
	orderedMembers []int
	members        map[int]*groupMember // by memberIndex
	destroyed      bool
}

type senderKey struct {
	group  GroupID
	sender int
}

// Loopback is an in-process BulkTransport used by tests and the demo binary:
// every "member" is a distinct CreateGroup registration inside the same Go
// process, and Send fans out to each registered member concurrently,
// simulating the concurrent, exactly-once delivery the real bulk-multicast
// collaborator provides. Deliveries from a given (group, sender) are run by
// one dedicated worker goroutine in the order Send was called, since the
// core relies on a real bulk-multicast channel being FIFO per sender; two
// concurrent Send calls for the same sender must never race to deliver
// out of order to a peer.
type Loopback struct {
	mu      sync.Mutex
	groups  map[GroupID]*groupState
	workers map[senderKey]chan func()
}

// NewLoopback returns an empty Loopback transport shared by every member
// that will call CreateGroup against it.
func NewLoopback() *Loopback {
	return &Loopback{
		groups:  make(map[GroupID]*groupState),
		workers: make(map[senderKey]chan func()),
	}
}

// worker returns the serial delivery queue for key, creating it (and its
// draining goroutine) on first use.
func (l *Loopback) worker(key senderKey) chan func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.workers[key]
	if ok {
		return ch
	}
	ch = make(chan func(), 64)
	l.workers[key] = ch
	go func() {
		for fn := range ch {
			fn()
		}
	}()
	return ch
}

func (l *Loopback) CreateGroup(group GroupID, memberIndex int, orderedMembers []int, blockSize int, algorithm string, cb Callbacks) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[group]
	if !ok {
		g = &groupState{
			orderedMembers: append([]int(nil), orderedMembers...),
			members:        make(map[int]*groupMember),
		}
		l.groups[group] = g
	}
	if g.destroyed {
		return errors.Errorf("group %d already destroyed", group)
	}
	g.members[memberIndex] = &groupMember{memberIndex: memberIndex, cb: cb}

	logger.Debug().
		Int("group", int(group)).
		Int("memberIndex", memberIndex).
		Int("groupSize", len(orderedMembers)).
		Msg("bulk transport group formed")

	return nil
}

func (l *Loopback) Send(group GroupID, senderMemberIndex int, buf []byte, length int) error {
	l.mu.Lock()
	g, ok := l.groups[group]
	if !ok || g.destroyed {
		l.mu.Unlock()
		return errors.Errorf("group %d not formed", group)
	}
	members := make([]*groupMember, 0, len(g.orderedMembers))
	for _, idx := range g.orderedMembers {
		if m, present := g.members[idx]; present {
			members = append(members, m)
		}
	}
	l.mu.Unlock()

	payload := append([]byte(nil), buf[:length]...)

	// Queued onto this sender's worker rather than fired directly: Send must
	// stay non-blocking (the caller may be holding the engine's own state
	// mutex), but the fan-out for this call must finish before the next
	// queued call from the same sender starts, or two sends could deliver to
	// the same peer out of order.
	ch := l.worker(senderKey{group: group, sender: senderMemberIndex})
	ch <- func() {
		var wg sync.WaitGroup
		for _, m := range members {
			m := m
			wg.Add(1)
			go func() {
				defer wg.Done()
				if m.memberIndex == senderMemberIndex {
					// The sender already owns buf via current_sends, so
					// receive_destination is skipped (spec §4.3) and
					// on_complete runs directly against the send buffer.
					m.cb.OnComplete(senderMemberIndex, buf, length)
					return
				}
				dest := m.cb.ReceiveDestination(senderMemberIndex, length)
				copy(dest, payload)
				m.cb.OnComplete(senderMemberIndex, dest, length)
			}()
		}
		wg.Wait()
	}

	return nil
}

func (l *Loopback) DestroyGroup(group GroupID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	g, ok := l.groups[group]
	if !ok {
		// Destroying a group nobody here ever joined is a no-op (spec §9).
		return nil
	}
	g.destroyed = true
	delete(l.groups, group)
	return nil
}
