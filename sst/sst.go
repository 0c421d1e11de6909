/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sst implements the shared-state-table collaborator's contract
// (spec §6): a row per member, single-writer/many-reader, a non-blocking
// Put, and a recurrent predicate registry. A real deployment backs this with
// an RDMA-written table shared across a process group; this in-process
// implementation keeps the same API shape and ordering guarantees (a single
// mutex stands in for "tear-free 64-bit reads" and for the two-phase
// seq_num/num_received publish order of spec §4.3) so the core state
// machine in the vscast package is unaware it isn't talking to the real
// collaborator.
package sst

import (
	"sync"

	"github.com/pkg/errors"
)

// SubgroupSchema fixes how many per-sender num_received slots a subgroup
// reserves in the flat num_received array of every row (spec §3:
// "max_shard_members slots per subgroup").
type SubgroupSchema struct {
	MaxShardMembers int
}

// Row is one member's fixed-schema SST row for the epoch (spec §3). All
// fields default to -1 except Vid (the epoch identifier) and Heartbeat
// (false). NumReceived is flat across
// subgroups; SeqNum/StableNum/DeliveredNum/PersistedNum are indexed by
// subgroup position in the table's Schema.
type Row struct {
	Vid          int64
	NumReceived  []int64
	SeqNum       []int64
	StableNum    []int64
	DeliveredNum []int64
	PersistedNum []int64
	Heartbeat    bool
}

func newRow(schema []SubgroupSchema, vid int64) *Row {
	total := 0
	for _, sg := range schema {
		total += sg.MaxShardMembers
	}
	r := &Row{
		Vid:          vid,
		NumReceived:  make([]int64, total),
		SeqNum:       make([]int64, len(schema)),
		StableNum:    make([]int64, len(schema)),
		DeliveredNum: make([]int64, len(schema)),
		PersistedNum: make([]int64, len(schema)),
	}
	for i := range r.NumReceived {
		r.NumReceived[i] = -1
	}
	for i := range r.SeqNum {
		r.SeqNum[i] = -1
		r.StableNum[i] = -1
		r.DeliveredNum[i] = -1
		r.PersistedNum[i] = -1
	}
	return r
}

// snapshot is a value copy of a Row, returned to readers so they never
// observe a torn write and never hold the table lock.
func (r *Row) snapshot() Row {
	cp := Row{
		Vid:          r.Vid,
		NumReceived:  append([]int64(nil), r.NumReceived...),
		SeqNum:       append([]int64(nil), r.SeqNum...),
		StableNum:    append([]int64(nil), r.StableNum...),
		DeliveredNum: append([]int64(nil), r.DeliveredNum...),
		PersistedNum: append([]int64(nil), r.PersistedNum...),
		Heartbeat:    r.Heartbeat,
	}
	return cp
}

// tableCore is the memory actually shared across every member's view of the
// table: the row storage, the schema and the predicate dispatcher. A real
// deployment shares this via RDMA registration; in-process, every member's
// *SST simply holds a pointer to the same core (spec's Open Questions note
// the real table is global across the whole process group, one row per
// member of the epoch — that is what core models).
type tableCore struct {
	mu     sync.RWMutex
	schema []SubgroupSchema
	rows   []*Row

	dispatcher *dispatcher

	refMu sync.Mutex
	refs  int
}

// SST is one member's view of the epoch's shared state table: a shared core
// plus the row index (myRank) that view is allowed to write. Every member of
// the epoch joins the same core via New/Join so that Mutate calls made
// through one member's view are visible to Row reads made through another's
// — this is what lets stability and delivery predicates observe peers at
// all.
type SST struct {
	core   *tableCore
	myRank int
}

// New builds a brand-new table core with numMembers rows and one
// SubgroupSchema per subgroup in the epoch, and returns the view for
// myRank. Other members join the same epoch via Join.
func New(numMembers int, schema []SubgroupSchema, myRank int, vid int64) (*SST, error) {
	if myRank < 0 || myRank >= numMembers {
		return nil, errors.Errorf("myRank %d out of range [0,%d)", myRank, numMembers)
	}
	core := &tableCore{
		schema: schema,
		rows:   make([]*Row, numMembers),
	}
	for i := range core.rows {
		core.rows[i] = newRow(schema, vid)
	}
	core.refs = 1
	s := &SST{core: core, myRank: myRank}
	core.dispatcher = newDispatcher(s)
	return s, nil
}

// Join returns another member's view onto the same table core, bound to
// rank. Every member of an epoch calls Join (or is the one New call) against
// the one core constructed for that epoch, so that writes made through any
// view are visible to reads made through any other.
func (s *SST) Join(rank int) (*SST, error) {
	if rank < 0 || rank >= len(s.core.rows) {
		return nil, errors.Errorf("rank %d out of range [0,%d)", rank, len(s.core.rows))
	}
	s.core.refMu.Lock()
	s.core.refs++
	s.core.refMu.Unlock()
	return &SST{core: s.core, myRank: rank}, nil
}

// MyRank returns the local node's row index.
func (s *SST) MyRank() int {
	return s.myRank
}

// NumRows returns the number of member rows in the table.
func (s *SST) NumRows() int {
	s.core.mu.RLock()
	defer s.core.mu.RUnlock()
	return len(s.core.rows)
}

// Row returns a point-in-time snapshot of the row at memberIndex. Peers never
// lock the owner's row directly: the snapshot is the tear-free read the SST
// collaborator guarantees.
func (s *SST) Row(memberIndex int) Row {
	s.core.mu.RLock()
	defer s.core.mu.RUnlock()
	return s.core.rows[memberIndex].snapshot()
}

// MyRow returns a snapshot of the local row.
func (s *SST) MyRow() Row {
	return s.Row(s.myRank)
}

// Mutate runs fn against the local row under the table's write lock and then
// wakes the predicate dispatcher. fn must only touch the local row; the SST
// enforces single-writer by construction (spec §5: "the SST row is
// single-writer, many-reader").
//
// This is the Put(peer_indices, offset, size) primitive of spec §6,
// specialized for an in-process table: there is no partial-row wire
// encoding to perform, so every Mutate republishes the whole row, and the
// "peer_indices" parameter of the real contract is implicit (every row is
// visible to every reader already).
func (s *SST) Mutate(fn func(*Row)) {
	s.core.mu.Lock()
	fn(s.core.rows[s.myRank])
	s.core.mu.Unlock()
	s.core.dispatcher.wake()
}

// AdvanceReceive performs the two-phase "publish seq_num then num_received"
// operation of spec §4.3 and the design note in §9: if newSeqNum exceeds the
// row's current SeqNum[subgroupIdx], both fields are written, seq_num first;
// otherwise only the counter advances. Both writes happen inside the same
// Mutate critical section, so no reader can ever observe the counter having
// advanced without the stability it implies. newIndex is the highest
// per-sender index now received at offset (NumReceived tracks a high-water
// mark, not a count, so it is assigned rather than incremented).
func (s *SST) AdvanceReceive(subgroupIdx, offset int, newSeqNum, newIndex int64) {
	s.Mutate(func(r *Row) {
		if newSeqNum > r.SeqNum[subgroupIdx] {
			r.SeqNum[subgroupIdx] = newSeqNum
		}
		r.NumReceived[offset] = newIndex
	})
}

// SyncWithMembers is the one-shot barrier used at row initialization (spec
// §6). In-process, every row already exists the moment New returns, so this
// is a no-op kept for API parity with the external collaborator contract.
func (s *SST) SyncWithMembers() {}

// Close releases this member's view onto the table. The predicate
// dispatcher, shared by every view joined to the same core, only actually
// stops once every view has closed — one member wedging must not silence
// the predicates its shard peers still depend on.
func (s *SST) Close() {
	s.core.refMu.Lock()
	s.core.refs--
	remaining := s.core.refs
	s.core.refMu.Unlock()
	if remaining <= 0 {
		s.core.dispatcher.stop()
	}
}

// InsertPredicate registers guard/action under the predicate-dispatch
// registry (spec §9: "a list of (guard, action, kind) closures driven by a
// background task"). recurrent predicates fire on every dispatch pass in
// which guard is true (so always-true guards fire on every dispatch tick, as
// spec §4.4/§4.5 require); non-recurrent predicates fire at most once and
// are then removed.
func (s *SST) InsertPredicate(guard func(*SST) bool, action func(*SST), recurrent bool) PredicateHandle {
	return s.core.dispatcher.insert(guard, action, recurrent)
}

// RemovePredicate unregisters a previously-inserted predicate. Removing an
// already-removed handle is a no-op.
func (s *SST) RemovePredicate(h PredicateHandle) {
	s.core.dispatcher.remove(h)
}
