/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	logger "github.com/rs/zerolog/log"

	"github.com/vsync-labs/vscast/config"
	"github.com/vsync-labs/vscast/membership"
	"github.com/vsync-labs/vscast/message"
	"github.com/vsync-labs/vscast/persist"
	"github.com/vsync-labs/vscast/sst"
	"github.com/vsync-labs/vscast/transport"
)

// SubgroupSpec describes one subgroup the local node participates in: its
// numeric ID, stable for the life of the epoch, and the shard layout the
// membership collaborator computed for it (spec §3, §4.9).
type SubgroupSpec struct {
	ID     int
	Layout membership.ShardLayout
}

// Engine is the core state machine of spec §4: one instance per epoch, built
// fresh by NewEngine or handed off from the previous epoch by
// NewEngineFromOld. All exported methods are safe for concurrent use.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg  config.Config
	self membership.NodeID
	view membership.View

	myRow int
	table *sst.SST

	transport transport.BulkTransport
	callbacks Callbacks

	subgroups map[int]*subgroupState
	order     []int
	lastIdx   int

	groupNumOffset int

	wedged     bool
	senderDead bool // set by senderLoop on a fatal bulk-transport send failure (spec §7)
	shutdownC  chan struct{}
	wg         sync.WaitGroup
}

// BuildSchema derives the shared table's per-subgroup schema from specs: one
// SubgroupSchema per subgroup, sized to the largest shard that subgroup is
// split into. It is a pure function of specs, so every member of an epoch —
// each locating a different shard of the same subgroups — computes the
// identical schema, which is what lets NewSharedTable be built once by
// whichever member calls it first and joined by everyone else.
func BuildSchema(specs []SubgroupSpec) []sst.SubgroupSchema {
	sorted := append([]SubgroupSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	schema := make([]sst.SubgroupSchema, len(sorted))
	for i, spec := range sorted {
		max := 0
		for _, shard := range spec.Layout.Shards {
			if len(shard) > max {
				max = len(shard)
			}
		}
		schema[i] = sst.SubgroupSchema{MaxShardMembers: max}
	}
	return schema
}

// NewSharedTable builds the one table core a whole epoch's engines join:
// one row per member of view, columns sized by BuildSchema(specs). The
// caller passes the returned view to whichever member is at view index 0
// via NewEngine, and every other member's engine gets its own view by
// calling table.Join(view.IndexOf(self)) first (spec's Open Questions: the
// real SST is global across the process group, one row per epoch member).
func NewSharedTable(view membership.View, specs []SubgroupSpec) (*sst.SST, error) {
	table, err := sst.New(view.NumMembers(), BuildSchema(specs), 0, view.Vid)
	if err != nil {
		return nil, errors.WithMessage(err, "could not construct shared state table")
	}
	return table, nil
}

// NewEngine constructs a fresh engine for a brand-new epoch: no prior state
// to carry forward (spec §4.9 covers the handoff case separately via
// NewEngineFromOld). table must already be joined to self's row index in
// view (see NewSharedTable) and must not be shared with an engine from a
// different epoch.
func NewEngine(cfg config.Config, view membership.View, self membership.NodeID, specs []SubgroupSpec, table *sst.SST, tr transport.BulkTransport, callbacks Callbacks) (*Engine, error) {
	return newEngine(cfg, view, self, specs, table, tr, callbacks, 0)
}

func newEngine(cfg config.Config, view membership.View, self membership.NodeID, specs []SubgroupSpec, table *sst.SST, tr transport.BulkTransport, callbacks Callbacks, groupNumOffset int) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid engine configuration")
	}
	if len(specs) == 0 {
		return nil, errors.New("engine requires at least one subgroup")
	}

	myRow := view.IndexOf(self)
	if myRow < 0 {
		return nil, errors.New("local node is not a member of the view")
	}
	if table.MyRank() != myRow {
		return nil, errors.Errorf("shared table is joined at rank %d but local node's view index is %d", table.MyRank(), myRow)
	}

	sorted := append([]SubgroupSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	type built struct {
		spec    SubgroupSpec
		pos     membership.ShardPosition
		members []membership.NodeID
		rows    []int
	}
	prepared := make([]built, 0, len(sorted))

	for _, spec := range sorted {
		pos, ok := spec.Layout.Locate(self)
		if !ok {
			return nil, errors.WithMessagef(ErrNotShardMember, "subgroup %d", spec.ID)
		}
		members := spec.Layout.Shards[pos.ShardNumber]
		rows := make([]int, len(members))
		for i, m := range members {
			row := view.IndexOf(m)
			if row < 0 {
				return nil, errors.Errorf("subgroup %d shard member is not in the view", spec.ID)
			}
			rows[i] = row
		}
		prepared = append(prepared, built{spec: spec, pos: pos, members: members, rows: rows})
	}

	schema := BuildSchema(sorted)
	baseOffsets := make([]int, len(prepared))
	offset := 0
	for i := range prepared {
		baseOffsets[i] = offset
		offset += schema[i].MaxShardMembers
	}

	e := &Engine{
		cfg:            cfg,
		self:           self,
		view:           view,
		myRow:          myRow,
		table:          table,
		transport:      tr,
		callbacks:      callbacks,
		subgroups:      make(map[int]*subgroupState, len(prepared)),
		order:          make([]int, 0, len(prepared)),
		groupNumOffset: groupNumOffset,
		shutdownC:      make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	for i, b := range prepared {
		capacity := cfg.WindowSize * len(b.members)
		pool := message.NewPool(capacity, cfg.MaxMsgSize())
		sg := newSubgroupState(b.spec.ID, i, baseOffsets[i], b.pos, b.members, b.rows, pool)
		sg.groupID = transport.GroupID(groupNumOffset + b.spec.ID)

		if cfg.PersistenceEnabled() {
			dir := filepath.Join(cfg.PersistenceFilename, fmt.Sprintf("subgroup-%d", b.spec.ID))
			w, err := persist.Open(dir, e.makeOnWritten(b.spec.ID))
			if err != nil {
				return nil, errors.WithMessagef(err, "could not open persistence writer for subgroup %d", b.spec.ID)
			}
			sg.persistWriter = w
		}

		e.subgroups[b.spec.ID] = sg
		e.order = append(e.order, b.spec.ID)

		orderedMembers := make([]int, len(b.members))
		for i := range orderedMembers {
			orderedMembers[i] = i
		}
		err := tr.CreateGroup(sg.groupID, sg.shardIndex, orderedMembers, cfg.BlockSize, cfg.Algorithm, transport.Callbacks{
			ReceiveDestination: e.makeReceiveDestination(sg),
			OnComplete:         e.makeOnComplete(sg),
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "could not form bulk transport group for subgroup %d", b.spec.ID)
		}
		sg.groupFormed = true

		e.registerPredicates(sg)
	}

	e.wg.Add(2)
	go e.senderLoop()
	go e.heartbeatLoop()

	logger.Info().
		Int64("vid", view.Vid).
		Int("numSubgroups", len(prepared)).
		Int("numRows", view.NumMembers()).
		Msg("engine started")

	return e, nil
}

// Wedge stops the engine: predicates are removed, bulk-transport groups are
// destroyed, and the sender and heartbeat threads are joined. Wedge is
// idempotent; calling it twice is a no-op the second time (spec §4.9).
func (e *Engine) Wedge() {
	e.mu.Lock()
	if e.wedged {
		e.mu.Unlock()
		return
	}
	e.wedged = true
	close(e.shutdownC)
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	for _, sg := range e.subgroups {
		e.table.RemovePredicate(sg.stablePred)
		e.table.RemovePredicate(sg.deliveryPred)
		e.table.RemovePredicate(sg.windowPred)
		if sg.groupFormed {
			if err := e.transport.DestroyGroup(sg.groupID); err != nil {
				logger.Error().Err(err).Int("subgroup", sg.id).Msg("error destroying bulk transport group")
			}
			sg.groupFormed = false
		}
		// Closing here happens before NewEngineFromOld reads the
		// non_persistent_messages entries it hands off across a view change
		// (spec §4.9): it calls Wedge() before copying sg.nonPersistent. The
		// map itself lives in subgroupState independent of the underlying WAL
		// file handle, so closing here cannot drop anything the handoff still
		// needs.
		if sg.persistWriter != nil {
			if err := sg.persistWriter.Close(); err != nil {
				logger.Error().Err(err).Int("subgroup", sg.id).Msg("error closing persistence writer")
			}
		}
	}
	e.mu.Unlock()

	e.table.Close()

	logger.Info().Int64("vid", e.view.Vid).Msg("engine wedged")
}

func (e *Engine) subgroup(id int) (*subgroupState, error) {
	sg, ok := e.subgroups[id]
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownSubgroup, "subgroup %d", id)
	}
	return sg, nil
}

// windowSatisfied reports whether every shard peer of sg has caught up far
// enough for the sender to be allowed to reserve/dispatch the message at
// per-sender index. It gates on persisted_num instead of delivered_num when
// persistence is enabled (spec §4.1(c), §4.2, §4.6).
func (e *Engine) windowSatisfied(sg *subgroupState, index int64) bool {
	threshold := (index - int64(e.cfg.WindowSize)) * int64(sg.shardSize)
	usePersisted := e.cfg.PersistenceEnabled()
	for shardIdx, row := range sg.shardMemberRows {
		required := threshold + int64(shardIdx)
		peer := e.table.Row(row)
		val := peer.DeliveredNum[sg.schemaIdx]
		if usePersisted {
			val = peer.PersistedNum[sg.schemaIdx]
		}
		if val < required {
			return false
		}
	}
	return true
}

func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// heartbeatLoop toggles this row's heartbeat flag on a fixed period (spec
// §4.7), giving peers a liveness signal independent of message traffic, and
// tops up a null keep-alive send for any subgroup this row has gone idle on
// (see enqueueNullSend).
func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Duration(e.cfg.TimeoutMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.shutdownC:
			return
		case <-ticker.C:
			e.table.Mutate(func(r *sst.Row) {
				r.Heartbeat = !r.Heartbeat
			})

			e.mu.Lock()
			for _, sg := range e.subgroups {
				e.enqueueNullSend(sg)
			}
			e.mu.Unlock()
		}
	}
}
