/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import (
	"github.com/vsync-labs/vscast/membership"
	"github.com/vsync-labs/vscast/message"
	"github.com/vsync-labs/vscast/persist"
	"github.com/vsync-labs/vscast/sst"
	"github.com/vsync-labs/vscast/transport"
)

// subgroupState is the local node's per-subgroup pipeline state (spec §3):
// the send/receive queues, the locally-stable set awaiting delivery, and the
// bookkeeping the sender thread and predicates need. Every field is only
// ever touched under the owning Engine's mu.
type subgroupState struct {
	id int

	schemaIdx  int // index into the SST schema / per-subgroup SeqNum,StableNum,... arrays
	baseOffset int // offset of this subgroup's slots in the flat NumReceived array

	shardIndex      int               // this node's shard-local rank
	shardSize       int               // number of members in this node's shard
	shardMembers    []membership.NodeID
	shardMemberRows []int // shard-local index -> row index in the table

	groupID     transport.GroupID
	groupFormed bool

	pool *message.Pool

	currentSend     *message.Message
	currentReceives map[int64]*message.Message // keyed by tentative seq

	pendingSends []*message.Message
	reservation  *message.Message

	locallyStable map[int64]*message.Message
	nonPersistent map[int64]*message.Message

	nextSenderIndex     int64
	windowNextToDeliver int64

	persistWriter persist.Writer

	stablePred   sst.PredicateHandle
	deliveryPred sst.PredicateHandle
	windowPred   sst.PredicateHandle
}

func newSubgroupState(id, schemaIdx, baseOffset int, pos membership.ShardPosition, members []membership.NodeID, rows []int, pool *message.Pool) *subgroupState {
	return &subgroupState{
		id:              id,
		schemaIdx:       schemaIdx,
		baseOffset:      baseOffset,
		shardIndex:      pos.ShardIndex,
		shardSize:       len(members),
		shardMembers:    members,
		shardMemberRows: rows,
		pool:            pool,
		currentReceives: make(map[int64]*message.Message),
		locallyStable:   make(map[int64]*message.Message),
		nonPersistent:   make(map[int64]*message.Message),
	}
}

// numReceivedOffset returns this subgroup's flat NumReceived array offset for
// the shard member at shardIndex.
func (sg *subgroupState) numReceivedOffset(shardIndex int) int {
	return sg.baseOffset + shardIndex
}
