/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package membership holds the ordered member list of an epoch and derives
// the subgroup/shard layout from it (spec §3, Data model). The view manager
// collaborator is expected to supply this; the engine only consumes it.
package membership

import (
	"github.com/pkg/errors"
)

// NodeID identifies a member for the lifetime of a single epoch. Node
// identities are not required to be stable across epochs.
type NodeID uint64

// View is the ordered member list of one epoch. Member index is position in
// this list, and each member owns exactly one SST row at that index.
type View struct {
	// Vid is the epoch identifier carried in every SST row (spec §3).
	Vid int64

	// Members is the ordered list of node identifiers for this epoch.
	Members []NodeID
}

// IndexOf returns the member index of id in the view, or -1 if absent.
func (v View) IndexOf(id NodeID) int {
	for i, m := range v.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// NumMembers returns the size of the view.
func (v View) NumMembers() int {
	return len(v.Members)
}

// ShardLayout is a subgroup's partition into shards: an ordered list of
// member node IDs per shard. The layout is a pure function of the View and
// the SubgroupInfo supplied by the view manager (spec §3).
type ShardLayout struct {
	Shards [][]NodeID
}

// SubgroupInfo describes how one subgroup is carved into shards, as supplied
// by the membership/view-management collaborator at epoch-construction time.
// NumShards partitions Members into that many contiguous, evenly-sized
// shards; the last shard absorbs any remainder members.
type SubgroupInfo struct {
	// Members is the ordered list of node IDs assigned to this subgroup, a
	// sub-sequence of the enclosing View's Members.
	Members []NodeID

	// NumShards is the number of shards this subgroup is split into.
	NumShards int
}

// BuildShardLayout partitions info.Members into info.NumShards contiguous
// shards. Node identities never move between shards once assigned within an
// epoch; the layout is recomputed fresh at every view change (spec §4.9).
func BuildShardLayout(info SubgroupInfo) (ShardLayout, error) {
	if info.NumShards <= 0 {
		return ShardLayout{}, errors.New("subgroup must have at least one shard")
	}
	if len(info.Members) < info.NumShards {
		return ShardLayout{}, errors.Errorf(
			"subgroup has %d members but requests %d shards", len(info.Members), info.NumShards)
	}

	base := len(info.Members) / info.NumShards
	extra := len(info.Members) % info.NumShards

	shards := make([][]NodeID, info.NumShards)
	offset := 0
	for i := 0; i < info.NumShards; i++ {
		size := base
		if i == info.NumShards-1 {
			size += extra
		}
		shards[i] = append([]NodeID(nil), info.Members[offset:offset+size]...)
		offset += size
	}

	return ShardLayout{Shards: shards}, nil
}

// ShardPosition is the (shard_number, shard_index) pair a node learns for a
// subgroup it belongs to (spec §3).
type ShardPosition struct {
	ShardNumber int
	ShardIndex  int
}

// Locate finds self's position within the layout, or ok=false if self is not
// a member of any shard in this subgroup.
func (l ShardLayout) Locate(self NodeID) (ShardPosition, bool) {
	for shardNum, members := range l.Shards {
		for idx, m := range members {
			if m == self {
				return ShardPosition{ShardNumber: shardNum, ShardIndex: idx}, true
			}
		}
	}
	return ShardPosition{}, false
}

// ShardSize returns the number of members of the given shard.
func (l ShardLayout) ShardSize(shardNumber int) int {
	return len(l.Shards[shardNumber])
}
