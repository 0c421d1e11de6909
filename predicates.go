/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import (
	logger "github.com/rs/zerolog/log"

	"github.com/vsync-labs/vscast/message"
	"github.com/vsync-labs/vscast/persist"
	"github.com/vsync-labs/vscast/sst"
)

// registerPredicates installs sg's three recurrent SST predicates: stability
// (§4.4), delivery (§4.5) and window/credit (§4.6). All three actions lock
// the engine's state mutex, since each touches queues or maps the SST
// collaborator knows nothing about.
func (e *Engine) registerPredicates(sg *subgroupState) {
	sg.stablePred = e.table.InsertPredicate(
		func(*sst.SST) bool { return true },
		func(*sst.SST) { e.stabilityAction(sg) },
		true,
	)
	sg.deliveryPred = e.table.InsertPredicate(
		func(*sst.SST) bool { return true },
		func(*sst.SST) { e.deliveryAction(sg) },
		true,
	)
	sg.windowPred = e.table.InsertPredicate(
		func(*sst.SST) bool { return true },
		func(*sst.SST) { e.windowCreditAction(sg) },
		true,
	)
}

// stabilityAction recomputes sg's stable_num as the minimum seq_num any
// shard peer has published, and publishes it if it advanced (spec §4.4).
func (e *Engine) stabilityAction(sg *subgroupState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(sg.shardMemberRows) == 0 {
		return
	}

	min := e.table.Row(sg.shardMemberRows[0]).SeqNum[sg.schemaIdx]
	for _, row := range sg.shardMemberRows[1:] {
		v := e.table.Row(row).SeqNum[sg.schemaIdx]
		if v < min {
			min = v
		}
	}

	if min > e.table.MyRow().StableNum[sg.schemaIdx] {
		e.table.Mutate(func(r *sst.Row) {
			if min > r.StableNum[sg.schemaIdx] {
				r.StableNum[sg.schemaIdx] = min
			}
		})
	}
}

// deliveryAction drains every sequence number that is both locally stable
// and globally stable, in order, delivering each to the application via
// whichever upcall its cooked_send_flag selects (spec §4.5). Placeholder
// messages are skipped but still advance delivered_num.
func (e *Engine) deliveryAction(sg *subgroupState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(sg.shardMemberRows) == 0 {
		return
	}

	minStable := e.table.Row(sg.shardMemberRows[0]).StableNum[sg.schemaIdx]
	for _, row := range sg.shardMemberRows[1:] {
		v := e.table.Row(row).StableNum[sg.schemaIdx]
		if v < minStable {
			minStable = v
		}
	}

	for {
		delivered := e.table.MyRow().DeliveredNum[sg.schemaIdx]
		nextSeq := delivered + 1
		if nextSeq > minStable {
			return
		}
		msg, ok := sg.locallyStable[nextSeq]
		if !ok {
			return
		}

		if !msg.IsPlaceholder() {
			e.deliverLocked(sg, msg)
		}

		delete(sg.locallyStable, nextSeq)
		e.table.Mutate(func(r *sst.Row) {
			if nextSeq > r.DeliveredNum[sg.schemaIdx] {
				r.DeliveredNum[sg.schemaIdx] = nextSeq
			}
		})
	}
}

// deliverLocked dispatches msg to the application and either releases its
// buffer immediately or, when persistence is enabled, parks it and hands it
// to the persistence writer. Must be called with e.mu held.
func (e *Engine) deliverLocked(sg *subgroupState, msg *message.Message) {
	header := message.DecodeHeader(msg.Buffer)

	if header.NullSend {
		sg.pool.Release(msg.Buffer)
		if e.cfg.PersistenceEnabled() {
			// Nothing to persist, but persisted_num must still track
			// delivered_num for this slot or the persisted-gated window
			// check in windowSatisfied/windowCreditAction stalls exactly
			// like the un-topped-up num_received slot this send exists to
			// fix. Advance it synchronously rather than round-tripping
			// through the async persistence writer.
			seq := msg.Seq(sg.shardSize)
			e.table.Mutate(func(r *sst.Row) {
				if seq > r.PersistedNum[sg.schemaIdx] {
					r.PersistedNum[sg.schemaIdx] = seq
				}
			})
		}
		return
	}

	payload := msg.Payload()

	if header.CookedSendFlag {
		if e.callbacks.RPC != nil {
			e.callbacks.RPC(sg.id, sg.shardMembers[msg.SenderRank], payload)
		}
	} else {
		if e.callbacks.GlobalStability != nil {
			e.callbacks.GlobalStability(sg.id, msg.SenderRank, msg.Index, payload)
		}
	}

	if !e.cfg.PersistenceEnabled() || sg.persistWriter == nil {
		sg.pool.Release(msg.Buffer)
		return
	}

	seq := msg.Seq(sg.shardSize)
	sg.nonPersistent[seq] = msg
	if err := sg.persistWriter.WriteMessage(persist.Entry{
		Subgroup: sg.id,
		Seq:      seq,
		Payload:  append([]byte(nil), payload...),
	}); err != nil {
		logger.Error().Err(err).Int("subgroup", sg.id).Int64("seq", seq).Msg("persistence write failed")
	}
}

// windowCreditAction advances sg's window_next_to_deliver once every shard
// peer has delivered (and, with persistence on, persisted) the message at
// that round for its own shard slot, then wakes the sender thread (spec
// §4.6). This is deliberately decoupled from deliveryAction so a slow
// persister cannot stall delivery for other subgroups.
func (e *Engine) windowCreditAction(sg *subgroupState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	usePersisted := e.cfg.PersistenceEnabled()

	for {
		advanced := true
		for shardIdx, row := range sg.shardMemberRows {
			required := sg.windowNextToDeliver*int64(sg.shardSize) + int64(shardIdx)
			peer := e.table.Row(row)
			if peer.DeliveredNum[sg.schemaIdx] < required {
				advanced = false
				break
			}
			if usePersisted && peer.PersistedNum[sg.schemaIdx] < required {
				advanced = false
				break
			}
		}
		if !advanced {
			return
		}
		sg.windowNextToDeliver++
		e.cond.Broadcast()
	}
}
