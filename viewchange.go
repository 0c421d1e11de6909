/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import (
	"sort"

	logger "github.com/rs/zerolog/log"

	"github.com/vsync-labs/vscast/config"
	"github.com/vsync-labs/vscast/membership"
	"github.com/vsync-labs/vscast/message"
	"github.com/vsync-labs/vscast/persist"
	"github.com/vsync-labs/vscast/sst"
	"github.com/vsync-labs/vscast/transport"
)

// resendItem is an own-authored message from the old epoch that has not yet
// been delivered and must be re-enqueued under a freshly-stamped per-sender
// index in the new epoch (spec §4.9).
type resendItem struct {
	payload []byte
	cooked  bool
}

// NewEngineFromOld consumes old by value — old is wedged as the first step —
// and constructs a new engine for the next epoch, re-stamping every
// not-yet-delivered, locally-authored message with a fresh per-sender index
// so FIFO-per-sender order is preserved across the handoff. Peer-authored
// messages that were locally stable but undelivered are discarded: the peer,
// if still alive, will retransmit under the new view (spec §4.9). table must
// already be joined to self's row index in the new view (see
// NewSharedTable), a fresh core for the new epoch — never the old engine's
// table, whose dispatcher is being torn down by old.Wedge().
func NewEngineFromOld(old *Engine, cfg config.Config, view membership.View, self membership.NodeID, specs []SubgroupSpec, table *sst.SST, tr transport.BulkTransport, callbacks Callbacks) (*Engine, error) {
	// old.Wedge() closes every subgroup's persistence writer as part of
	// teardown, before sg.nonPersistent is read below; that map lives in
	// subgroupState independent of the underlying WAL file handle, so the
	// close cannot drop anything the copy loop below still needs. Without
	// this, a view change that keeps the same PersistenceFilename would open
	// a second *wal.Log against the same directory while the old one was
	// still open.
	old.Wedge()

	old.mu.Lock()
	resends := make(map[int][]resendItem, len(old.subgroups))
	parked := make(map[int][]persist.Entry, len(old.subgroups))

	for id, sg := range old.subgroups {
		var items []resendItem

		seqs := make([]int64, 0, len(sg.locallyStable))
		for seq := range sg.locallyStable {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			msg := sg.locallyStable[seq]
			if msg.Placeholder || msg.SenderRank != sg.shardIndex {
				continue
			}
			if message.DecodeHeader(msg.Buffer).NullSend {
				continue
			}
			items = append(items, resendItem{
				payload: append([]byte(nil), msg.Payload()...),
				cooked:  message.DecodeHeader(msg.Buffer).CookedSendFlag,
			})
		}

		// A null send is a liveness keep-alive, never application data; the
		// new epoch's own heartbeatLoop will top up its shard slots as
		// needed, so one in flight or still queued at handoff is dropped
		// rather than resent as a (now indistinguishable) empty real send.
		if sg.currentSend != nil && !message.DecodeHeader(sg.currentSend.Buffer).NullSend {
			msg := sg.currentSend
			items = append(items, resendItem{
				payload: append([]byte(nil), msg.Payload()...),
				cooked:  message.DecodeHeader(msg.Buffer).CookedSendFlag,
			})
		}
		for _, msg := range sg.pendingSends {
			if message.DecodeHeader(msg.Buffer).NullSend {
				continue
			}
			items = append(items, resendItem{
				payload: append([]byte(nil), msg.Payload()...),
				cooked:  message.DecodeHeader(msg.Buffer).CookedSendFlag,
			})
		}
		if sg.reservation != nil {
			msg := sg.reservation
			items = append(items, resendItem{
				payload: append([]byte(nil), msg.Payload()...),
				cooked:  message.DecodeHeader(msg.Buffer).CookedSendFlag,
			})
		}
		resends[id] = items

		for seq, msg := range sg.nonPersistent {
			parked[id] = append(parked[id], persist.Entry{
				Subgroup: id,
				Seq:      seq,
				Payload:  append([]byte(nil), msg.Payload()...),
			})
		}
	}
	groupNumOffset := old.groupNumOffset + old.view.NumMembers()
	old.mu.Unlock()

	newEng, err := newEngine(cfg, view, self, specs, table, tr, callbacks, groupNumOffset)
	if err != nil {
		return nil, err
	}

	newEng.mu.Lock()
	for id, items := range resends {
		sg, ok := newEng.subgroups[id]
		if !ok {
			if len(items) > 0 {
				logger.Warn().Int("subgroup", id).Int("dropped", len(items)).
					Msg("subgroup absent from new epoch, discarding undelivered own sends")
			}
			continue
		}
		for _, it := range items {
			buf, ok := sg.pool.Acquire()
			if !ok {
				logger.Error().Int("subgroup", id).Msg("pool exhausted while re-enqueuing carried-over send, message dropped")
				continue
			}
			total := config.HeaderSize + len(it.payload)
			header := message.Header{HeaderSize: config.HeaderSize, CookedSendFlag: it.cooked}
			header.Encode(buf)
			copy(buf[config.HeaderSize:total], it.payload)

			sg.pendingSends = append(sg.pendingSends, &message.Message{
				SenderRank: sg.shardIndex,
				Index:      sg.nextSenderIndex,
				Size:       total,
				Buffer:     buf[:total],
			})
			sg.nextSenderIndex++
		}
	}

	for id, entries := range parked {
		sg, ok := newEng.subgroups[id]
		if !ok || sg.persistWriter == nil {
			continue
		}
		for _, e := range entries {
			sg.nonPersistent[e.Seq] = &message.Message{Size: config.HeaderSize + len(e.Payload)}
			if err := sg.persistWriter.WriteMessage(e); err != nil {
				logger.Error().Err(err).Int("subgroup", id).Int64("seq", e.Seq).Msg("could not carry over pending persistence entry")
			}
		}
	}
	newEng.mu.Unlock()

	newEng.cond.Broadcast()

	logger.Info().Int64("oldVid", old.view.Vid).Int64("newVid", view.Vid).Msg("view-change handoff complete")

	return newEng, nil
}
