/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import (
	logger "github.com/rs/zerolog/log"

	"github.com/vsync-labs/vscast/message"
)

// makeReceiveDestination returns the receive_destination upcall registered
// with the bulk transport for sg (spec §4.3). It is never invoked for this
// node's own sends: the transport contract skips it for the sender.
func (e *Engine) makeReceiveDestination(sg *subgroupState) func(int, int) []byte {
	return func(senderMemberIndex, length int) []byte {
		e.mu.Lock()
		defer e.mu.Unlock()

		buf, ok := sg.pool.Acquire()
		if !ok {
			// The buffer-conservation invariant (spec §8) says this should
			// never happen; fall back to an ad-hoc allocation rather than
			// drop the incoming message.
			logger.Error().Int("subgroup", sg.id).Msg("receive buffer pool exhausted, allocating ad-hoc buffer")
			buf = make([]byte, sg.pool.MsgSize())
		}

		offset := sg.numReceivedOffset(senderMemberIndex)
		ownRow := e.table.MyRow()
		tentativeIndex := ownRow.NumReceived[offset] + 1
		tentativeSeq := tentativeIndex*int64(sg.shardSize) + int64(senderMemberIndex)

		sg.currentReceives[tentativeSeq] = &message.Message{
			SenderRank: senderMemberIndex,
			Index:      tentativeIndex,
			Buffer:     buf,
		}

		return buf
	}
}

// makeOnComplete returns the on_complete upcall registered with the bulk
// transport for sg (spec §4.3): it runs for both the sender's own message
// and every peer's, disambiguated by buffer identity.
func (e *Engine) makeOnComplete(sg *subgroupState) func(int, []byte, int) {
	return func(senderMemberIndex int, buf []byte, length int) {
		e.mu.Lock()
		defer e.mu.Unlock()

		header := message.DecodeHeader(buf)

		var msg *message.Message
		var tentativeSeq int64

		if senderMemberIndex == sg.shardIndex && sg.currentSend != nil && sameBuffer(buf, sg.currentSend.Buffer) {
			msg = sg.currentSend
			sg.currentSend = nil
		} else {
			for seq, m := range sg.currentReceives {
				if sameBuffer(m.Buffer, buf) {
					msg = m
					tentativeSeq = seq
					break
				}
			}
			if msg == nil {
				logger.Error().Int("subgroup", sg.id).Int("sender", senderMemberIndex).Msg("on_complete for unrecognized buffer")
				return
			}
			delete(sg.currentReceives, tentativeSeq)
		}

		msg.Size = length
		seq := msg.Seq(sg.shardSize)
		sg.locallyStable[seq] = msg

		finalIndex := msg.Index
		for t := uint32(1); t <= header.PauseSendingTurns; t++ {
			placeholderIndex := msg.Index + int64(t)
			placeholderSeq := placeholderIndex*int64(sg.shardSize) + int64(senderMemberIndex)
			sg.locallyStable[placeholderSeq] = &message.Message{
				SenderRank:  senderMemberIndex,
				Index:       placeholderIndex,
				Placeholder: true,
			}
			finalIndex = placeholderIndex
		}

		candidateSeq := e.recomputeSeqNum(sg, senderMemberIndex, finalIndex)
		offset := sg.numReceivedOffset(senderMemberIndex)
		e.table.AdvanceReceive(sg.schemaIdx, offset, candidateSeq, finalIndex)

		e.cond.Broadcast()
	}
}

// recomputeSeqNum computes the candidate new seq_num for this row after
// overriding sender's NumReceived slot with newIndex, per spec §4.3: the
// minimum over every shard slot's num_received, plus one, reinterleaved by
// the slot achieving that minimum.
func (e *Engine) recomputeSeqNum(sg *subgroupState, sender int, newIndex int64) int64 {
	ownRow := e.table.MyRow()

	min := int64(-1)
	argmin := 0
	for shardIdx := 0; shardIdx < sg.shardSize; shardIdx++ {
		val := ownRow.NumReceived[sg.baseOffset+shardIdx]
		if shardIdx == sender {
			val = newIndex
		}
		if shardIdx == 0 || val < min {
			min = val
			argmin = shardIdx
		}
	}

	return (min+1)*int64(sg.shardSize) + int64(argmin) - 1
}
