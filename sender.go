/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import (
	logger "github.com/rs/zerolog/log"

	"github.com/vsync-labs/vscast/config"
	"github.com/vsync-labs/vscast/message"
)

// senderLoop is the engine's single sender thread (spec §4.2, §5): it wakes
// whenever Send enqueues work or the window opens up, scans subgroups
// round-robin starting after the last one it dispatched from, and dispatches
// at most one ready message per subgroup before re-scanning. It never blocks
// on the network: transport.Send is fire-and-forget.
func (e *Engine) senderLoop() {
	defer e.wg.Done()

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if e.wedged || e.senderDead {
			return
		}

		id, ok := e.findDispatchable()
		if !ok {
			e.cond.Wait()
			continue
		}

		if !e.dispatch(id) {
			e.senderDead = true
			return
		}
	}
}

// findDispatchable returns the ID of the next subgroup with a dispatchable
// pending send, scanning in round-robin order starting just after the last
// subgroup dispatched from (spec §4.2).
func (e *Engine) findDispatchable() (int, bool) {
	n := len(e.order)
	for i := 0; i < n; i++ {
		idx := (e.lastIdx + 1 + i) % n
		id := e.order[idx]
		sg := e.subgroups[id]

		if !sg.groupFormed || sg.currentSend != nil || len(sg.pendingSends) == 0 {
			continue
		}

		msg := sg.pendingSends[0]

		ownRow := e.table.MyRow()
		if ownRow.NumReceived[sg.baseOffset+sg.shardIndex] != msg.Index-1 {
			continue
		}

		if !e.windowSatisfied(sg, msg.Index) {
			continue
		}

		e.lastIdx = idx
		return id, true
	}
	return 0, false
}

// dispatch posts the head-of-line pending send for subgroup id via the bulk
// transport and moves it into current_sends. A transport-send failure is
// fatal to the sender thread (spec §7): it is logged and dispatch reports
// false, which tells senderLoop to exit rather than retry. The message is
// put back at the head of pending_sends so a future view-change handoff
// still carries it forward; this engine itself is done and will be replaced
// at the next view change, not repaired in place.
func (e *Engine) dispatch(id int) bool {
	sg := e.subgroups[id]
	msg := sg.pendingSends[0]
	sg.pendingSends = sg.pendingSends[1:]
	sg.currentSend = msg

	if err := e.transport.Send(sg.groupID, sg.shardIndex, msg.Buffer, msg.Size); err != nil {
		logger.Error().Err(err).Int("subgroup", id).Int64("index", msg.Index).
			Msg("bulk transport send failed, sender thread exiting; engine must be replaced at next view change")
		sg.currentSend = nil
		sg.pendingSends = append([]*message.Message{msg}, sg.pendingSends...)
		return false
	}
	return true
}

// enqueueNullSend queues a zero-payload keep-alive message for sg when this
// row has no application send in flight or pending. Per spec §4.3, a row's
// seq_num is the minimum over every shard slot's num_received, plus one,
// reinterleaved by the slot achieving that minimum; a shard member that
// never advances its own slot permanently pins that minimum, blocking
// stability for every peer past the point the silent member would have
// first participated. Pacing this off the heartbeat tick (see
// heartbeatLoop) keeps every shard slot live without flooding the
// transport. Must be called with e.mu held.
func (e *Engine) enqueueNullSend(sg *subgroupState) {
	if !sg.groupFormed || sg.reservation != nil || sg.currentSend != nil || len(sg.pendingSends) != 0 {
		return
	}
	if !e.windowSatisfied(sg, sg.nextSenderIndex) {
		return
	}
	buf, ok := sg.pool.Acquire()
	if !ok {
		return
	}

	header := message.Header{HeaderSize: config.HeaderSize, NullSend: true}
	header.Encode(buf)

	sg.pendingSends = append(sg.pendingSends, &message.Message{
		SenderRank: sg.shardIndex,
		Index:      sg.nextSenderIndex,
		Size:       config.HeaderSize,
		Buffer:     buf[:config.HeaderSize],
	})
	sg.nextSenderIndex++

	e.cond.Broadcast()
}
