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

// GetSendBufferPtr reserves the next per-sender buffer for subgroup (spec
// §4.1): it stamps the header, reserves the next per-sender index (without
// yet committing it — a second call before Send overwrites the reservation,
// releasing the first buffer back to the pool) and returns the payload
// region of the buffer for the caller to fill in place.
//
// It returns ErrNotReady, ErrOversizePayload or ErrBackpressure rather
// than ok=false, since the caller needs to tell these apart to decide
// whether retrying later makes sense.
func (e *Engine) GetSendBufferPtr(subgroup int, payloadSize int, pauseSendingTurns uint32, cooked bool) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wedged {
		return nil, ErrWedged
	}

	sg, err := e.subgroup(subgroup)
	if err != nil {
		return nil, err
	}
	if !sg.groupFormed {
		return nil, ErrNotReady
	}

	totalSize := payloadSize + config.HeaderSize
	if totalSize > e.cfg.MaxMsgSize() {
		logger.Warn().
			Int("subgroup", subgroup).
			Int("payloadSize", payloadSize).
			Int("maxMsgSize", e.cfg.MaxMsgSize()).
			Msg("rejected oversize send request")
		return nil, ErrOversizePayload
	}

	if !e.windowSatisfied(sg, sg.nextSenderIndex) {
		return nil, ErrBackpressure
	}

	buf, ok := sg.pool.Acquire()
	if !ok {
		return nil, ErrBackpressure
	}

	// A second reservation before Send overwrites the first: release its
	// buffer back to the pool rather than leaking it (spec §4.1).
	if sg.reservation != nil {
		sg.pool.Release(sg.reservation.Buffer)
	}

	header := message.Header{
		HeaderSize:        config.HeaderSize,
		PauseSendingTurns: pauseSendingTurns,
		CookedSendFlag:    cooked,
	}
	header.Encode(buf)

	sg.reservation = &message.Message{
		SenderRank: sg.shardIndex,
		Index:      sg.nextSenderIndex,
		Size:       totalSize,
		Buffer:     buf,
	}

	return buf[config.HeaderSize:totalSize], nil
}

// Send commits the outstanding reservation for subgroup, enqueuing it for
// the sender thread and advancing the per-sender index by
// pause_sending_turns+1 (spec §4.1, §4.2). It returns ErrNoReservation if
// GetSendBufferPtr was not called first.
func (e *Engine) Send(subgroup int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wedged {
		return ErrWedged
	}

	sg, err := e.subgroup(subgroup)
	if err != nil {
		return err
	}
	if sg.reservation == nil {
		return ErrNoReservation
	}

	header := message.DecodeHeader(sg.reservation.Buffer)

	msg := sg.reservation
	sg.reservation = nil
	sg.pendingSends = append(sg.pendingSends, msg)
	sg.nextSenderIndex += int64(header.PauseSendingTurns) + 1

	e.cond.Broadcast()
	return nil
}
