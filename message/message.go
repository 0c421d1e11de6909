/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package message defines the wire header and in-flight message record used
// by the vscast core (spec §3), and a per-subgroup pool of fixed-capacity
// buffers recycled on delivery.
package message

import (
	"encoding/binary"

	"github.com/vsync-labs/vscast/config"
)

// Header is the fixed-size prefix of every payload buffer (spec §3). It is
// encoded with encoding/binary rather than a generated schema: see
// SPEC_FULL.md's DOMAIN STACK note on why protobuf was not wired in for it.
type Header struct {
	HeaderSize        uint32
	PauseSendingTurns uint32
	CookedSendFlag    bool

	// NullSend marks a keep-alive message the engine generated on behalf of a
	// shard member with nothing of its own to send (spec §4.3's stability
	// rule needs every shard slot to keep advancing, or a permanently silent
	// member blocks its peers). It is delivered like any other message --
	// consuming a real sequence number and a real round trip -- but the
	// delivery upcall skips it.
	NullSend bool
}

// Encode writes the header into the first config.HeaderSize bytes of buf.
func (h Header) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.HeaderSize)
	binary.BigEndian.PutUint32(buf[4:8], h.PauseSendingTurns)
	if h.CookedSendFlag {
		buf[8] = 1
	} else {
		buf[8] = 0
	}
	if h.NullSend {
		buf[9] = 1
	} else {
		buf[9] = 0
	}
}

// DecodeHeader reads a Header from the first config.HeaderSize bytes of buf.
func DecodeHeader(buf []byte) Header {
	return Header{
		HeaderSize:        binary.BigEndian.Uint32(buf[0:4]),
		PauseSendingTurns: binary.BigEndian.Uint32(buf[4:8]),
		CookedSendFlag:    buf[8] != 0,
		NullSend:          buf[9] != 0,
	}
}

// Message is one slot in the send/receive pipeline (spec §3): the sender's
// shard-local rank, its per-sender index, the total wire size (header +
// payload) and the backing buffer. Buffers are drawn from a per-subgroup free
// list, held exclusively while the message is in flight, and returned to the
// pool on delivery (or on persistence completion when persistence is on).
type Message struct {
	SenderRank int
	Index      int64
	Size       int
	Buffer     []byte

	// Placeholder marks a synthetic entry inserted for a skipped pause turn
	// (spec §4.3): it occupies a sequence number but was never sent, carries
	// no buffer, and is skipped by the delivery upcall (spec §4.5) though it
	// still advances delivered_num. A genuine zero-payload send is not a
	// placeholder: it has Placeholder == false and is delivered normally.
	Placeholder bool
}

// Seq computes the total sequence number of a message from a shard of size
// shardSize, per spec §3: seq = index*shardSize + senderRank.
func (m Message) Seq(shardSize int) int64 {
	return m.Index*int64(shardSize) + int64(m.SenderRank)
}

// Payload returns the portion of the buffer past the header.
func (m Message) Payload() []byte {
	if len(m.Buffer) < config.HeaderSize {
		return nil
	}
	return m.Buffer[config.HeaderSize:m.Size]
}

// IsPlaceholder reports whether m is a pause-turn placeholder (spec §4.3,
// §4.5).
func (m Message) IsPlaceholder() bool {
	return m.Placeholder
}
