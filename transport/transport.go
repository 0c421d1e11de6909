/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package transport defines the bulk-multicast collaborator's contract (spec
// §1, §6): a reliable primitive that delivers a posted buffer to every
// group member exactly once. The engine only depends on this interface; the
// real implementation (RDMC-style reliable bulk transfer) is out of scope
// for this spec and is named only by the contract it provides.
package transport

// GroupID names one bulk-transport group. A shard of a subgroup maps to
// exactly one group for the lifetime of an epoch (spec §4.9: group IDs are
// drawn from a per-epoch offset so old and new epochs never collide).
type GroupID int

// ReceiveDestinationFunc allocates a buffer to receive an incoming message of
// the given length from senderMemberIndex and returns it. Never invoked for
// the sender's own message (spec §4.3): the sender already owns its buffer
// via current_sends. The real RDMC contract registers one such callback per
// (subgroup, shard, peer) so a receiver always knows which peer's tree
// delivered the buffer; senderMemberIndex carries that same information here
// without a per-peer closure for every registration.
type ReceiveDestinationFunc func(senderMemberIndex, length int) []byte

// OnCompleteFunc is invoked once the full message is in buf (length bytes
// valid). It runs for every group member, including the sender, and reports
// which member sent it.
type OnCompleteFunc func(senderMemberIndex int, buf []byte, length int)

// OnSendCompleteFunc is invoked on the sending member once the local post
// has been handed off to the network layer. The core does not depend on its
// timing relative to delivery; it exists for transports that want to signal
// local buffer reuse earlier than remote completion.
type OnSendCompleteFunc func()

// Callbacks bundles the three upcalls a member registers for one group.
type Callbacks struct {
	ReceiveDestination ReceiveDestinationFunc
	OnComplete         OnCompleteFunc
	OnSendComplete     OnSendCompleteFunc
}

// BulkTransport is the downward contract of spec §6.
type BulkTransport interface {
	// CreateGroup forms (or joins) the named group for the given ordered
	// member list, registering this member's callbacks. blockSize and
	// algorithm are opaque tuning parameters forwarded to the underlying
	// fan-out. CreateGroup may fail at construction (spec §4.10) when a
	// member is pre-marked failed; callers must treat that as permanent for
	// the epoch, not retry.
	CreateGroup(group GroupID, memberIndex int, orderedMembers []int, blockSize int, algorithm string, cb Callbacks) error

	// Send posts length bytes of buf to every member of group on behalf of
	// senderMemberIndex, including the sender itself (which receives its own
	// OnComplete without going through ReceiveDestination, since it already
	// owns buf via current_sends). Send is non-blocking fire-and-forget from
	// the caller's perspective (spec §5): it returns once the post has been
	// accepted, not once delivery has completed.
	Send(group GroupID, senderMemberIndex int, buf []byte, length int) error

	// DestroyGroup tears the group down. Destroying a group ID that was
	// never created on this member is a no-op (spec §9, Open Questions: the
	// real RDMC contract must behave this way since wedge() destroys a
	// whole numeric range, only some of which the local node ever joined).
	DestroyGroup(group GroupID) error
}
