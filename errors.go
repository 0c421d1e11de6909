/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import "github.com/pkg/errors"

// Sentinel errors returned by the producer interface (spec §4.1, §7). None of
// these are fatal to the engine: a caller sees them as ordinary backpressure
// or misuse, never as a reason to tear the process down.
var (
	// ErrWedged is returned by any call made after the engine has been
	// wedged, either explicitly or as part of a view-change handoff.
	ErrWedged = errors.New("engine is wedged")

	// ErrNotReady is returned when a subgroup's bulk-transport group has not
	// finished forming yet.
	ErrNotReady = errors.New("bulk transport group not yet formed")

	// ErrBackpressure is returned by GetSendBufferPtr when the free list is
	// empty or the window is saturated (spec §4.1(c), (d)).
	ErrBackpressure = errors.New("send window saturated")

	// ErrOversizePayload is returned when a requested payload plus header
	// would exceed the configured max_msg_size (spec §4.1(b)).
	ErrOversizePayload = errors.New("payload exceeds max message size")

	// ErrNoReservation is returned by Send when the caller has no
	// outstanding buffer reservation for the subgroup.
	ErrNoReservation = errors.New("no outstanding send-buffer reservation")

	// ErrUnknownSubgroup is returned when a subgroup ID is not one the
	// engine was constructed with.
	ErrUnknownSubgroup = errors.New("unknown subgroup")

	// ErrNotShardMember is returned when the local node does not belong to
	// any shard of the named subgroup in the current epoch.
	ErrNotShardMember = errors.New("local node is not a member of this subgroup")
)
