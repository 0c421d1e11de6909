/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package vscast implements the core state machine of a virtually
// synchronous, totally-ordered atomic multicast engine: FIFO-per-sender
// buffering, sequence-number interleaving across a shard, stability and
// delivery predicates driven by a shared state table, window/credit flow
// control, optional persistence, and view-change handoff between epochs.
//
// The engine depends on four collaborators it never constructs itself: a
// membership/view-management service (package membership), a shared state
// table (package sst), a bulk-multicast transport (package transport) and,
// optionally, a persistence writer (package persist). It is deliberately
// ignorant of how any of the four are actually implemented.
package vscast
