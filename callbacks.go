/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import "github.com/vsync-labs/vscast/membership"

// GlobalStabilityCallback is the raw-send delivery upcall (spec §4.5): it
// fires once for every non-cooked, non-placeholder message once it becomes
// globally stable and its turn to deliver arrives, in total order.
type GlobalStabilityCallback func(subgroup int, senderRank int, index int64, payload []byte)

// RPCCallback is the cooked-send delivery upcall (spec §4.5): the same
// ordering guarantee as GlobalStabilityCallback, but for messages whose
// header carries the cooked_send_flag, identified by the sender's node ID
// rather than its raw shard-local rank.
type RPCCallback func(subgroup int, sender membership.NodeID, payload []byte)

// Callbacks bundles the two delivery upcalls an application registers with
// an Engine. Either may be nil if the application never uses that path.
type Callbacks struct {
	GlobalStability GlobalStabilityCallback
	RPC             RPCCallback
}
