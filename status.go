/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

// SubgroupStatus is a read-only snapshot of one subgroup's pipeline state,
// grounded on the original implementation's per-row debug dumps (see
// SPEC_FULL.md's SUPPLEMENTED FEATURES). It is never consulted by the core
// state machine; it exists for introspection, tests and the demo CLI.
type SubgroupStatus struct {
	SeqNum              int64
	StableNum           int64
	DeliveredNum        int64
	PersistedNum        int64
	FreeBuffers         int
	PendingSends        int
	CurrentSendInFlight bool
}

// Status is a point-in-time snapshot of every subgroup the engine manages.
type Status struct {
	Vid        int64
	SenderDead bool
	Subgroups  map[int]SubgroupStatus
}

// Status returns a snapshot of the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := Status{
		Vid:        e.view.Vid,
		SenderDead: e.senderDead,
		Subgroups:  make(map[int]SubgroupStatus, len(e.subgroups)),
	}

	ownRow := e.table.MyRow()
	for id, sg := range e.subgroups {
		out.Subgroups[id] = SubgroupStatus{
			SeqNum:              ownRow.SeqNum[sg.schemaIdx],
			StableNum:           ownRow.StableNum[sg.schemaIdx],
			DeliveredNum:        ownRow.DeliveredNum[sg.schemaIdx],
			PersistedNum:        ownRow.PersistedNum[sg.schemaIdx],
			FreeBuffers:         sg.pool.Available(),
			PendingSends:        len(sg.pendingSends),
			CurrentSendInFlight: sg.currentSend != nil,
		}
	}

	return out
}
