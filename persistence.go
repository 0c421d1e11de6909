/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast

import (
	"github.com/vsync-labs/vscast/persist"
	"github.com/vsync-labs/vscast/sst"
)

// makeOnWritten returns the completion upcall handed to persist.Open for
// subgroupID (spec §4.8): once an entry is durable, its parked message
// buffer is released and persisted_num is published, which in turn lets
// windowCreditAction and the delivered/persisted window check in
// windowSatisfied advance.
func (e *Engine) makeOnWritten(subgroupID int) persist.OnWrittenFunc {
	return func(entry persist.Entry) {
		e.mu.Lock()
		defer e.mu.Unlock()

		sg, err := e.subgroup(subgroupID)
		if err != nil {
			return
		}

		msg, ok := sg.nonPersistent[entry.Seq]
		if !ok {
			return
		}
		delete(sg.nonPersistent, entry.Seq)
		if msg.Buffer != nil {
			// Entries carried across a view-change handoff (spec §4.9) have
			// no buffer of their own epoch's pool to return.
			sg.pool.Release(msg.Buffer)
		}

		e.table.Mutate(func(r *sst.Row) {
			if entry.Seq > r.PersistedNum[sg.schemaIdx] {
				r.PersistedNum[sg.schemaIdx] = entry.Seq
			}
		})

		e.cond.Broadcast()
	}
}
