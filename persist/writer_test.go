/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package persist_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vsync-labs/vscast/persist"
)

func TestWALWriteInvokesOnWrittenAsync(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	written := map[int64][]byte{}
	done := make(chan int64, 8)

	w, err := persist.Open(filepath.Join(dir, "wal"), func(e persist.Entry) {
		mu.Lock()
		written[e.Seq] = e.Payload
		mu.Unlock()
		done <- e.Seq
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteMessage(persist.Entry{Subgroup: 0, Seq: 3, Payload: []byte("x")}))
	require.NoError(t, w.WriteMessage(persist.Entry{Subgroup: 0, Seq: 6, Payload: []byte("y")}))

	seen := map[int64]bool{}
	for len(seen) < 2 {
		select {
		case seq := <-done:
			seen[seq] = true
		case <-time.After(time.Second):
			t.Fatal("persistence completion never fired")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("x"), written[3])
	require.Equal(t, []byte("y"), written[6])
}
