/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sst_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vsync-labs/vscast/sst"
)

func TestNewRowsInitializedToMinusOne(t *testing.T) {
	table, err := sst.New(3, []sst.SubgroupSchema{{MaxShardMembers: 3}}, 0, 7)
	require.NoError(t, err)
	defer table.Close()

	row := table.MyRow()
	require.Equal(t, int64(7), row.Vid)
	require.Equal(t, int64(-1), row.SeqNum[0])
	require.Equal(t, int64(-1), row.StableNum[0])
	require.Equal(t, int64(-1), row.DeliveredNum[0])
	require.Equal(t, int64(-1), row.NumReceived[0])
}

func TestAdvanceReceiveTwoPhase(t *testing.T) {
	table, err := sst.New(3, []sst.SubgroupSchema{{MaxShardMembers: 3}}, 1, 0)
	require.NoError(t, err)
	defer table.Close()

	table.AdvanceReceive(0, 0, 5, 0)
	row := table.Row(1)
	require.Equal(t, int64(5), row.SeqNum[0])
	require.Equal(t, int64(0), row.NumReceived[0])

	// A second advance with a lower seq_num still bumps the high-water mark
	// but must not regress SeqNum.
	table.AdvanceReceive(0, 0, 2, 1)
	row = table.Row(1)
	require.Equal(t, int64(5), row.SeqNum[0])
	require.Equal(t, int64(1), row.NumReceived[0])
}

func TestPredicateFiresOnceWhenNotRecurrent(t *testing.T) {
	table, err := sst.New(1, []sst.SubgroupSchema{{MaxShardMembers: 1}}, 0, 0)
	require.NoError(t, err)
	defer table.Close()

	fired := make(chan struct{}, 8)
	table.InsertPredicate(
		func(s *sst.SST) bool { return s.MyRow().SeqNum[0] >= 0 },
		func(s *sst.SST) { fired <- struct{}{} },
		false,
	)

	table.AdvanceReceive(0, 0, 0, 0)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("predicate never fired")
	}

	// Give the dispatcher a few more ticks; a non-recurrent predicate must
	// not fire a second time.
	time.Sleep(20 * time.Millisecond)
	table.AdvanceReceive(0, 0, 1, 1)
	time.Sleep(20 * time.Millisecond)

	select {
	case <-fired:
		t.Fatal("non-recurrent predicate fired twice")
	default:
	}
}

func TestJoinSharesRowsAcrossViews(t *testing.T) {
	rank0, err := sst.New(2, []sst.SubgroupSchema{{MaxShardMembers: 2}}, 0, 3)
	require.NoError(t, err)
	defer rank0.Close()

	rank1, err := rank0.Join(1)
	require.NoError(t, err)
	defer rank1.Close()

	rank1.AdvanceReceive(0, 0, 9, 4)

	// A write made through rank1's view must be visible to rank0's view of
	// the same row: they share one table core.
	row := rank0.Row(1)
	require.Equal(t, int64(9), row.SeqNum[0])
	require.Equal(t, int64(4), row.NumReceived[0])

	_, err = rank0.Join(5)
	require.Error(t, err)
}

func TestCloseIsReferenceCountedAcrossJoinedViews(t *testing.T) {
	rank0, err := sst.New(2, []sst.SubgroupSchema{{MaxShardMembers: 2}}, 0, 0)
	require.NoError(t, err)

	rank1, err := rank0.Join(1)
	require.NoError(t, err)

	fired := make(chan struct{}, 64)
	rank1.InsertPredicate(
		func(s *sst.SST) bool { return true },
		func(s *sst.SST) { fired <- struct{}{} },
		true,
	)

	rank0.Close()

	// rank1's view is still open: the shared dispatcher must keep running.
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("dispatcher stopped while a joined view was still open")
	}

	rank1.Close()
}

func TestRecurrentPredicateFiresRepeatedly(t *testing.T) {
	table, err := sst.New(1, []sst.SubgroupSchema{{MaxShardMembers: 1}}, 0, 0)
	require.NoError(t, err)
	defer table.Close()

	count := make(chan struct{}, 64)
	table.InsertPredicate(
		func(s *sst.SST) bool { return true },
		func(s *sst.SST) { count <- struct{}{} },
		true,
	)

	seen := 0
	timeout := time.After(time.Second)
loop:
	for seen < 3 {
		select {
		case <-count:
			seen++
		case <-timeout:
			break loop
		}
	}
	require.GreaterOrEqual(t, seen, 3)
}
