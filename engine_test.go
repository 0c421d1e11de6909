/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package vscast_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vsync-labs/vscast"
	"github.com/vsync-labs/vscast/config"
	"github.com/vsync-labs/vscast/membership"
	"github.com/vsync-labs/vscast/transport"
)

const sgID = 0

// delivery is one observed upcall, recorded by a harness's shared callbacks.
type delivery struct {
	receiver   membership.NodeID
	senderRank int
	index      int64
	cooked     bool
	payload    string
}

// harness wires up a shard of engines over a shared loopback transport and
// shared state table, mirroring cmd/vscast-demo/main.go's wiring, and
// records every delivery for assertions.
type harness struct {
	view    membership.View
	specs   []vscast.SubgroupSpec
	engines map[membership.NodeID]*vscast.Engine

	mu         sync.Mutex
	deliveries []delivery
}

func (h *harness) deliveriesFor(m membership.NodeID) []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []delivery
	for _, d := range h.deliveries {
		if d.receiver == m {
			out = append(out, d)
		}
	}
	return out
}

func defaultTestConfig(windowSize int) config.Config {
	return testConfig(windowSize, 5)
}

func testConfig(windowSize, timeoutMS int) config.Config {
	return config.Config{
		MaxPayloadSize: 256,
		BlockSize:      16,
		WindowSize:     windowSize,
		TimeoutMS:      timeoutMS,
		Algorithm:      "binomial",
	}
}

// newHarness builds one engine per member of view, every shard member
// sharing one vscast.NewSharedTable core, all wired to the same
// transport.Loopback (spec §6's collaborators).
func newHarness(members []membership.NodeID, layout membership.ShardLayout, cfg config.Config) *harness {
	view := membership.View{Vid: 1, Members: members}
	specs := []vscast.SubgroupSpec{{ID: sgID, Layout: layout}}

	sharedTable, err := vscast.NewSharedTable(view, specs)
	Expect(err).NotTo(HaveOccurred())

	lb := transport.NewLoopback()

	h := &harness{view: view, specs: specs, engines: make(map[membership.NodeID]*vscast.Engine, len(members))}

	for _, self := range members {
		self := self

		table := sharedTable
		if view.IndexOf(self) != 0 {
			joined, err := sharedTable.Join(view.IndexOf(self))
			Expect(err).NotTo(HaveOccurred())
			table = joined
		}

		callbacks := vscast.Callbacks{
			GlobalStability: func(subgroup int, senderRank int, index int64, payload []byte) {
				h.mu.Lock()
				h.deliveries = append(h.deliveries, delivery{
					receiver: self, senderRank: senderRank, index: index, payload: string(payload),
				})
				h.mu.Unlock()
			},
			RPC: func(subgroup int, sender membership.NodeID, payload []byte) {
				h.mu.Lock()
				h.deliveries = append(h.deliveries, delivery{
					receiver: self, cooked: true, payload: string(payload),
				})
				h.mu.Unlock()
			},
		}

		e, err := vscast.NewEngine(cfg, view, self, specs, table, lb, callbacks)
		Expect(err).NotTo(HaveOccurred())
		h.engines[self] = e
	}

	return h
}

func (h *harness) wedgeAll() {
	for _, e := range h.engines {
		e.Wedge()
	}
}

// sendBlocking retries GetSendBufferPtr until the window opens, copies
// payload in, and commits the send.
func sendBlocking(e *vscast.Engine, payload string, pauseSendingTurns uint32, cooked bool) {
	for {
		buf, err := e.GetSendBufferPtr(sgID, len(payload), pauseSendingTurns, cooked)
		if err == vscast.ErrBackpressure {
			time.Sleep(time.Millisecond)
			continue
		}
		Expect(err).NotTo(HaveOccurred())
		copy(buf, payload)
		Expect(e.Send(sgID)).To(Succeed())
		return
	}
}

var _ = Describe("vscast engine", func() {

	// Scenario 1 (spec §8.1): three-member shard, single sender.
	Describe("three-member shard, single sender", func() {
		It("delivers x@0, y@3, z@6 in order on every member", func() {
			members := []membership.NodeID{1, 2, 3}
			layout := membership.ShardLayout{Shards: [][]membership.NodeID{members}}
			h := newHarness(members, layout, defaultTestConfig(16))
			defer h.wedgeAll()

			a := h.engines[1]
			sendBlocking(a, "x", 0, false)
			sendBlocking(a, "y", 0, false)
			sendBlocking(a, "z", 0, false)

			for _, m := range members {
				Eventually(func() []delivery { return h.deliveriesFor(m) }, "2s", "5ms").Should(HaveLen(3))
				ds := h.deliveriesFor(m)
				Expect(ds[0]).To(Equal(delivery{receiver: m, senderRank: 0, index: 0, payload: "x"}))
				Expect(ds[1]).To(Equal(delivery{receiver: m, senderRank: 0, index: 1, payload: "y"}))
				Expect(ds[2]).To(Equal(delivery{receiver: m, senderRank: 0, index: 2, payload: "z"}))

				Eventually(func() int64 { return h.engines[m].Status().Subgroups[sgID].DeliveredNum }, "2s", "5ms").
					Should(BeNumerically(">=", 6))
			}
		})
	})

	// Scenario 2 (spec §8.2): pause_sending_turns skips placeholder slots.
	Describe("pause turns", func() {
		It("delivers the payload at seq 0 and skips placeholders at seq 3 and 6", func() {
			members := []membership.NodeID{1, 2, 3}
			layout := membership.ShardLayout{Shards: [][]membership.NodeID{members}}
			h := newHarness(members, layout, defaultTestConfig(16))
			defer h.wedgeAll()

			a := h.engines[1]
			sendBlocking(a, "p", 2, false)

			for _, m := range members {
				Eventually(func() int64 { return h.engines[m].Status().Subgroups[sgID].DeliveredNum }, "2s", "5ms").
					Should(BeNumerically(">=", 6))

				ds := h.deliveriesFor(m)
				Expect(ds).To(HaveLen(1))
				Expect(ds[0]).To(Equal(delivery{receiver: m, senderRank: 0, index: 0, payload: "p"}))
			}
		})
	})

	// Scenario 3 (spec §8.3): window saturation blocks the sender until a
	// shard peer's delivered_num advances.
	Describe("window saturation", func() {
		It("blocks the third send until B catches up on index 0", func() {
			members := []membership.NodeID{1, 2}
			layout := membership.ShardLayout{Shards: [][]membership.NodeID{members}}
			// A slow heartbeat (relative to in-process loopback delivery) gives
			// a comfortable margin to observe the window still saturated right
			// after the two sends, before B's own keep-alive cadence (see
			// sender.go's enqueueNullSend) has had a chance to unblock it.
			h := newHarness(members, layout, testConfig(2, 50))
			defer h.wedgeAll()

			a := h.engines[1]

			buf, err := a.GetSendBufferPtr(sgID, 1, 0, false)
			Expect(err).NotTo(HaveOccurred())
			copy(buf, "1")
			Expect(a.Send(sgID)).To(Succeed())

			buf, err = a.GetSendBufferPtr(sgID, 1, 0, false)
			Expect(err).NotTo(HaveOccurred())
			copy(buf, "2")
			Expect(a.Send(sgID)).To(Succeed())

			Consistently(func() error {
				_, err := a.GetSendBufferPtr(sgID, 1, 0, false)
				return err
			}, "20ms", "5ms").Should(Equal(vscast.ErrBackpressure))

			Eventually(func() int64 { return h.engines[2].Status().Subgroups[sgID].DeliveredNum }, "2s", "5ms").
				Should(BeNumerically(">=", 0))

			Eventually(func() error {
				_, err := a.GetSendBufferPtr(sgID, 1, 0, false)
				return err
			}, "2s", "5ms").Should(Succeed())
		})
	})

	// Scenario 4 (spec §8.4): cooked and raw sends are totally ordered
	// relative to each other, each through its own upcall.
	Describe("cooked vs raw sends", func() {
		It("routes raw sends through global stability and cooked sends through rpc", func() {
			members := []membership.NodeID{1, 2}
			layout := membership.ShardLayout{Shards: [][]membership.NodeID{members}}
			h := newHarness(members, layout, defaultTestConfig(16))
			defer h.wedgeAll()

			a := h.engines[1]
			sendBlocking(a, "raw-payload", 0, false)
			sendBlocking(a, "cooked-payload", 0, true)

			for _, m := range members {
				Eventually(func() []delivery { return h.deliveriesFor(m) }, "2s", "5ms").Should(HaveLen(2))
				ds := h.deliveriesFor(m)
				Expect(ds[0].cooked).To(BeFalse())
				Expect(ds[0].payload).To(Equal("raw-payload"))
				Expect(ds[1].cooked).To(BeTrue())
				Expect(ds[1].payload).To(Equal("cooked-payload"))
			}
		})
	})

	// Scenario 5 (spec §8.5): view-change handoff preserves undelivered,
	// locally-authored sends under fresh per-sender indices and never
	// double-delivers a peer's messages.
	Describe("view change handoff", func() {
		It("re-enqueues A's carried-over sends against the new shard size without double delivery", func() {
			members := []membership.NodeID{1, 2, 3}
			layout := membership.ShardLayout{Shards: [][]membership.NodeID{members}}
			h := newHarness(members, layout, defaultTestConfig(16))

			a := h.engines[1]

			// m0, m1 and m2 are committed back to back with no intervening
			// wait, then the handoff fires immediately: NewEngineFromOld's
			// carry-over (pending_sends + locally-stable-undelivered +
			// current_send + reservation) must account for whichever of the
			// three the old epoch's background goroutines had not yet
			// delivered by that point, whatever that turns out to be.
			for _, payload := range []string{"m0", "m1", "m2"} {
				buf, err := a.GetSendBufferPtr(sgID, len(payload), 0, false)
				Expect(err).NotTo(HaveOccurred())
				copy(buf, payload)
				Expect(a.Send(sgID)).To(Succeed())
			}

			newView := membership.View{Vid: 2, Members: []membership.NodeID{1, 2}}
			newLayout := membership.ShardLayout{Shards: [][]membership.NodeID{{1, 2}}}
			newSpecs := []vscast.SubgroupSpec{{ID: sgID, Layout: newLayout}}

			newTable, err := vscast.NewSharedTable(newView, newSpecs)
			Expect(err).NotTo(HaveOccurred())
			bJoined, err := newTable.Join(newView.IndexOf(2))
			Expect(err).NotTo(HaveOccurred())

			lb := transport.NewLoopback()

			var mu sync.Mutex
			var newDeliveries []delivery
			record := func(receiver membership.NodeID) vscast.Callbacks {
				return vscast.Callbacks{
					GlobalStability: func(subgroup int, senderRank int, index int64, payload []byte) {
						mu.Lock()
						newDeliveries = append(newDeliveries, delivery{receiver: receiver, senderRank: senderRank, index: index, payload: string(payload)})
						mu.Unlock()
					},
				}
			}

			newB, err := vscast.NewEngineFromOld(h.engines[2], defaultTestConfig(16), newView, 2, newSpecs, bJoined, lb, record(2))
			Expect(err).NotTo(HaveOccurred())

			newA, err := vscast.NewEngineFromOld(a, defaultTestConfig(16), newView, 1, newSpecs, newTable, lb, record(1))
			Expect(err).NotTo(HaveOccurred())
			defer newA.Wedge()
			defer newB.Wedge()

			h.engines[2].Wedge()
			h.engines[3].Wedge()

			countOf := func(payload string, receiver membership.NodeID) int {
				n := 0
				for _, d := range h.deliveriesFor(receiver) {
					if d.payload == payload {
						n++
					}
				}
				mu.Lock()
				for _, d := range newDeliveries {
					if d.receiver == receiver && d.payload == payload {
						n++
					}
				}
				mu.Unlock()
				return n
			}

			for _, payload := range []string{"m0", "m1", "m2"} {
				for _, m := range []membership.NodeID{1, 2} {
					Eventually(func() int { return countOf(payload, m) }, "2s", "5ms").
						Should(Equal(1), fmt.Sprintf("member %d must see %q exactly once across both epochs", m, payload))
				}
			}
		})
	})

	// Scenario 6 (spec §8.6): stable_num is the minimum seq_num across the
	// shard. The engine has no API to inject a raw seq_num directly, so this
	// drives the same min-computation (stabilityAction) through real traffic
	// instead of the spec's three bare numbers: nine sends from A push A's
	// row's seq_num to 8*3+0=24, and every row's stable_num must reach at
	// least that point once B and C's keep-alives have caught their rows up
	// (keep-alives keep advancing it further afterwards).
	Describe("stability minimum", func() {
		It("converges stable_num to the minimum seq_num across the shard", func() {
			members := []membership.NodeID{1, 2, 3}
			layout := membership.ShardLayout{Shards: [][]membership.NodeID{members}}
			h := newHarness(members, layout, defaultTestConfig(16))
			defer h.wedgeAll()

			for i := 0; i < 9; i++ {
				sendBlocking(h.engines[1], fmt.Sprintf("a%d", i), 0, false)
			}

			for _, m := range members {
				Eventually(func() int64 { return h.engines[m].Status().Subgroups[sgID].StableNum }, "2s", "5ms").
					Should(BeNumerically(">=", 24))
			}
		})
	})
})
