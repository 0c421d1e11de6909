/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Command vscast-demo runs a three-member, single-shard vscast engine
// in-process over the loopback transport and sends a handful of messages
// from one member, logging every delivery as it arrives in total order.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	logger "github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/vsync-labs/vscast"
	"github.com/vsync-labs/vscast/config"
	"github.com/vsync-labs/vscast/membership"
	"github.com/vsync-labs/vscast/transport"
)

const subgroupID = 0

func main() {
	app := kingpin.New("vscast-demo", "Demonstrates a totally-ordered atomic multicast over an in-process loopback shard.")
	configPath := app.Flag("config", "Path to a YAML engine configuration; a small built-in default is used if unset.").String()
	numMessages := app.Arg("messages", "Number of messages the sender emits.").Default("5").Int()
	payloadSize := app.Arg("payload-size", "Payload size in bytes of each message.").Default("32").Int()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("could not load configuration")
		}
		cfg = loaded
	}

	sessionTag := uuid.New().String()
	logger.Info().Str("session", sessionTag).Msg("starting vscast demo")

	members := []membership.NodeID{1, 2, 3}
	view := membership.View{Vid: 1, Members: members}
	layout := membership.ShardLayout{Shards: [][]membership.NodeID{members}}
	specs := []vscast.SubgroupSpec{{ID: subgroupID, Layout: layout}}

	lb := transport.NewLoopback()

	sharedTable, err := vscast.NewSharedTable(view, specs)
	if err != nil {
		logger.Fatal().Err(err).Msg("could not construct shared state table")
	}

	engines := make(map[membership.NodeID]*vscast.Engine, len(members))
	for _, self := range members {
		self := self

		// NewSharedTable's return value is already the rank-0 view; only the
		// other members need to Join.
		table := sharedTable
		if view.IndexOf(self) != 0 {
			joined, err := sharedTable.Join(view.IndexOf(self))
			if err != nil {
				logger.Fatal().Err(err).Uint64("node", uint64(self)).Msg("could not join shared state table")
			}
			table = joined
		}

		callbacks := vscast.Callbacks{
			GlobalStability: func(subgroup int, senderRank int, index int64, payload []byte) {
				logger.Info().
					Str("session", sessionTag).
					Uint64("receiver", uint64(self)).
					Int("senderRank", senderRank).
					Int64("index", index).
					Str("payload", string(payload)).
					Msg("delivered")
			},
		}
		e, err := vscast.NewEngine(cfg, view, self, specs, table, lb, callbacks)
		if err != nil {
			logger.Fatal().Err(err).Uint64("node", uint64(self)).Msg("could not start engine")
		}
		engines[self] = e
	}

	sender := engines[members[0]]
	for i := 0; i < *numMessages; i++ {
		payload := []byte(fmt.Sprintf("msg-%03d", i))
		if len(payload) < *payloadSize {
			padding := make([]byte, *payloadSize-len(payload))
			payload = append(payload, padding...)
		}

		for {
			buf, err := sender.GetSendBufferPtr(subgroupID, len(payload), 0, false)
			if err == vscast.ErrBackpressure {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			if err != nil {
				logger.Fatal().Err(err).Msg("could not reserve send buffer")
			}
			copy(buf, payload)
			if err := sender.Send(subgroupID); err != nil {
				logger.Fatal().Err(err).Msg("could not send")
			}
			break
		}
	}

	time.Sleep(200 * time.Millisecond)

	for _, e := range engines {
		e.Wedge()
	}
}

func defaultConfig() config.Config {
	return config.Config{
		MaxPayloadSize: 1024,
		BlockSize:      64,
		WindowSize:     8,
		TimeoutMS:      500,
		Algorithm:      "binomial",
	}
}
