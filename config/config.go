/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config loads the on-disk configuration of a vscast engine: buffer
// sizing, window/credit parameters, the heartbeat period, the bulk-transport
// fan-out algorithm and, optionally, a persistence filename.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	logger "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

// HeaderSize is the on-wire size, in bytes, of the fixed message header
// (header_size, pause_sending_turns, cooked_send_flag) described in spec §3.
const HeaderSize = 16

// Config is the engine's configuration, enumerated in spec §6.
type Config struct {
	// MaxPayloadSize is the largest application payload, in bytes, a send may carry.
	MaxPayloadSize int `yaml:"maxPayloadSize"`

	// BlockSize is the bulk-transport block size, in bytes. MaxMsgSize is rounded
	// up to a multiple of it.
	BlockSize int `yaml:"blockSize"`

	// WindowSize is the number of in-flight messages per sender before
	// get_sendbuffer_ptr starts returning nil.
	WindowSize int `yaml:"windowSize"`

	// TimeoutMS is the heartbeat period.
	TimeoutMS int `yaml:"timeoutMs"`

	// Algorithm names the bulk-transport fan-out algorithm (opaque to the core;
	// forwarded to transport.CreateGroup).
	Algorithm string `yaml:"algorithm"`

	// PersistenceFilename, when non-empty, enables the persistence writer and
	// names the backing WAL directory.
	PersistenceFilename string `yaml:"persistenceFilename"`
}

// MaxMsgSize is max_msg_size of spec §6: MaxPayloadSize + header, rounded up to
// a multiple of BlockSize.
func (c Config) MaxMsgSize() int {
	raw := c.MaxPayloadSize + HeaderSize
	if c.BlockSize <= 0 {
		return raw
	}
	blocks := (raw + c.BlockSize - 1) / c.BlockSize
	return blocks * c.BlockSize
}

// PersistenceEnabled reports whether a persistence writer should be wired in.
func (c Config) PersistenceEnabled() bool {
	return c.PersistenceFilename != ""
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.MaxPayloadSize <= 0 {
		return errors.New("maxPayloadSize must be positive")
	}
	if c.WindowSize <= 0 {
		return errors.New("windowSize must be positive")
	}
	if c.BlockSize <= 0 {
		return errors.New("blockSize must be positive")
	}
	if c.TimeoutMS <= 0 {
		return errors.New("timeoutMs must be positive")
	}
	return nil
}

// LoadFile reads and parses a YAML configuration file, logging every resolved
// field at debug level, following the teacher's config.LoadFile.
func LoadFile(path string) (Config, error) {
	var c Config

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return c, errors.WithMessagef(err, "could not read config file %s", path)
	}

	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, errors.WithMessagef(err, "could not unmarshal config file %s", path)
	}

	if err := c.Validate(); err != nil {
		return c, errors.WithMessage(err, "invalid configuration")
	}

	logger.Debug().
		Int("maxPayloadSize", c.MaxPayloadSize).
		Int("blockSize", c.BlockSize).
		Int("windowSize", c.WindowSize).
		Int("timeoutMs", c.TimeoutMS).
		Str("algorithm", c.Algorithm).
		Str("persistenceFilename", c.PersistenceFilename).
		Int("maxMsgSize", c.MaxMsgSize()).
		Msg("loaded configuration")

	return c, nil
}
