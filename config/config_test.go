/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vsync-labs/vscast/config"
)

func TestMaxMsgSizeRounding(t *testing.T) {
	c := config.Config{MaxPayloadSize: 100, BlockSize: 64}
	require.Equal(t, 128, c.MaxMsgSize())

	c = config.Config{MaxPayloadSize: 48, BlockSize: 64}
	require.Equal(t, 64, c.MaxMsgSize())
}

func TestValidateRejectsZeroWindow(t *testing.T) {
	c := config.Config{MaxPayloadSize: 100, BlockSize: 64, WindowSize: 0, TimeoutMS: 100}
	require.Error(t, c.Validate())
}

func TestLoadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vscast.yaml")
	contents := []byte("maxPayloadSize: 1024\nblockSize: 256\nwindowSize: 16\ntimeoutMs: 1000\nalgorithm: binomial\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	c, err := config.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1024, c.MaxPayloadSize)
	require.Equal(t, 16, c.WindowSize)
	require.False(t, c.PersistenceEnabled())
}
