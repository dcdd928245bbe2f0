// Copyright 2024 The corechain Authors
// This file is part of corechain.
//
// corechain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// corechain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with corechain. If not, see <http://www.gnu.org/licenses/>.

package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/config"
)

func TestLoadOverridesDefaults(t *testing.T) {
	data := []byte(`
db_root = "/var/lib/corechain"
k = 100
clock_skew = "2s"

[blockfetch]
mode = "deadline"
max_concurrency = 4
`)
	cfg, err := config.Load(data)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/corechain", cfg.DBRoot)
	require.Equal(t, 100, cfg.K)
	require.Equal(t, config.Duration(2*time.Second), cfg.ClockSkew)
	require.Equal(t, config.ModeDeadline, cfg.BlockFetch.Mode)
	require.Equal(t, int64(4), cfg.BlockFetch.MaxConcurrency)
	// fields not present in the file keep Default()'s values
	require.Equal(t, config.Default().SnapshotRetain, cfg.SnapshotRetain)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	data := []byte(`[blockfetch]
mode = "turbo"
`)
	_, err := config.Load(data)
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveK(t *testing.T) {
	data := []byte(`k = 0`)
	_, err := config.Load(data)
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}
