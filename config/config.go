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

// Package config loads corechain's node/DB configuration from TOML. It
// covers only what package chaindb needs to open a database root and run
// chain selection and block fetching; configuration loading for the rest
// of a consensus node is out of scope (spec §1).
package config

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration with a text decoder so TOML values like
// "2s" or "10m" decode directly, since go-toml/v2 has no native duration
// type and only decodes strings into types implementing
// encoding.TextUnmarshaler.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// BlockFetchMode mirrors blockfetch.Mode as a TOML-friendly string so this
// package has no import-time dependency on package blockfetch.
type BlockFetchMode string

const (
	ModeBulkSync BlockFetchMode = "bulksync"
	ModeDeadline BlockFetchMode = "deadline"
)

// BlockFetch bundles the block-fetch decision engine's tunables (spec
// §4.5).
type BlockFetch struct {
	Mode                BlockFetchMode `toml:"mode"`
	MaxConcurrency      int64          `toml:"max_concurrency"`
	MaxBytesPerRequest  uint64         `toml:"max_bytes_per_request"`
	MaxBlocksPerRequest int            `toml:"max_blocks_per_request"`
	MaxReqsPerPeer      int            `toml:"max_reqs_per_peer"`
	HighWatermarkBytes  uint64         `toml:"high_watermark_bytes"`
}

// Config is the full set of tunables chaindb.Open needs (spec §6's
// on-disk layout plus §4.4/§4.5's numeric parameters).
type Config struct {
	// DBRoot is the database root directory (spec §6's on-disk layout).
	DBRoot string `toml:"db_root"`
	// ProtocolMagic disambiguates DB roots belonging to different
	// networks (spec §6 DB-marker contract).
	ProtocolMagic uint32 `toml:"protocol_magic"`

	// K is the security parameter: block depth past which a block is
	// considered immutable.
	K int `toml:"k"`
	// ClockSkew bounds how far in the future a block's slot may lie
	// before it is rejected (spec §4.4 pre-filter).
	ClockSkew Duration `toml:"clock_skew"`
	// GCDelay is how long a VolatileDB block is retained past its copy
	// to ImmutableDB before it becomes garbage-collectible.
	GCDelay Duration `toml:"gc_delay"`

	// ChunkSlots is the number of slots an ImmutableDB chunk spans.
	ChunkSlots uint64 `toml:"chunk_slots"`
	// SegmentBlocks is the number of blocks a VolatileDB segment file
	// holds before rolling over.
	SegmentBlocks int `toml:"segment_blocks"`
	// SnapshotRetain is the number of most recent LedgerDB snapshots kept
	// on disk (spec §4.3); older ones are pruned.
	SnapshotRetain int `toml:"snapshot_retain"`

	BlockFetch BlockFetch `toml:"blockfetch"`
}

// Default returns a Config with conservative defaults, suitable as a base
// for a loaded TOML file to override.
func Default() Config {
	return Config{
		DBRoot:         "./data",
		K:              2160,
		ClockSkew:      Duration(5 * time.Second),
		GCDelay:        Duration(10 * time.Minute),
		ChunkSlots:     21600,
		SegmentBlocks:  1000,
		SnapshotRetain: 2,
		BlockFetch: BlockFetch{
			Mode:                ModeBulkSync,
			MaxConcurrency:      10,
			MaxBytesPerRequest:  2 << 20,
			MaxBlocksPerRequest: 100,
			MaxReqsPerPeer:      10,
			HighWatermarkBytes:  20 << 20,
		},
	}
}

// Load decodes TOML bytes over Default(), so a file only needs to specify
// the fields it overrides.
func Load(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations chaindb.Open could not act on safely.
func (c Config) Validate() error {
	if c.DBRoot == "" {
		return fmt.Errorf("config: db_root must not be empty")
	}
	if c.K <= 0 {
		return fmt.Errorf("config: k must be positive")
	}
	if c.ChunkSlots == 0 {
		return fmt.Errorf("config: chunk_slots must be positive")
	}
	if c.SegmentBlocks <= 0 {
		return fmt.Errorf("config: segment_blocks must be positive")
	}
	if c.SnapshotRetain < 2 {
		return fmt.Errorf("config: snapshot_retain must be at least 2")
	}
	switch c.BlockFetch.Mode {
	case ModeBulkSync, ModeDeadline:
	default:
		return fmt.Errorf("config: blockfetch.mode must be %q or %q", ModeBulkSync, ModeDeadline)
	}
	return nil
}
