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

// Package immutabledb implements the append-only chunked block log of
// spec §4.1: one chunk per epoch, each chunk a blobs file plus a
// fixed-record secondary index and a slot-indexed primary index.
//
// Layout (spec §6), rooted at a single directory:
//
//	{i}.chunk     blobs: concatenated framed blocks, i zero-padded to 6 digits
//	{i}.primary   slot (absolute, mod 2^32) -> secondary-index-slot, fixed
//	              stride; positions are not offset by the chunk's first slot
//	{i}.secondary one fixed-size record per stored entry (see record.go)
package immutabledb

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/point"
)

// ChunkInfo maps a slot to the chunk index that holds it. Epoch boundaries
// are fixed-schedule per spec §3/§4.1: chunk i holds slots
// [i*SlotsPerChunk, (i+1)*SlotsPerChunk).
type ChunkInfo struct {
	SlotsPerChunk point.Slot
}

func (c ChunkInfo) ChunkOf(slot point.Slot) uint32 {
	return uint32(slot / c.SlotsPerChunk)
}

func (c ChunkInfo) FirstSlotOf(chunkIdx uint32) point.Slot {
	return point.Slot(chunkIdx) * c.SlotsPerChunk
}

// ValidationPolicy selects how much of the on-disk state is re-verified
// at Open (spec §4.1 Recovery, §6 Validation policy table).
type ValidationPolicy int

const (
	ValidateMostRecentChunk ValidationPolicy = iota
	ValidateAllChunks
)

// DB is the ImmutableDB handle.
type DB struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
	log *zap.Logger

	info ChunkInfo

	chunks     []*chunk // index == chunk index; nil entries until opened lazily
	tipIdx     int32    // index of the chunk holding the tip, -1 if empty
	lastSlot   point.Slot
	lastHash   point.Hash
	lastNo     point.BlockNo
	lastWasEBB bool
	hasTip     bool
	closed     bool
}

// Open opens (and recovers, per policy) the ImmutableDB rooted at dir.
func Open(ctx context.Context, fs afero.Fs, dir string, info ChunkInfo, policy ValidationPolicy, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}
	db := &DB{fs: fs, dir: dir, log: log.Named("immutabledb"), info: info, tipIdx: -1}
	if err := db.recover(ctx, policy); err != nil {
		return nil, err
	}
	return db, nil
}

// cleanShutdownMarker is written on a graceful Close and consulted by
// recover: its presence is what lets ValidateMostRecentChunk trust chunks
// other than the last one without re-parsing them (spec §4.1 Recovery).
const cleanShutdownMarker = "CLEAN_SHUTDOWN"

// Close releases any mapped chunk resources. Idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	var firstErr error
	for _, c := range db.chunks {
		if c == nil {
			continue
		}
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		if err := afero.WriteFile(db.fs, db.dir+"/"+cleanShutdownMarker, []byte{}, 0o644); err != nil {
			firstErr = chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
		}
	}
	return firstErr
}

func (db *DB) checkOpen() error {
	if db.closed {
		return chainerr.ErrClosedDB
	}
	return nil
}

// GetTip returns the current tip as (point, blockNo, isEBB), or the Origin
// sentinel if the DB is empty (spec §4.1 getTip).
func (db *DB) GetTip() point.WithOrigin[TipInfo] {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.hasTip {
		return point.OriginOf[TipInfo]()
	}
	return point.NewWithOrigin(TipInfo{
		Point:   point.At(db.lastSlot, db.lastHash),
		BlockNo: db.lastNo,
		IsEBB:   db.lastWasEBB,
	})
}

// TipInfo is the payload of GetTip's WithOrigin result.
type TipInfo struct {
	Point   point.Point
	BlockNo point.BlockNo
	IsEBB   bool
}

// Append adds block to the end of the log. Fails if block.Header.PrevHash
// does not equal the current tip hash, or if its slot does not strictly
// follow the tip's (EBBs may share the following ordinary block's slot,
// per spec §4.1/§9: an EBB's slot equals the epoch's first slot and the
// next ordinary block's slot must be strictly greater than it).
func (db *DB) Append(ctx context.Context, b chain.Block) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	h := b.Header
	if db.hasTip {
		if h.PrevHash != db.lastHash {
			return chainerr.Wrapf(chainerr.ErrMissingBlock, "append: prevHash %s does not match tip %s", h.PrevHash, db.lastHash)
		}
		// An EBB shares the slot of the ordinary block that follows it;
		// a non-EBB tip requires the next slot to be strictly greater.
		if h.Slot <= db.lastSlot && !db.lastWasEBB {
			return fmt.Errorf("immutabledb: append: slot %d does not strictly follow tip slot %d", h.Slot, db.lastSlot)
		}
	} else if !h.PrevHash.Zero() {
		return chainerr.Wrapf(chainerr.ErrMissingBlock, "append: first block must link to genesis, got prevHash %s", h.PrevHash)
	}

	idx := db.info.ChunkOf(h.Slot)
	c, err := db.chunkForWrite(idx)
	if err != nil {
		return err
	}
	if err := c.append(b); err != nil {
		return err
	}
	db.lastSlot, db.lastHash, db.lastNo, db.lastWasEBB, db.hasTip = h.Slot, h.H, h.BlockNo, h.IsEBB, true
	db.tipIdx = int32(idx)
	db.log.Debug("appended block", zap.Uint64("slot", uint64(h.Slot)), zap.Uint64("blockNo", uint64(h.BlockNo)))
	return nil
}

// GetBlockComponent looks up the component of the block at p. Returns
// (zero, false, nil) if p's slot/hash is unknown (not an error, per spec
// §4.1); returns a Corruption error if the entry is indexed but unreadable.
func (db *DB) GetBlockComponent(p point.Point, comp chain.Component) (chain.ComponentValue, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return chain.ComponentValue{}, false, err
	}
	if p.IsOrigin() {
		return chain.ComponentValue{}, false, nil
	}
	idx := db.info.ChunkOf(p.Slot)
	c := db.chunkIfLoaded(idx)
	if c == nil {
		return chain.ComponentValue{}, false, nil
	}
	rec, ok := c.findBySlotAndHash(p.Slot, p.Hash)
	if !ok {
		return chain.ComponentValue{}, false, nil
	}
	cv, err := c.readComponent(rec, comp)
	if err != nil {
		return chain.ComponentValue{}, false, chainerr.Wrap(chainerr.ErrDatabaseCorruption, err)
	}
	return cv, true, nil
}

// GetBlockByHash scans chunks for a hash when the caller does not know the
// slot. O(chunks).
func (db *DB) GetBlockByHash(h point.Hash, comp chain.Component) (chain.ComponentValue, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return chain.ComponentValue{}, false, err
	}
	for idx := range db.chunks {
		c := db.chunkIfLoadedLocked(uint32(idx))
		if c == nil {
			continue
		}
		if rec, ok := c.findByHash(h); ok {
			cv, err := c.readComponent(rec, comp)
			if err != nil {
				return chain.ComponentValue{}, false, chainerr.Wrap(chainerr.ErrDatabaseCorruption, err)
			}
			return cv, true, nil
		}
	}
	return chain.ComponentValue{}, false, nil
}
