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

// Package volatiledb implements the recent-block pool of spec §4.2: an
// unordered set of not-yet-immutable blocks, indexed by hash with a
// secondary index by predecessor, organized into bounded segment files.
// There is no index by slot: garbage collection scans every entry.
package volatiledb

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/point"
)

// BlockInfo is the secondary-index projection returned by GetBlockInfo.
type BlockInfo struct {
	Slot     point.Slot
	BlockNo  point.BlockNo
	PrevHash point.Hash
	IsEBB    bool
}

type entry struct {
	seg     uint32
	pos     int
	info    BlockInfo
	hash    point.Hash
	gcd     bool
}

// DB is the VolatileDB handle.
type DB struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
	log *zap.Logger

	maxBlocksPerFile int

	segments    map[uint32]*segment
	currentSeg  uint32
	byHash      map[point.Hash]*entry
	byPrevHash  map[point.Hash]map[point.Hash]struct{}
	gcEligible  *roaring.Bitmap // slots (truncated to uint32) from which a block was GC'd; read by WasGCed
	closed      bool
}

// Open opens (and recovers) the VolatileDB rooted at dir.
func Open(ctx context.Context, fs afero.Fs, dir string, maxBlocksPerFile int, validateAll bool, integrity func(chain.Block) error, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}
	db := &DB{
		fs:               fs,
		dir:              dir,
		log:              log.Named("volatiledb"),
		maxBlocksPerFile: maxBlocksPerFile,
		segments:         map[uint32]*segment{},
		byHash:           map[point.Hash]*entry{},
		byPrevHash:       map[point.Hash]map[point.Hash]struct{}{},
		gcEligible:       roaring.New(),
	}
	if err := db.recover(ctx, validateAll, integrity); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) checkOpen() error {
	if db.closed {
		return chainerr.ErrClosedDB
	}
	return nil
}

// Close releases segment file handles. Idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	var firstErr error
	for _, s := range db.segments {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Put stores b, idempotent on hash. A duplicate put is a success-noop per
// spec §4.2 (BlockAlreadyHere is not surfaced as an error).
func (db *DB) Put(b chain.Block) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	if _, exists := db.byHash[b.Header.H]; exists {
		return nil
	}
	seg, err := db.segmentForWrite()
	if err != nil {
		return err
	}
	pos, err := seg.append(b)
	if err != nil {
		return chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}
	e := &entry{
		seg: seg.idx,
		pos: pos,
		info: BlockInfo{
			Slot:     b.Header.Slot,
			BlockNo:  b.Header.BlockNo,
			PrevHash: b.Header.PrevHash,
			IsEBB:    b.Header.IsEBB,
		},
		hash: b.Header.H,
	}
	db.byHash[b.Header.H] = e
	if db.byPrevHash[b.Header.PrevHash] == nil {
		db.byPrevHash[b.Header.PrevHash] = map[point.Hash]struct{}{}
	}
	db.byPrevHash[b.Header.PrevHash][b.Header.H] = struct{}{}
	return nil
}

// Get returns the full block for hash, if present.
func (db *DB) Get(h point.Hash) (chain.Block, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return chain.Block{}, false, err
	}
	e, ok := db.byHash[h]
	if !ok {
		return chain.Block{}, false, nil
	}
	seg := db.segments[e.seg]
	b, err := seg.read(e.pos)
	if err != nil {
		return chain.Block{}, false, chainerr.Wrap(chainerr.ErrDatabaseCorruption, err)
	}
	return b, true, nil
}

// GetBlockInfo returns the lightweight secondary-index projection for h.
func (db *DB) GetBlockInfo(h point.Hash) (BlockInfo, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.byHash[h]
	if !ok {
		return BlockInfo{}, false
	}
	return e.info, true
}

// FilterByPredecessor is the chain-selection primitive of spec §4.2: for
// each hash in from, returns the set of VolatileDB blocks whose prevHash
// equals it.
func (db *DB) FilterByPredecessor(from map[point.Hash]struct{}) map[point.Hash]map[point.Hash]struct{} {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[point.Hash]map[point.Hash]struct{}, len(from))
	for prev := range from {
		children, ok := db.byPrevHash[prev]
		if !ok || len(children) == 0 {
			continue
		}
		cp := make(map[point.Hash]struct{}, len(children))
		for h := range children {
			cp[h] = struct{}{}
		}
		out[prev] = cp
	}
	return out
}

// GarbageCollect removes every block with slot <= upTo. Idempotent: a
// second call with the same or lower bound is a no-op. A segment whose
// every block has been collected has its file deleted, unless it is the
// segment currently being written to.
func (db *DB) GarbageCollect(upTo point.Slot) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return err
	}
	touched := map[uint32]bool{}
	for h, e := range db.byHash {
		if e.info.Slot > upTo {
			continue
		}
		delete(db.byHash, h)
		db.gcEligible.Add(uint32(e.info.Slot))
		if set := db.byPrevHash[e.info.PrevHash]; set != nil {
			delete(set, h)
			if len(set) == 0 {
				delete(db.byPrevHash, e.info.PrevHash)
			}
		}
		seg := db.segments[e.seg]
		seg.liveCount--
		seg.gcdCount++
		touched[e.seg] = true
	}
	for segIdx := range touched {
		seg := db.segments[segIdx]
		if seg.liveCount == 0 && segIdx != db.currentSeg {
			if err := seg.close(); err != nil {
				return chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
			}
			if err := db.fs.Remove(seg.path); err != nil {
				return chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
			}
			delete(db.segments, segIdx)
			db.log.Debug("volatiledb segment collected", zap.Uint32("segment", segIdx))
		}
	}
	return nil
}

// WasGCed reports whether slot has ever had a block collected from it.
// Used by the Iterator's BlockWasCopiedToImmDB/BlockGCedFromVolDB decision
// (spec §4.6) to distinguish "never existed here" from "existed, collected".
func (db *DB) WasGCed(slot point.Slot) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.gcEligible.Contains(uint32(slot))
}

func (db *DB) segmentForWrite() (*segment, error) {
	seg, ok := db.segments[db.currentSeg]
	if ok && seg.liveCount+seg.gcdCount < db.maxBlocksPerFile {
		return seg, nil
	}
	if ok {
		db.currentSeg++
	}
	seg, err := openSegment(db.fs, db.dir, db.currentSeg)
	if err != nil {
		return nil, err
	}
	db.segments[db.currentSeg] = seg
	return seg, nil
}
