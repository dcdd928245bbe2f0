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

package immutabledb

import (
	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/point"
)

// Iterator streams [from, to] in slot order, pulling one component at a
// time (spec §4.1 streamFrom, §4.6). Follows the teacher's HasNext/Next
// cursor shape (erigon-lib's stream.Duo) rather than a callback or
// channel-based design.
type Iterator struct {
	db   *DB
	comp chain.Component
	to   point.Point

	chunkIdx  uint32
	entries   []secondaryRecord
	pos       int
	done      bool
	curPoint  point.Point
	curValue  chain.ComponentValue
	curErr    error
}

// StreamFrom opens an Iterator over [from, to] inclusive. from may be
// point.Origin to start at the beginning of the log.
func (db *DB) StreamFrom(from, to point.Point, comp chain.Component) (*Iterator, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if to.IsOrigin() {
		return nil, chainerr.ErrEmptyRange
	}

	it := &Iterator{db: db, comp: comp, to: to}

	startIdx := uint32(0)
	if !from.IsOrigin() {
		startIdx = db.info.ChunkOf(from.Slot)
	}
	if startIdx >= uint32(len(db.chunks)) || db.chunkIfLoadedLocked(startIdx) == nil {
		if startIdx < it.lowestLoadedChunkLocked() {
			return nil, chainerr.ErrForkTooOld
		}
		return nil, chainerr.Wrapf(chainerr.ErrMissingBlock, "streamFrom: no chunk for %s", from)
	}
	c := db.chunkIfLoadedLocked(startIdx)
	entries := c.entriesSortedBySlot()

	startPos := 0
	if !from.IsOrigin() {
		found := false
		for i, e := range entries {
			if e.hash == from.Hash {
				startPos = i
				found = true
				break
			}
		}
		if !found {
			return nil, chainerr.Wrapf(chainerr.ErrMissingBlock, "streamFrom: %s", from)
		}
	}
	if startPos >= len(entries) {
		return nil, chainerr.ErrEmptyRange
	}

	it.chunkIdx = startIdx
	it.entries = entries
	it.pos = startPos
	return it, nil
}

func (it *Iterator) lowestLoadedChunkLocked() uint32 {
	for i, c := range it.db.chunks {
		if c != nil {
			return uint32(i)
		}
	}
	return 0
}

// HasNext reports whether Next will yield another entry. It performs the
// next read eagerly so Next itself cannot fail silently after HasNext
// returned true.
func (it *Iterator) HasNext() bool {
	if it.done {
		return false
	}
	it.db.mu.Lock()
	defer it.db.mu.Unlock()

	for {
		if it.pos >= len(it.entries) {
			if !it.advanceChunkLocked() {
				it.done = true
				return false
			}
			continue
		}
		rec := it.entries[it.pos]
		cv, err := it.currentChunkLocked().readComponent(rec, it.comp)
		if err != nil {
			it.curErr = chainerr.Wrap(chainerr.ErrDatabaseCorruption, err)
			it.done = true
			return true // surface the error via Next
		}
		p := point.At(it.pointSlotOf(cv, rec), rec.hash)
		if p.Slot > it.to.Slot {
			it.done = true
			return false
		}
		it.curPoint, it.curValue = p, cv
		return true
	}
}

func (it *Iterator) pointSlotOf(cv chain.ComponentValue, rec secondaryRecord) point.Slot {
	if cv.Kind == chain.ComponentHeader {
		return cv.Header.Slot
	}
	if cv.Kind == chain.ComponentBlock {
		return cv.Block.Header.Slot
	}
	// ComponentRawBytes/ComponentSize carry no parsed slot; re-read the
	// header component, which is always cheap (fixed-size, mmap-backed).
	hv, err := it.currentChunkLocked().readComponent(rec, chain.ComponentHeader)
	if err != nil {
		return 0
	}
	return hv.Header.Slot
}

func (it *Iterator) currentChunkLocked() *chunk {
	return it.db.chunkIfLoadedLocked(it.chunkIdx)
}

func (it *Iterator) advanceChunkLocked() bool {
	next := it.chunkIdx + 1
	if next >= uint32(len(it.db.chunks)) {
		return false
	}
	c := it.db.chunkIfLoadedLocked(next)
	if c == nil {
		return false
	}
	it.chunkIdx = next
	it.entries = c.entriesSortedBySlot()
	it.pos = 0
	return true
}

// Next returns the entry HasNext staged, or a DatabaseCorruption error if
// the underlying read failed.
func (it *Iterator) Next() (point.Point, chain.ComponentValue, error) {
	if it.curErr != nil {
		return point.Point{}, chain.ComponentValue{}, it.curErr
	}
	p, v := it.curPoint, it.curValue
	it.pos++
	return p, v, nil
}

// Close releases the iterator. It does not close any chunk, since chunks
// are owned by the DB for the lifetime of the handle.
func (it *Iterator) Close() {
	it.done = true
}
