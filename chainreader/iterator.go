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

package chainreader

import (
	"sync"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/chainsel"
	"github.com/erigontech/corechain/immutabledb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/volatiledb"
)

// Iterator streams a fixed range [from, to], independent of subsequent
// chain evolution (spec §4.6). Its volatile-side sequence is frozen to the
// current chain at construction time, since VolatileDB itself offers no
// native range scan (only hash lookups and a predecessor index).
type Iterator struct {
	mu   sync.Mutex
	imm  *immutabledb.DB
	vol  *volatiledb.DB
	comp chain.Component
	cache *Cache

	immIt      *immutabledb.Iterator
	volHeaders []chain.Header
	volPos     int

	done     bool
	curPoint point.Point
	curValue chain.ComponentValue
	curErr   error

	closed bool
}

// NewIterator classifies [from, to] against the current split between
// ImmutableDB and the live chain (StreamFromImmDB / StreamFromVolDB /
// StreamFromBoth, spec §4.6) and builds an Iterator accordingly.
// registry, if non-nil, is called with the Iterator's close function so the
// owning handle can force-close it (spec §5 resource registry).
func NewIterator(imm *immutabledb.DB, vol *volatiledb.DB, engine *chainsel.Engine, from, to point.Point, comp chain.Component, cache *Cache, registry func(func())) (*Iterator, error) {
	if to.IsOrigin() {
		return nil, chainerr.ErrEmptyRange
	}
	it := &Iterator{imm: imm, vol: vol, comp: comp, cache: cache}

	tip := imm.GetTip()
	tipInfo, hasImmTip := tip.Get()

	spansImm := hasImmTip && from.Slot <= tipInfo.Point.Slot
	switch {
	case spansImm && to.Slot <= tipInfo.Point.Slot:
		// entirely in ImmutableDB: StreamFromImmDB
		immIt, err := imm.StreamFrom(from, to, comp)
		if err != nil {
			return nil, err
		}
		it.immIt = immIt
	case spansImm:
		// spans both: immutable prefix first, then the volatile remainder
		immIt, err := imm.StreamFrom(from, tipInfo.Point, comp)
		if err != nil {
			return nil, err
		}
		it.immIt = immIt
		it.volHeaders = volHeadersAfter(engine, tipInfo.Point, to, false)
	default:
		// entirely in VolatileDB: StreamFromVolDB
		it.volHeaders = volHeadersAfter(engine, from, to, true)
	}

	if registry != nil {
		registry(it.Close)
	}
	return it, nil
}

// volHeadersAfter returns the headers of the current chain fragment with
// point after from (or starting at from when inclusiveFrom is set) up to
// and including to, in chain order.
// A reader that asked for a point not on the current fragment at all simply
// gets no volatile headers; VolatileDB content not reachable from the
// current chain is not addressable by a fixed-range Iterator.
func volHeadersAfter(engine *chainsel.Engine, from, to point.Point, inclusiveFrom bool) []chain.Header {
	cur := engine.CurrentChain()
	items := cur.Items()
	started := from == cur.Anchor()
	out := make([]chain.Header, 0, len(items))
	for _, h := range items {
		if !started && h.Point() == from {
			started = true
			if !inclusiveFrom {
				continue
			}
		}
		if !started {
			continue
		}
		out = append(out, h)
		if h.Point() == to {
			break
		}
	}
	return out
}

// HasNext reports whether Next will yield another entry, eagerly resolving
// the read (and any VolatileDB GC race, spec §4.6's BlockWasCopiedToImmDB /
// BlockGCedFromVolDB transition) so Next cannot fail silently afterwards.
func (it *Iterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done {
		return false
	}
	if it.immIt != nil {
		if it.immIt.HasNext() {
			p, v, err := it.immIt.Next()
			if err != nil {
				it.curErr = err
				it.done = true
				return true
			}
			it.curPoint, it.curValue = p, v
			return true
		}
		it.immIt.Close()
		it.immIt = nil
	}
	return it.nextFromVolLocked()
}

func (it *Iterator) nextFromVolLocked() bool {
	if it.volPos >= len(it.volHeaders) {
		it.done = true
		return false
	}
	h := it.volHeaders[it.volPos]
	it.volPos++

	if cached, ok := it.cache.get(h.Point(), it.comp); ok {
		it.curPoint, it.curValue = h.Point(), cached
		return true
	}

	b, found, err := it.vol.Get(h.H)
	if err != nil {
		it.curErr = chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
		it.done = true
		return true
	}
	if !found {
		if !it.vol.WasGCed(h.Slot) {
			// never existed here and was never collected either: treat as
			// a hard miss rather than silently skipping.
			it.curErr = chainerr.ErrMissingBlock
			it.done = true
			return true
		}
		// BlockWasCopiedToImmDB / BlockGCedFromVolDB: the block may have
		// been copied to ImmutableDB since this Iterator was constructed.
		cv, ok, err := it.imm.GetBlockComponent(h.Point(), it.comp)
		if err != nil {
			it.curErr = err
			it.done = true
			return true
		}
		if !ok {
			it.curErr = chainerr.ErrBlockGCed
			it.done = true
			return true
		}
		it.cache.put(h.Point(), it.comp, cv)
		it.curPoint, it.curValue = h.Point(), cv
		return true
	}

	cv := componentOf(b, it.comp)
	it.cache.put(h.Point(), it.comp, cv)
	it.curPoint, it.curValue = h.Point(), cv
	return true
}

func componentOf(b chain.Block, comp chain.Component) chain.ComponentValue {
	switch comp {
	case chain.ComponentHeader:
		return chain.ComponentValue{Kind: comp, Header: b.Header}
	case chain.ComponentBlock:
		return chain.ComponentValue{Kind: comp, Block: b}
	case chain.ComponentSize:
		return chain.ComponentValue{Kind: comp, Size: uint32(len(b.Body))}
	default:
		return chain.ComponentValue{Kind: comp, Block: b}
	}
}

// Next returns the entry HasNext staged.
func (it *Iterator) Next() (point.Point, chain.ComponentValue, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.curErr != nil {
		err := it.curErr
		return point.Point{}, chain.ComponentValue{}, err
	}
	return it.curPoint, it.curValue, nil
}

// Close releases the Iterator's resources. Idempotent, and safe to call
// from the DB's resource registry on shutdown (spec §5).
func (it *Iterator) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return
	}
	it.closed = true
	it.done = true
	if it.immIt != nil {
		it.immIt.Close()
		it.immIt = nil
	}
}
