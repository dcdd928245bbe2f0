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

// Package chainreader implements the two streaming abstractions of spec
// §4.6: Reader, which follows the current chain and re-anchors itself on
// every chain switch, and Iterator (iterator.go), which streams a fixed
// range independent of subsequent chain evolution.
package chainreader

import (
	"context"
	"sync"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/chainsel"
	"github.com/erigontech/corechain/immutabledb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/volatiledb"
)

// RollKind discriminates a ChainUpdate's direction.
type RollKind int

const (
	RollForward RollKind = iota
	RollBack
)

// ChainUpdate is what instructionBlocking hands back: either "roll forward
// past Header" or "roll back to Point" (spec §4.6).
type ChainUpdate struct {
	Kind   RollKind
	Point  point.Point
	Header chain.Header // meaningful only when Kind == RollForward
}

type readerState int

const (
	stateInit readerState = iota
	stateInMem
	stateInImmDB
)

type rollState struct {
	kind  RollKind
	point point.Point
}

// Reader tracks one consumer's position on the current chain, re-anchoring
// on every chain-selection switch via SwitchFork (spec §4.6, §4.4 "Reader
// notification"). Reader implements chainsel.Notifiable so it can be
// registered directly with an Engine.
type Reader struct {
	mu     sync.Mutex
	engine *chainsel.Engine
	imm    *immutabledb.DB
	vol    *volatiledb.DB
	comp   chain.Component
	cache  *Cache

	state   readerState
	roll    rollState
	immIter *immutabledb.Iterator

	wake       chan struct{}
	closed     bool
	unregister func()
}

// NewReader constructs a Reader at the Init state (logical position
// Genesis, no resources held) and registers it with engine for SwitchFork
// notifications. registry, if non-nil, is handed the Reader's close
// function for the owning handle's resource set (spec §5).
func NewReader(engine *chainsel.Engine, imm *immutabledb.DB, vol *volatiledb.DB, comp chain.Component, cache *Cache, registry func(func())) *Reader {
	r := &Reader{
		engine: engine,
		imm:    imm,
		vol:    vol,
		comp:   comp,
		cache:  cache,
		state:  stateInit,
		wake:   make(chan struct{}, 1),
	}
	r.unregister = engine.RegisterNotifiable(r)
	if registry != nil {
		registry(r.Close)
	}
	return r
}

func (r *Reader) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// SwitchFork implements chainsel.Notifiable. Per spec §4.6: if the
// reader's current point still lies on newFragment it stays InMem with
// RollForwardFrom(point); otherwise it is set to RollBackTo(rollbackPoint).
func (r *Reader) SwitchFork(rollbackPoint point.Point, newFragment *chain.AnchoredFragment[chain.Header]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.state == stateInit {
		return
	}
	if r.state == stateInMem && containsPoint(newFragment, r.roll.point) {
		r.roll = rollState{kind: RollForward, point: r.roll.point}
	} else {
		r.state = stateInMem
		if r.immIter != nil {
			r.immIter.Close()
			r.immIter = nil
		}
		r.roll = rollState{kind: RollBack, point: rollbackPoint}
	}
	r.signal()
}

// instructionBlocking's name mirrors spec §4.6's operation; exported as
// InstructionBlocking for callers outside this package (the pull-based
// iterator/reader note in §9 models it exactly as a blocking pull).
func (r *Reader) InstructionBlocking(ctx context.Context) (ChainUpdate, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return ChainUpdate{}, chainerr.ErrClosedDB
		}

		switch r.state {
		case stateInit:
			cur := r.engine.CurrentChain()
			r.state = stateInMem
			r.roll = rollState{kind: RollForward, point: cur.Anchor()}
			r.mu.Unlock()
			continue

		case stateInMem:
			if r.roll.kind == RollBack {
				pt := r.roll.point
				r.roll = rollState{kind: RollForward, point: pt}
				r.mu.Unlock()
				return ChainUpdate{Kind: RollBack, Point: pt}, nil
			}

			cur := r.engine.CurrentChain()
			if r.roll.point != cur.Anchor() && !containsPoint(cur, r.roll.point) {
				// The reader's point has fallen behind the in-memory
				// fragment's anchor (copy-to-immutable moved past it):
				// drop to InImmDB.
				tip := r.imm.GetTip()
				info, ok := tip.Get()
				if !ok {
					r.mu.Unlock()
					return ChainUpdate{}, chainerr.ErrMissingBlock
				}
				it, err := r.imm.StreamFrom(r.roll.point, info.Point, r.comp)
				if err != nil {
					r.mu.Unlock()
					return ChainUpdate{}, err
				}
				r.state = stateInImmDB
				r.immIter = it
				r.mu.Unlock()
				continue
			}

			next, ok := headerAfter(cur, r.roll.point)
			if ok {
				r.roll = rollState{kind: RollForward, point: next.Point()}
				r.mu.Unlock()
				return ChainUpdate{Kind: RollForward, Point: next.Point(), Header: next}, nil
			}

			wake := r.wake
			r.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return ChainUpdate{}, ctx.Err()
			}

		case stateInImmDB:
			if r.roll.kind == RollBack {
				pt := r.roll.point
				r.roll = rollState{kind: RollForward, point: pt}
				if r.immIter != nil {
					r.immIter.Close()
				}
				to := pt
				if tip, hasTip := r.imm.GetTip().Get(); hasTip {
					to = tip.Point
				}
				it, err := r.imm.StreamFrom(pt, to, r.comp)
				r.immIter = it
				r.mu.Unlock()
				if err != nil {
					return ChainUpdate{}, err
				}
				return ChainUpdate{Kind: RollBack, Point: pt}, nil
			}

			if r.immIter.HasNext() {
				p, cv, err := r.immIter.Next()
				if err != nil {
					r.mu.Unlock()
					return ChainUpdate{}, err
				}
				r.roll = rollState{kind: RollForward, point: p}
				r.mu.Unlock()
				return ChainUpdate{Kind: RollForward, Point: p, Header: headerOf(cv)}, nil
			}

			tip := r.imm.GetTip()
			info, hasTip := tip.Get()
			if hasTip && r.roll.point == info.Point {
				r.immIter.Close()
				r.immIter = nil
				r.state = stateInMem
				r.mu.Unlock()
				continue
			}

			wake := r.wake
			r.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return ChainUpdate{}, ctx.Err()
			}
		}
	}
}

// Forward searches points (in the order given) for the first one present
// on either the current chain or the immutable prefix, repositions the
// reader there, and reports the match (spec §4.6 forward).
func (r *Reader) Forward(points []point.Point) (point.Point, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return point.Point{}, false
	}
	cur := r.engine.CurrentChain()
	for _, p := range points {
		if p.IsOrigin() || containsPoint(cur, p) {
			r.state = stateInMem
			if r.immIter != nil {
				r.immIter.Close()
				r.immIter = nil
			}
			r.roll = rollState{kind: RollForward, point: p}
			return p, true
		}
		if cv, ok := r.cache.get(p, chain.ComponentHeader); ok {
			_ = cv
			r.state = stateInMem
			r.roll = rollState{kind: RollForward, point: p}
			return p, true
		}
		if cv, ok, err := r.imm.GetBlockComponent(p, chain.ComponentHeader); err == nil && ok {
			r.cache.put(p, chain.ComponentHeader, cv)
			r.state = stateInMem
			r.roll = rollState{kind: RollForward, point: p}
			return p, true
		}
	}
	return point.Point{}, false
}

// Close releases the Reader's resources and deregisters it from the
// Engine. Idempotent.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.immIter != nil {
		r.immIter.Close()
		r.immIter = nil
	}
	if r.unregister != nil {
		r.unregister()
	}
}

func containsPoint(cur *chain.AnchoredFragment[chain.Header], p point.Point) bool {
	if p == cur.Anchor() {
		return true
	}
	for _, h := range cur.Items() {
		if h.Point() == p {
			return true
		}
	}
	return false
}

func headerAfter(cur *chain.AnchoredFragment[chain.Header], p point.Point) (chain.Header, bool) {
	items := cur.Items()
	if p == cur.Anchor() {
		if len(items) == 0 {
			return chain.Header{}, false
		}
		return items[0], true
	}
	for i, h := range items {
		if h.Point() == p {
			if i+1 < len(items) {
				return items[i+1], true
			}
			return chain.Header{}, false
		}
	}
	return chain.Header{}, false
}

func headerOf(cv chain.ComponentValue) chain.Header {
	switch cv.Kind {
	case chain.ComponentHeader:
		return cv.Header
	case chain.ComponentBlock:
		return cv.Block.Header
	default:
		return chain.Header{}
	}
}
