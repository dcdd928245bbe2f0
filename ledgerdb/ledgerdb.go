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

// Package ledgerdb implements the in-memory ledger-state sequence and its
// disk snapshots of spec §4.3. Ledger transition rules themselves are out
// of scope (§1): this package drives an externally supplied Applier and
// is otherwise agnostic to what a State's bytes mean.
package ledgerdb

import (
	"context"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/protocol"
)

// State is one point in the ledger-state sequence. Data is an opaque,
// already-serialized ledger snapshot; this package never interprets it.
type State struct {
	Point   point.Point
	BlockNo point.BlockNo
	Data    []byte
}

// Applier applies a block to a ledger state, producing the next state or
// a protocol.LedgerError. This is the seam onto the out-of-scope ledger
// transition rules (spec §1, §4.4's "applying blocks one-by-one").
type Applier func(prev State, b chain.Block) (State, error)

// SourceBlocks supplies ImmutableDB replay during Restore: given a point
// exclusive lower bound, stream blocks up to and including upTo.
type SourceBlocks func(ctx context.Context, fromExclusive, upTo point.Point) ([]chain.Block, error)

// DB holds the k+1-deep window of ledger states anchored at the immutable
// tip, plus snapshot persistence.
type DB struct {
	mu sync.RWMutex
	fs afero.Fs
	dir string
	log *zap.Logger

	k        int
	apply    Applier
	snapRet  int // retained snapshot count, minimum 2

	states []State // states[0] is the anchor (immutable tip); states[len-1] is tip
}

// Open opens the LedgerDB rooted at dir, restoring from the newest valid
// snapshot and replaying forward to immutableTip via source (spec §4.3
// restore).
func Open(ctx context.Context, fs afero.Fs, dir string, k int, snapshotRetain int, genesis State, apply Applier, immutableTip point.WithOrigin[point.Point], source SourceBlocks, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if snapshotRetain < 2 {
		snapshotRetain = 2
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}
	db := &DB{fs: fs, dir: dir, log: log.Named("ledgerdb"), k: k, apply: apply, snapRet: snapshotRetain}
	if err := db.restore(ctx, genesis, immutableTip, source); err != nil {
		return nil, err
	}
	return db, nil
}

// Tip returns the current tip state.
func (db *DB) Tip() State {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.states[len(db.states)-1]
}

// Anchor returns the oldest retained state (the immutable tip's ledger
// state, or genesis before anything has been copied to ImmutableDB).
func (db *DB) Anchor() State {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.states[0]
}

// Push applies b to the tip state, extending the sequence on success. On
// failure the sequence is left unchanged (spec §4.3 push).
func (db *DB) Push(b chain.Block) (State, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tip := db.states[len(db.states)-1]
	next, err := db.apply(tip, b)
	if err != nil {
		return State{}, &protocol.LedgerError{Block: b.Header.H, Reason: err.Error()}
	}
	db.states = append(db.states, next)
	db.trimLocked()
	return next, nil
}

// trimLocked drops states beyond k+1 deep, keeping the window bounded.
// Besides AdvanceAnchor, this is the other way the oldest retained state
// moves forward: once the window holds more than k+1 states, the oldest
// ones are dropped here.
func (db *DB) trimLocked() {
	max := db.k + 1
	if len(db.states) <= max {
		return
	}
	drop := len(db.states) - max
	db.states = append([]State(nil), db.states[drop:]...)
}

// AdvanceAnchor drops every state before newAnchor, called by the
// copy-to-immutable background task once blocks up to newAnchor have been
// committed to ImmutableDB. newAnchor must be one of the current states'
// points or this is a no-op (the caller is expected to have computed it
// from the same fragment that is being trimmed).
func (db *DB) AdvanceAnchor(newAnchor point.Point) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i, s := range db.states {
		if s.Point == newAnchor {
			db.states = append([]State(nil), db.states[i:]...)
			return
		}
	}
}

// Rewind returns a View whose tip is point, for chain-selection validation
// of a candidate fork. Fails with PointTooOld if point precedes the anchor.
func (db *DB) Rewind(p point.Point) (*View, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for i, s := range db.states {
		if s.Point == p {
			states := append([]State(nil), db.states[:i+1]...)
			return &View{apply: db.apply, states: states}, nil
		}
	}
	return nil, chainerr.ErrPointTooOld
}

// View is a detached, mutable copy of a ledger-state prefix used to
// validate a candidate chain without touching the real DB until adoption
// (spec §4.4's "rewind then apply blocks one-by-one").
type View struct {
	apply  Applier
	states []State
}

func (v *View) Tip() State { return v.states[len(v.states)-1] }

// TipPoint satisfies protocol.LedgerView, letting a View stand in for the
// ledger side of protocol-state validation during chain selection.
func (v *View) TipPoint() point.Point { return v.Tip().Point }

// Push applies b against the view's tip, same semantics as DB.Push.
func (v *View) Push(b chain.Block) (State, error) {
	next, err := v.apply(v.states[len(v.states)-1], b)
	if err != nil {
		return State{}, &protocol.LedgerError{Block: b.Header.H, Reason: err.Error()}
	}
	v.states = append(v.states, next)
	return next, nil
}

// Commit replaces db's state window with v's, called after a candidate
// chain validated against v has been adopted. Must hold the caller's
// chain-selection atomicity guarantee (spec §4.4's single logical
// transaction across current-chain + LedgerDB + reader notification).
func (db *DB) Commit(v *View) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.states = append([]State(nil), v.states...)
	db.trimLocked()
}
