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

// Package point defines the position primitives shared by every storage and
// selection component: content hashes, slots, block numbers and Points.
package point

import "fmt"

// Hash is a content hash addressing a block or header. Its production is
// out of scope (see spec §1); this package only ever compares and stores
// hashes produced elsewhere.
type Hash [32]byte

// Zero reports whether h is the zero hash, used as a sentinel for "no hash"
// in contexts where Origin cannot be represented (e.g. map keys).
func (h Hash) Zero() bool { return h == Hash{} }

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:4])
}

// Slot is strictly monotonic logical time. Gaps are allowed.
type Slot uint64

// BlockNo is a dense height counter, consecutive across parent->child.
type BlockNo uint64

// Point identifies a position in a chain: either Origin or (Slot, Hash).
type Point struct {
	origin bool
	Slot   Slot
	Hash   Hash
}

// Origin is the point preceding the first block of any chain.
var Origin = Point{origin: true}

// At builds a concrete (slot, hash) point.
func At(slot Slot, hash Hash) Point {
	return Point{Slot: slot, Hash: hash}
}

// IsOrigin reports whether p is the Origin point.
func (p Point) IsOrigin() bool { return p.origin }

func (p Point) String() string {
	if p.origin {
		return "Origin"
	}
	return fmt.Sprintf("(%d,%s)", p.Slot, p.Hash)
}

// WithOrigin wraps a value that may be absent because the chain is at
// Origin, mirroring the source's WithOrigin combinator.
type WithOrigin[T any] struct {
	origin bool
	Value  T
}

// NewWithOrigin wraps v as a present value.
func NewWithOrigin[T any](v T) WithOrigin[T] { return WithOrigin[T]{Value: v} }

// OriginOf returns the absent/origin sentinel for T.
func OriginOf[T any]() WithOrigin[T] { return WithOrigin[T]{origin: true} }

// IsOrigin reports whether the wrapped value is the origin sentinel.
func (w WithOrigin[T]) IsOrigin() bool { return w.origin }

// Get returns the wrapped value and whether it was present.
func (w WithOrigin[T]) Get() (T, bool) { return w.Value, !w.origin }
