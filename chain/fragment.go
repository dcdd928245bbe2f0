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

package chain

import (
	"fmt"

	"github.com/erigontech/corechain/point"
)

// AnchoredFragment is an ordered sequence of T anchored at a point whose
// hash the first element's PrevHash must equal (spec §3). Elements must
// have consecutive BlockNo and strictly increasing Slot, EBBs excepted
// (an EBB shares its slot with the following ordinary block).
type AnchoredFragment[T HasHeader] struct {
	anchor   point.Point
	anchorNo point.BlockNo
	items    []T
}

// NewAnchoredFragment builds an empty fragment anchored at p, whose block
// number is anchorNo (the block number of the anchor itself, or 0 at
// Origin).
func NewAnchoredFragment[T HasHeader](p point.Point, anchorNo point.BlockNo) *AnchoredFragment[T] {
	return &AnchoredFragment[T]{anchor: p, anchorNo: anchorNo}
}

// Anchor returns the fragment's anchor point.
func (f *AnchoredFragment[T]) Anchor() point.Point { return f.anchor }

// AnchorBlockNo returns the block number of the anchor.
func (f *AnchoredFragment[T]) AnchorBlockNo() point.BlockNo { return f.anchorNo }

// Len returns the number of elements (excluding the anchor).
func (f *AnchoredFragment[T]) Len() int { return len(f.items) }

// Empty reports whether the fragment holds only its anchor.
func (f *AnchoredFragment[T]) Empty() bool { return len(f.items) == 0 }

// Items returns the fragment's elements, oldest first. Callers must treat
// the slice as read-only.
func (f *AnchoredFragment[T]) Items() []T { return f.items }

// HeadPoint returns the point of the last element, or the anchor if empty.
func (f *AnchoredFragment[T]) HeadPoint() point.Point {
	if len(f.items) == 0 {
		return f.anchor
	}
	return f.items[len(f.items)-1].GetHeader().Point()
}

// HeadBlockNo returns the block number of the last element, or the
// anchor's block number if empty.
func (f *AnchoredFragment[T]) HeadBlockNo() point.BlockNo {
	if len(f.items) == 0 {
		return f.anchorNo
	}
	return f.items[len(f.items)-1].GetHeader().BlockNo
}

// AtDepth returns the element `depth` steps back from the head (depth=0 is
// the head itself), and whether one exists at that depth within the
// fragment (false if depth would reach past the anchor).
func (f *AnchoredFragment[T]) AtDepth(depth int) (T, bool) {
	var zero T
	idx := len(f.items) - 1 - depth
	if idx < 0 || idx >= len(f.items) {
		return zero, false
	}
	return f.items[idx], true
}

// Validate checks the consecutive-BlockNo / increasing-Slot invariant
// against the fragment's own anchor block number.
func (f *AnchoredFragment[T]) Validate() error {
	prevNo := f.anchorNo
	var prevSlot point.Slot
	havePrevSlot := false
	for i, it := range f.items {
		h := it.GetHeader()
		if i == 0 {
			// first element must link to anchor; BlockNo continuity only
			// enforced when the fragment is non-origin-anchored, since
			// Origin carries no BlockNo of its own.
		}
		if h.BlockNo != prevNo+1 && !(i == 0 && f.anchor.IsOrigin()) {
			return fmt.Errorf("fragment: blockNo %d is not consecutive after %d", h.BlockNo, prevNo)
		}
		if havePrevSlot && !h.IsEBB && h.Slot <= prevSlot {
			return fmt.Errorf("fragment: slot %d does not strictly increase past %d", h.Slot, prevSlot)
		}
		prevNo = h.BlockNo
		prevSlot = h.Slot
		havePrevSlot = true
	}
	return nil
}

// IntersectFrom finds the deepest point in f that is also present (by
// hash) in other's headers or anchor, searching from the head backwards.
// Returns the intersection point and true, or the zero Point and false if
// the fragments share no point (including a shared anchor).
func IntersectFrom[T HasHeader, U HasHeader](f *AnchoredFragment[T], other *AnchoredFragment[U]) (point.Point, bool) {
	onOther := map[point.Hash]struct{}{}
	if !other.anchor.IsOrigin() {
		onOther[other.anchor.Hash] = struct{}{}
	}
	for _, it := range other.items {
		onOther[it.GetHeader().H] = struct{}{}
	}
	if !f.anchor.IsOrigin() {
		if _, ok := onOther[f.anchor.Hash]; ok {
			// the anchor itself always intersects trivially when shared;
			// keep scanning for a deeper match first.
		}
	}
	for i := len(f.items) - 1; i >= 0; i-- {
		h := f.items[i].GetHeader()
		if _, ok := onOther[h.H]; ok {
			return h.Point(), true
		}
	}
	if !f.anchor.IsOrigin() {
		if _, ok := onOther[f.anchor.Hash]; ok {
			return f.anchor, true
		}
	} else if other.anchor.IsOrigin() {
		return point.Origin, true
	}
	return point.Point{}, false
}

// Append adds an element to the head of the fragment without validating
// linkage; callers that need the invariant call Validate afterwards.
func (f *AnchoredFragment[T]) Append(item T) {
	f.items = append(f.items, item)
}

// DropOldest removes the n oldest elements, advancing the anchor to the
// point and block number of the last dropped element. Used by the
// copy-to-immutable task (spec §4.4) to shrink the current chain fragment
// as its tail becomes immutable.
func (f *AnchoredFragment[T]) DropOldest(n int) []T {
	if n <= 0 {
		return nil
	}
	if n > len(f.items) {
		n = len(f.items)
	}
	dropped := f.items[:n]
	last := dropped[len(dropped)-1].GetHeader()
	f.anchor = last.Point()
	f.anchorNo = last.BlockNo
	f.items = f.items[n:]
	return dropped
}

// Clone returns a shallow copy of the fragment (new backing slice, same
// elements), safe to hand to a reader snapshot.
func (f *AnchoredFragment[T]) Clone() *AnchoredFragment[T] {
	cp := &AnchoredFragment[T]{anchor: f.anchor, anchorNo: f.anchorNo}
	cp.items = append(cp.items, f.items...)
	return cp
}

// Truncate keeps only the first n elements (used when a candidate fails
// validation partway through, spec §4.4.e).
func (f *AnchoredFragment[T]) Truncate(n int) {
	if n < len(f.items) {
		f.items = f.items[:n]
	}
}
