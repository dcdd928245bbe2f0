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

// Package protocol declares the contracts this module consumes but does
// not implement: the cryptoeconomic protocol (leader election, VRF,
// signature verification) and the ledger transition rules it drives. Both
// are explicitly out of scope per spec §1; this package exists only so
// chainsel and ledgerdb have something concrete to depend on.
package protocol

import (
	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

// LedgerView is the read-only projection of ledger state that ProtocolState
// consumes to tick and to validate candidate headers. Its shape is owned by
// the (out of scope) ledger rules; this module only threads it through.
type LedgerView interface {
	// TipPoint is the point of the state this view was produced at.
	TipPoint() point.Point
}

// ProtocolState is the opaque cryptoeconomic protocol: leader election,
// VRF and signature verification all live behind it (spec §1 non-goal).
type ProtocolState interface {
	// Tick advances the protocol's notion of wall-clock slot.
	Tick(now point.Slot)
	// Update folds a candidate header's protocol fields into state,
	// consuming the LedgerView of the state that header extends (its
	// block has not been applied to the view yet).
	Update(h chain.Header, view LedgerView) error
}

// LedgerError is returned by LedgerView application (ledgerdb.Push) when a
// block fails the (out of scope) ledger transition rules. Chain selection
// treats this as a category-2 validation failure (spec §4.4.e, §7).
type LedgerError struct {
	Block  point.Hash
	Reason string
}

func (e *LedgerError) Error() string {
	return "ledger: " + e.Reason + " at " + e.Block.String()
}

// Preferrer decides between two candidate chains (spec §4.4.b preferCandidate,
// §4.4.d compareCandidates). Ordinarily "strictly greater chain length /
// chain order"; kept pluggable since it is protocol-defined.
type Preferrer[T chain.HasHeader] interface {
	// Prefer reports whether candidate is strictly preferred to current.
	Prefer(current, candidate *chain.AnchoredFragment[T]) bool
	// Compare imposes the total order used to sort surviving candidates
	// (spec §4.4.d); positive means a sorts before b.
	Compare(a, b *chain.AnchoredFragment[T]) int
}

// LongestChainPreferrer is the typical "strictly greater chain length"
// preference rule mentioned in spec §4.4.b as the common case, used as the
// default when no protocol-specific Preferrer is supplied.
type LongestChainPreferrer[T chain.HasHeader] struct{}

func (LongestChainPreferrer[T]) Prefer(current, candidate *chain.AnchoredFragment[T]) bool {
	return candidate.HeadBlockNo() > current.HeadBlockNo()
}

func (LongestChainPreferrer[T]) Compare(a, b *chain.AnchoredFragment[T]) int {
	an, bn := a.HeadBlockNo(), b.HeadBlockNo()
	switch {
	case an > bn:
		return 1
	case an < bn:
		return -1
	default:
		return 0
	}
}
