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

// Package blockfetch implements the block-fetch decision engine of spec
// §4.5: given the current chain, a candidate chain per peer and each
// peer's in-flight accounting and GSV estimate, decide which block ranges
// to request from which peer next. The engine only decides; it never
// transports anything (wire mini-protocols are out of scope per spec §1).
package blockfetch

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

// Mode selects the optimization goal of a Decide call (spec §4.5).
type Mode int

const (
	// BulkSync optimizes throughput: prefer the best chain and avoid
	// cross-peer duplication of in-flight blocks.
	BulkSync Mode = iota
	// Deadline optimizes for meeting a block-production deadline,
	// admitting some duplication to hedge latency.
	Deadline
)

func (m Mode) String() string {
	if m == Deadline {
		return "Deadline"
	}
	return "BulkSync"
}

// PeerStatus is a peer's current readiness for a new fetch request.
type PeerStatus int

const (
	// Ready accepts new requests.
	Ready PeerStatus = iota
	// Busy is waiting for its bytesInFlight to drop below the low
	// watermark before it accepts more requests (spec §4.5 step 7).
	Busy
)

// GSV is a peer's Goodput/ServiceTime/Variance triple (spec GLOSSARY),
// used to estimate expected response latency for a fetch request.
type GSV struct {
	// Goodput is estimated bytes/second once a response starts streaming.
	Goodput float64
	// ServiceTime is the fixed per-request round-trip overhead.
	ServiceTime float64
	// Variance is the estimator's variance on ServiceTime, widening the
	// probability band at low confidence.
	Variance float64
}

// expectedDuration estimates total response time for fetchSize bytes,
// added to whatever bytesInFlight must drain first.
func (g GSV) expectedDuration(bytesInFlight, fetchSize uint64) float64 {
	goodput := g.Goodput
	if goodput <= 0 {
		goodput = 1
	}
	return g.ServiceTime + float64(bytesInFlight+fetchSize)/goodput
}

// Band is the probability that a fetch request completes within the
// Deadline-mode deadline (spec §4.5 step 5).
type Band int

const (
	Low Band = iota
	Moderate
	High
)

// deadlineSeconds is the fixed 2s deadline budget the Deadline-mode
// probability-band model is computed against (spec §4.5 step 5).
const deadlineSeconds = 2.0

// band classifies a (gsv, inFlightBytes, fetchSize) point against
// deadlineSeconds using the estimator's variance as a confidence spread:
// comfortably under deadline with low variance is High, comfortably under
// with high variance or marginally under is Moderate, over is Low.
func band(g GSV, bytesInFlight, fetchSize uint64) Band {
	exp := g.expectedDuration(bytesInFlight, fetchSize)
	margin := deadlineSeconds - exp
	switch {
	case margin <= 0:
		return Low
	case margin > g.Variance:
		return High
	default:
		return Moderate
	}
}

// PeerCandidate is one peer's offer: a candidate chain (headers only,
// possibly extending past current), its GSV estimate and current
// in-flight accounting.
type PeerCandidate struct {
	ID     point.Hash // peer identity, opaque beyond equality/ordering
	Chain  *chain.AnchoredFragment[chain.Header]
	GSV    GSV
	Status PeerStatus

	// InFlight is the set of points already requested from this peer and
	// not yet resolved (spec §4.5 step 4).
	InFlight mapset.Set[point.Hash]

	ReqsInFlight  int
	BytesInFlight uint64
}

// Budget bounds a single fetch request (spec §4.5 step 7: "per-request
// byte/request budget, always including one block even if it singly
// exceeds the byte budget").
type Budget struct {
	MaxBytesPerRequest uint64
	MaxBlocksPerRequest int
	MaxReqsPerPeer      int
	HighWatermarkBytes  uint64
}

// Config bundles the decision pipeline's tunables.
type Config struct {
	Mode   Mode
	K      int // fork-suffix depth bound (spec §4.5 step 2)
	Budget Budget

	// MaxConcurrency bounds concurrentFetchPeers for the configured mode
	// (spec §4.5 step 7); enforced by the Decider's semaphore.
	MaxConcurrency int64
}

// Decision is the per-peer outcome of a Decide call: either a fetch
// request or a decline with a reason.
type Decision struct {
	PeerID  point.Hash
	Request []point.Point // points to fetch next, in chain order
	Decline string        // non-empty reason when Request is empty
}
