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

package blockfetch_test

import (
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/blockfetch"
	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/point"
)

func bfTestHeader(slot point.Slot, no point.BlockNo, hash, prev byte, sizeHint uint32) chain.Header {
	var h, p point.Hash
	h[0], p[0] = hash, prev
	return chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: p, BlockSizeHint: sizeHint}
}

func fragmentOf(headers ...chain.Header) *chain.AnchoredFragment[chain.Header] {
	f := chain.NewAnchoredFragment[chain.Header](point.Origin, 0)
	for _, h := range headers {
		f.Append(h)
	}
	return f
}

func peerID(b byte) point.Hash {
	var h point.Hash
	h[0] = b
	return h
}

func TestDecideFiltersNonPreferredChain(t *testing.T) {
	a := bfTestHeader(1, 1, 1, 0, 100)
	b := bfTestHeader(2, 2, 2, 1, 100)
	current := fragmentOf(a, b)

	d := blockfetch.NewDecider(blockfetch.Config{Mode: blockfetch.BulkSync, K: 50, MaxConcurrency: 2}, nil)
	peers := []blockfetch.PeerCandidate{
		{ID: peerID(1), Chain: fragmentOf(a, b), InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
	}
	out := d.Decide(current, peers, nil)
	require.Len(t, out, 1)
	require.Empty(t, out[0].Request)
	require.Equal(t, "NotPreferred", out[0].Decline)
}

func TestDecideNoIntersectionDeclines(t *testing.T) {
	a := bfTestHeader(1, 1, 1, 0, 100)
	b := bfTestHeader(2, 2, 2, 1, 100)
	// current is anchored past an immutable tip g, not Origin, so a
	// candidate anchored at Origin with no common hash shares nothing.
	g := bfTestHeader(0, 0, 0x99, 0, 0)
	current := chain.NewAnchoredFragment[chain.Header](g.Point(), 0)
	current.Append(a)
	current.Append(b)

	x := bfTestHeader(1, 1, 0x51, 0, 100)
	y := bfTestHeader(2, 2, 0x52, 0x51, 100)
	z := bfTestHeader(3, 3, 0x53, 0x52, 100)

	d := blockfetch.NewDecider(blockfetch.Config{Mode: blockfetch.BulkSync, K: 50, MaxConcurrency: 2}, nil)
	peers := []blockfetch.PeerCandidate{
		{ID: peerID(1), Chain: fragmentOf(x, y, z), InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
	}
	out := d.Decide(current, peers, nil)
	require.Equal(t, chainerr.ErrChainNoIntersect.Reason, out[0].Decline)
}

func TestDecideGrantsRequestWithinBudget(t *testing.T) {
	a := bfTestHeader(1, 1, 1, 0, 100)
	b := bfTestHeader(2, 2, 2, 1, 100)
	current := fragmentOf(a, b)

	c := bfTestHeader(3, 3, 3, 2, 100)
	e := bfTestHeader(4, 4, 4, 3, 100)
	f := bfTestHeader(5, 5, 5, 4, 100)

	d := blockfetch.NewDecider(blockfetch.Config{
		Mode: blockfetch.BulkSync, K: 50, MaxConcurrency: 2,
		Budget: blockfetch.Budget{MaxBlocksPerRequest: 2, MaxBytesPerRequest: 1000, HighWatermarkBytes: 10000, MaxReqsPerPeer: 10},
	}, nil)
	peers := []blockfetch.PeerCandidate{
		{ID: peerID(1), Chain: fragmentOf(a, b, c, e, f), InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
	}
	out := d.Decide(current, peers, nil)
	require.Empty(t, out[0].Decline)
	require.Equal(t, []point.Point{c.Point(), e.Point()}, out[0].Request)
}

func TestDecideAlwaysIncludesOversizedBlock(t *testing.T) {
	a := bfTestHeader(1, 1, 1, 0, 100)
	b := bfTestHeader(2, 2, 2, 1, 100)
	current := fragmentOf(a, b)

	c := bfTestHeader(3, 3, 3, 2, 10_000)

	d := blockfetch.NewDecider(blockfetch.Config{
		Mode: blockfetch.BulkSync, K: 50, MaxConcurrency: 2,
		Budget: blockfetch.Budget{MaxBlocksPerRequest: 5, MaxBytesPerRequest: 10, HighWatermarkBytes: 100_000, MaxReqsPerPeer: 10},
	}, nil)
	peers := []blockfetch.PeerCandidate{
		{ID: peerID(1), Chain: fragmentOf(a, b, c), InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
	}
	out := d.Decide(current, peers, nil)
	require.Equal(t, []point.Point{c.Point()}, out[0].Request)
}

func TestDecideConcurrencyLimitDeclinesSecondPeer(t *testing.T) {
	a := bfTestHeader(1, 1, 1, 0, 100)
	b := bfTestHeader(2, 2, 2, 1, 100)
	current := fragmentOf(a, b)

	c1 := bfTestHeader(3, 3, 0x10, 2, 100)
	c2 := bfTestHeader(3, 3, 0x20, 2, 100)

	d := blockfetch.NewDecider(blockfetch.Config{
		Mode: blockfetch.BulkSync, K: 50, MaxConcurrency: 1,
		Budget: blockfetch.Budget{MaxBlocksPerRequest: 5, MaxBytesPerRequest: 10_000, HighWatermarkBytes: 100_000, MaxReqsPerPeer: 10},
	}, nil)
	peers := []blockfetch.PeerCandidate{
		{ID: peerID(1), Chain: fragmentOf(a, b, c1), GSV: blockfetch.GSV{Goodput: 1_000_000, ServiceTime: 0.01}, InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
		{ID: peerID(2), Chain: fragmentOf(a, b, c2), GSV: blockfetch.GSV{Goodput: 10, ServiceTime: 5}, InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
	}
	out := d.Decide(current, peers, nil)
	require.Empty(t, out[0].Decline)
	require.Equal(t, "ConcurrencyLimit", out[1].Decline)
}

func TestDecideBulkSyncDedupesOverlappingRequests(t *testing.T) {
	a := bfTestHeader(1, 1, 1, 0, 100)
	b := bfTestHeader(2, 2, 2, 1, 100)
	current := fragmentOf(a, b)

	c := bfTestHeader(3, 3, 3, 2, 100)

	d := blockfetch.NewDecider(blockfetch.Config{
		Mode: blockfetch.BulkSync, K: 50, MaxConcurrency: 5,
		Budget: blockfetch.Budget{MaxBlocksPerRequest: 5, MaxBytesPerRequest: 10_000, HighWatermarkBytes: 100_000, MaxReqsPerPeer: 10},
	}, nil)
	peers := []blockfetch.PeerCandidate{
		{ID: peerID(1), Chain: fragmentOf(a, b, c), GSV: blockfetch.GSV{Goodput: 1_000_000, ServiceTime: 0.01}, InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
		{ID: peerID(2), Chain: fragmentOf(a, b, c), GSV: blockfetch.GSV{Goodput: 10, ServiceTime: 5}, InFlight: mapset.NewThreadUnsafeSet[point.Hash]()},
	}
	out := d.Decide(current, peers, nil)
	require.Equal(t, []point.Point{c.Point()}, out[0].Request)
	require.Equal(t, "NothingToFetch", out[1].Decline)
}
