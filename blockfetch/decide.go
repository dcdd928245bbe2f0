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

package blockfetch

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/semaphore"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/protocol"
)

// Decider runs the seven-step pipeline of spec §4.5 across successive
// calls. Each Decide call is a pure function of its arguments except for
// the concurrentFetchPeers count, which Decider tracks itself via a
// semaphore so step 7's admission check is stateful across calls the way
// the spec describes it: a caller that is granted a Request must call
// Release once that peer's fetch resolves.
type Decider struct {
	cfg       Config
	preferrer protocol.Preferrer[chain.Header]
	sem       *semaphore.Weighted
}

// NewDecider builds a Decider for cfg.Mode, bounding concurrentFetchPeers
// at cfg.MaxConcurrency. preferrer defaults to LongestChainPreferrer.
func NewDecider(cfg Config, preferrer protocol.Preferrer[chain.Header]) *Decider {
	if preferrer == nil {
		preferrer = protocol.LongestChainPreferrer[chain.Header]{}
	}
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	return &Decider{cfg: cfg, preferrer: preferrer, sem: semaphore.NewWeighted(maxConc)}
}

// Release returns one concurrentFetchPeers slot, for the caller to call
// once a granted Decision's fetch resolves (success or failure).
func (d *Decider) Release() { d.sem.Release(1) }

type scored struct {
	peer     PeerCandidate
	suffix   []chain.Header
	band     Band
	duration float64
}

// Decide runs the pipeline over peers against current, returning one
// Decision per input peer in the order given. alreadyFetched reports
// whether a point is already durably stored (VolatileDB or ImmutableDB);
// it is the caller's responsibility so this package never depends on the
// storage layers directly.
func (d *Decider) Decide(current *chain.AnchoredFragment[chain.Header], peers []PeerCandidate, alreadyFetched func(point.Point) bool) []Decision {
	order := make([]point.Hash, 0, len(peers))
	decisions := make(map[point.Hash]Decision, len(peers))
	scoredPeers := make([]scored, 0, len(peers))

	for _, p := range peers {
		order = append(order, p.ID)

		// step 1: filter plausible
		if !d.preferrer.Prefer(current, p.Chain) {
			decisions[p.ID] = Decision{PeerID: p.ID, Decline: "NotPreferred"}
			continue
		}

		// step 2: fork suffix
		ipt, ok := chain.IntersectFrom(p.Chain, current)
		if !ok || !withinK(current, ipt, d.cfg.K) {
			decisions[p.ID] = Decision{PeerID: p.ID, Decline: chainerr.ErrChainNoIntersect.Reason}
			continue
		}
		suffix := suffixFrom(p.Chain, ipt)

		// step 3: filter already fetched
		suffix = filterFetched(suffix, alreadyFetched)
		// step 4: filter in-flight with this peer
		suffix = filterInFlight(suffix, p.InFlight)

		if len(suffix) == 0 {
			decisions[p.ID] = Decision{PeerID: p.ID, Decline: "NothingToFetch"}
			continue
		}

		s := scored{peer: p, suffix: suffix}
		estimate := selectByBudget(suffix, d.cfg.Budget)
		size := totalSize(estimate)
		if d.cfg.Mode == Deadline {
			s.band = band(p.GSV, p.BytesInFlight, size)
		} else {
			s.duration = p.GSV.expectedDuration(p.BytesInFlight, size)
		}
		scoredPeers = append(scoredPeers, s)
	}

	// step 5: prioritize. Ties from Compare keep the stable sort's
	// incoming order, which already groups peers offering the same head
	// in the same band adjacently — satisfying the "interleave so no
	// peer is starved" requirement without a separate pass.
	sort.SliceStable(scoredPeers, func(i, j int) bool {
		if d.cfg.Mode == Deadline {
			if scoredPeers[i].band != scoredPeers[j].band {
				return scoredPeers[i].band > scoredPeers[j].band
			}
			return d.preferrer.Compare(scoredPeers[i].peer.Chain, scoredPeers[j].peer.Chain) > 0
		}
		if c := d.preferrer.Compare(scoredPeers[i].peer.Chain, scoredPeers[j].peer.Chain); c != 0 {
			return c > 0
		}
		return scoredPeers[i].duration < scoredPeers[j].duration
	})

	// step 6: filter in-flight with other peers
	globalInFlight := mapset.NewThreadUnsafeSet[point.Hash]()
	for _, p := range peers {
		if p.InFlight == nil {
			continue
		}
		globalInFlight = globalInFlight.Union(p.InFlight)
	}
	chosenThisPass := mapset.NewThreadUnsafeSet[point.Hash]()

	// step 7: fetch-request decisions, stateful over the sorted list
	for _, s := range scoredPeers {
		suffix := s.suffix
		if d.cfg.Mode == BulkSync {
			suffix = dropInFlightOtherPeers(suffix, s.peer.InFlight, globalInFlight)
			suffix = dropSet(suffix, chosenThisPass)
		}
		if len(suffix) == 0 {
			decisions[s.peer.ID] = Decision{PeerID: s.peer.ID, Decline: "NothingToFetch"}
			continue
		}
		if d.cfg.Budget.MaxReqsPerPeer > 0 && s.peer.ReqsInFlight >= d.cfg.Budget.MaxReqsPerPeer {
			decisions[s.peer.ID] = Decision{PeerID: s.peer.ID, Decline: "TooManyRequests"}
			continue
		}
		if d.cfg.Budget.HighWatermarkBytes > 0 && s.peer.BytesInFlight >= d.cfg.Budget.HighWatermarkBytes {
			decisions[s.peer.ID] = Decision{PeerID: s.peer.ID, Decline: chainerr.ErrBytesInFlight.Reason}
			continue
		}
		if s.peer.Status == Busy {
			decisions[s.peer.ID] = Decision{PeerID: s.peer.ID, Decline: "PeerBusy"}
			continue
		}
		if !d.sem.TryAcquire(1) {
			decisions[s.peer.ID] = Decision{PeerID: s.peer.ID, Decline: "ConcurrencyLimit"}
			continue
		}

		chosen := selectByBudget(suffix, d.cfg.Budget)
		if d.cfg.Mode == BulkSync {
			for _, h := range chosen {
				chosenThisPass.Add(h.H)
			}
		}
		pts := make([]point.Point, len(chosen))
		for i, h := range chosen {
			pts[i] = h.Point()
		}
		decisions[s.peer.ID] = Decision{PeerID: s.peer.ID, Request: pts}
	}

	out := make([]Decision, 0, len(order))
	for _, id := range order {
		out = append(out, decisions[id])
	}
	return out
}

func withinK(current *chain.AnchoredFragment[chain.Header], ipt point.Point, k int) bool {
	if k <= 0 {
		return true
	}
	intersectNo := current.AnchorBlockNo()
	if ipt != current.Anchor() {
		found := false
		for _, h := range current.Items() {
			if h.Point() == ipt {
				intersectNo = h.BlockNo
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return uint64(current.HeadBlockNo())-uint64(intersectNo) <= uint64(k)
}

func suffixFrom(f *chain.AnchoredFragment[chain.Header], pt point.Point) []chain.Header {
	if pt == f.Anchor() {
		return append([]chain.Header(nil), f.Items()...)
	}
	items := f.Items()
	for i, h := range items {
		if h.Point() == pt {
			return append([]chain.Header(nil), items[i+1:]...)
		}
	}
	return nil
}

func filterFetched(suffix []chain.Header, already func(point.Point) bool) []chain.Header {
	if already == nil {
		return suffix
	}
	out := suffix[:0:0]
	for _, h := range suffix {
		if !already(h.Point()) {
			out = append(out, h)
		}
	}
	return out
}

func filterInFlight(suffix []chain.Header, inFlight mapset.Set[point.Hash]) []chain.Header {
	if inFlight == nil || inFlight.Cardinality() == 0 {
		return suffix
	}
	out := suffix[:0:0]
	for _, h := range suffix {
		if !inFlight.Contains(h.H) {
			out = append(out, h)
		}
	}
	return out
}

func dropInFlightOtherPeers(suffix []chain.Header, mine, global mapset.Set[point.Hash]) []chain.Header {
	out := suffix[:0:0]
	for _, h := range suffix {
		inFlightElsewhere := global.Contains(h.H) && (mine == nil || !mine.Contains(h.H))
		if !inFlightElsewhere {
			out = append(out, h)
		}
	}
	return out
}

func dropSet(suffix []chain.Header, chosen mapset.Set[point.Hash]) []chain.Header {
	if chosen.Cardinality() == 0 {
		return suffix
	}
	out := suffix[:0:0]
	for _, h := range suffix {
		if !chosen.Contains(h.H) {
			out = append(out, h)
		}
	}
	return out
}

func selectByBudget(suffix []chain.Header, b Budget) []chain.Header {
	if len(suffix) == 0 {
		return nil
	}
	maxBlocks := b.MaxBlocksPerRequest
	if maxBlocks <= 0 {
		maxBlocks = len(suffix)
	}
	out := make([]chain.Header, 0, maxBlocks)
	var bytes uint64
	for _, h := range suffix {
		size := uint64(h.BlockSizeHint)
		if size == 0 {
			size = 1
		}
		if len(out) > 0 && (len(out) >= maxBlocks || (b.MaxBytesPerRequest > 0 && bytes+size > b.MaxBytesPerRequest)) {
			break
		}
		out = append(out, h)
		bytes += size
	}
	return out
}

func totalSize(headers []chain.Header) uint64 {
	var total uint64
	for _, h := range headers {
		size := uint64(h.BlockSizeHint)
		if size == 0 {
			size = 1
		}
		total += size
	}
	return total
}
