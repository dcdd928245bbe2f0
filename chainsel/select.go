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

package chainsel

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/anacrolix/stm"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/ledgerdb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/protocol"
)

func rootHash(p point.Point) point.Hash {
	if p.IsOrigin() {
		return point.Hash{}
	}
	return p.Hash
}

type forkPoint struct {
	pt point.Point
	no point.BlockNo
}

// forkPoints lists every point along cur (oldest first, anchor included)
// from which a competing fork could plausibly branch, per spec §4.4's
// candidate-computation step (a).
func forkPoints(cur *chain.AnchoredFragment[chain.Header]) []forkPoint {
	pts := make([]forkPoint, 0, cur.Len()+1)
	pts = append(pts, forkPoint{cur.Anchor(), cur.AnchorBlockNo()})
	for _, h := range cur.Items() {
		pts = append(pts, forkPoint{h.Point(), h.BlockNo})
	}
	return pts
}

// runSelection executes one round of spec §4.4's chain-selection algorithm
// (steps a-f), triggered either by a newly persisted block or by a
// previously future block becoming eligible. It mutates the current-chain
// STM var and LedgerDB in place on adoption, and returns whether a new
// chain was adopted.
func (e *Engine) runSelection() bool {
	cur := e.CurrentChain()
	now := e.nowSlot()

	var candidates []*chain.AnchoredFragment[chain.Header]
	for _, fp := range forkPoints(cur) {
		visited := mapset.NewThreadUnsafeSet[point.Hash](rootHash(fp.pt))
		candidates = append(candidates, e.extendCandidates(fp.pt, fp.no, nil, now, visited)...)
	}

	// step b: drop candidates carrying any already known-invalid header,
	// not just the tip, so a known-bad interior block is ignored here
	// rather than being re-validated (and re-discovered invalid) by
	// validateAndTruncate.
	filtered := candidates[:0]
	for _, c := range candidates {
		if c.Empty() {
			continue
		}
		bad := false
		for _, h := range c.Items() {
			if _, ok := e.invalid.Get(h.H); ok {
				bad = true
				break
			}
		}
		if bad {
			continue
		}
		filtered = append(filtered, c)
	}
	candidates = filtered

	sortCandidatesByPreference(candidates, e.preferrer)

	for _, cand := range candidates {
		if !e.preferrer.Prefer(cur, cand) {
			break // none of the remaining (less preferred) candidates can win either
		}
		adopted, view, ok := e.validateAndTruncate(cand)
		if !ok {
			continue // every block in the candidate was invalid
		}
		if !e.preferrer.Prefer(cur, adopted) {
			continue // truncation dropped it below current preference
		}
		e.adopt(cur, adopted, view)
		return true
	}
	return false
}

// sortCandidatesByPreference orders candidates most-preferred first using
// the Preferrer's total order (spec §4.4 step d).
func sortCandidatesByPreference(cands []*chain.AnchoredFragment[chain.Header], pref protocol.Preferrer[chain.Header]) {
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && pref.Compare(cands[j], cands[j-1]) > 0; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
}

// validateAndTruncate rewinds LedgerDB to cand's anchor and applies cand's
// blocks one by one (spec §4.4 step e). On the first rejection it records
// the block as invalid, truncates the fragment there, and returns the
// truncated prefix (which may be empty, signalled by ok=false).
func (e *Engine) validateAndTruncate(cand *chain.AnchoredFragment[chain.Header]) (*chain.AnchoredFragment[chain.Header], *ledgerdb.View, bool) {
	view, err := e.ledger.Rewind(cand.Anchor())
	if err != nil {
		e.log.Warn("chainsel: candidate anchor not in ledger window, dropping", zap.Error(err))
		return nil, nil, false
	}
	items := cand.Items()
	for i, h := range items {
		b, found, err := e.vol.Get(h.H)
		if err != nil || !found {
			// The block may have just been GC'd out from under this
			// candidate by the copy-to-immutable task; it would only have
			// been collected after being copied, so check there before
			// giving up on the whole candidate (§9 Open Question (a)).
			if cv, ok, cerr := e.imm.GetBlockComponent(h.Point(), chain.ComponentBlock); cerr == nil && ok {
				b = cv.Block
			} else {
				cand.Truncate(0)
				break
			}
		}
		if e.protoStat != nil {
			e.protoStat.Tick(h.Slot)
			if err := e.protoStat.Update(h, view); err != nil {
				e.invalid.Insert(h.H, InvalidReason{Reason: "ProtocolValidationFailed", Slot: h.Slot})
				e.log.Info("chainsel: candidate block rejected by protocol state", zap.String("hash", h.H.String()), zap.Error(err))
				cand.Truncate(i)
				break
			}
		}
		if _, err := view.Push(b); err != nil {
			e.invalid.Insert(h.H, InvalidReason{Reason: "LedgerValidationFailed", Slot: h.Slot})
			e.log.Info("chainsel: candidate block rejected by ledger", zap.String("hash", h.H.String()), zap.Error(err))
			cand.Truncate(i)
			break
		}
	}
	if cand.Empty() {
		return cand, nil, false
	}
	return cand, view, true
}

// adopt swaps the STM-held current chain for newChain, commits its
// validated ledger view, and notifies every registered reader (spec §4.4
// step f, §4.6).
func (e *Engine) adopt(old, newChain *chain.AnchoredFragment[chain.Header], view *ledgerdb.View) {
	rollback, _ := chain.IntersectFrom(old, newChain)
	stm.Atomically(func(tx *stm.Tx) {
		stm.Set(tx, e.chainVar, newChain)
	})
	e.ledger.Commit(view)
	e.log.Info("chain selection adopted new chain",
		zap.String("head", newChain.HeadPoint().String()),
		zap.Uint64("headBlockNo", uint64(newChain.HeadBlockNo())),
		zap.String("rollbackTo", rollback.String()))
	e.notifyAll(rollback, newChain)
}

// extendCandidates walks VolatileDB's predecessor index from (anchorPt,
// prefix's tip) outward, branching at every fork, and holds back any
// header whose slot lies beyond now in FutureBlocks rather than extending
// through it (spec §4.4's future-block partition, step c). visited guards
// against a corrupted predecessor index looping back on itself; it is not
// expected to ever reject a hash in a healthy VolatileDB, since prevHash
// links can't cycle, but candidate computation runs on every add and must
// not hang if they somehow do.
func (e *Engine) extendCandidates(anchorPt point.Point, anchorNo point.BlockNo, prefix []chain.Header, now point.Slot, visited mapset.Set[point.Hash]) []*chain.AnchoredFragment[chain.Header] {
	tipHash := rootHash(anchorPt)
	if len(prefix) > 0 {
		tipHash = prefix[len(prefix)-1].H
	}
	children := e.vol.FilterByPredecessor(map[point.Hash]struct{}{tipHash: {}})[tipHash]
	if len(children) == 0 {
		return []*chain.AnchoredFragment[chain.Header]{buildFragment(anchorPt, anchorNo, prefix)}
	}

	var out []*chain.AnchoredFragment[chain.Header]
	extended := false
	for childHash := range children {
		if visited.Contains(childHash) {
			continue
		}
		info, ok := e.vol.GetBlockInfo(childHash)
		if !ok {
			continue
		}
		h := chain.Header{H: childHash, Slot: info.Slot, BlockNo: info.BlockNo, PrevHash: info.PrevHash, IsEBB: info.IsEBB}
		if h.Slot > now {
			e.markFuture(h)
			continue
		}
		extended = true
		next := append(append([]chain.Header{}, prefix...), h)
		branch := visited.Clone()
		branch.Add(childHash)
		out = append(out, e.extendCandidates(anchorPt, anchorNo, next, now, branch)...)
	}
	if !extended {
		out = append(out, buildFragment(anchorPt, anchorNo, prefix))
	}
	return out
}

func buildFragment(anchorPt point.Point, anchorNo point.BlockNo, prefix []chain.Header) *chain.AnchoredFragment[chain.Header] {
	frag := chain.NewAnchoredFragment[chain.Header](anchorPt, anchorNo)
	for _, h := range prefix {
		frag.Append(h)
	}
	return frag
}

func (e *Engine) markFuture(h chain.Header) {
	stm.Atomically(func(tx *stm.Tx) {
		m := stm.Get(tx, e.future)
		if _, ok := m[h.H]; ok {
			return
		}
		cp := make(map[point.Hash]chain.Header, len(m)+1)
		for k, v := range m {
			cp[k] = v
		}
		cp[h.H] = h
		stm.Set(tx, e.future, cp)
	})
}

// reapEligibleFutureBlocks removes every FutureBlocks entry whose slot has
// now arrived, returning whether any were reaped (the pipeline re-runs
// selection exactly when this is true, per spec §4.4 step 4).
func (e *Engine) reapEligibleFutureBlocks() bool {
	now := e.nowSlot()
	reaped := false
	stm.Atomically(func(tx *stm.Tx) {
		m := stm.Get(tx, e.future)
		cp := make(map[point.Hash]chain.Header, len(m))
		for h, hdr := range m {
			if hdr.Slot <= now {
				reaped = true
				continue
			}
			cp[h] = hdr
		}
		stm.Set(tx, e.future, cp)
	})
	return reaped
}
