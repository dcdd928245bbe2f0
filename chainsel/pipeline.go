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
	"context"

	"go.uber.org/zap"
)

// worker is the single background goroutine that drains BlocksToAdd,
// serializing every mutation of VolatileDB, the current chain and
// LedgerDB (spec §4.4's single-writer discipline).
func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case item, ok := <-e.queue:
			if !ok {
				return
			}
			e.processOne(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

// processOne runs the five pipeline steps of spec §4.4 for a single
// queued block: persist, future-block gate, select, reap-and-reselect,
// resolve. Copy-to-immutable runs before Processed is resolved, so a
// caller that has seen Processed also sees the advanced immutable tip.
func (e *Engine) processOne(ctx context.Context, item *queueItem) {
	b := item.block

	if err := e.vol.Put(b); err != nil {
		e.log.Error("chainsel: failed writing block to volatiledb", zap.Error(err), zap.String("hash", b.Header.H.String()))
		item.promise.WrittenToDisk.resolve(false)
		item.promise.Processed.resolve(e.CurrentChain().HeadPoint())
		return
	}
	item.promise.WrittenToDisk.resolve(true)

	if b.Header.Slot > e.nowSlot() {
		e.markFuture(b.Header)
	} else {
		e.runSelection()
	}

	// Blocks held in FutureBlocks on earlier rounds may have become
	// eligible purely due to wall-clock advancing, independent of this
	// block; re-run selection for them too (spec §4.4 step 4).
	if e.reapEligibleFutureBlocks() {
		e.runSelection()
	}

	e.maybeCopyToImmutable(ctx)
	item.promise.Processed.resolve(e.CurrentChain().HeadPoint())
}
