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
	"time"

	"github.com/anacrolix/stm"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

// maybeCopyToImmutable moves every block more than k deep on the current
// chain into ImmutableDB, advances LedgerDB's anchor to match, and
// schedules the vacated VolatileDB slots for garbage collection after
// gcDelay (spec §4.4's copy-to-immutable task, §4.5). Runs inline on the
// add-block worker under copyLock: there is only ever one such task live,
// matching the single-copy-task invariant of spec §5.
func (e *Engine) maybeCopyToImmutable(ctx context.Context) {
	if !e.copyLock.TryLock() {
		return // a copy is already in flight; it will pick up this block too
	}
	defer e.copyLock.Unlock()

	var toCopy []chain.Header
	var newAnchor chain.Header
	var hasNewAnchor bool

	stm.Atomically(func(tx *stm.Tx) {
		cur := stm.Get(tx, e.chainVar)
		excess := cur.Len() - e.k
		if excess <= 0 {
			return
		}
		cp := cur.Clone()
		dropped := cp.DropOldest(excess)
		toCopy = append(toCopy, dropped...)
		if len(dropped) > 0 {
			newAnchor = dropped[len(dropped)-1]
			hasNewAnchor = true
		}
		stm.Set(tx, e.chainVar, cp)
	})

	if len(toCopy) == 0 {
		return
	}

	gcUpTo := toCopy[0].Slot
	for _, h := range toCopy {
		b, found, err := e.vol.Get(h.H)
		if err != nil || !found {
			e.log.Error("chainsel: copy-to-immutable could not read block from volatiledb", zap.String("hash", h.H.String()), zap.Error(err))
			return
		}
		if err := e.imm.Append(ctx, b); err != nil {
			e.log.Error("chainsel: copy-to-immutable append failed", zap.String("hash", h.H.String()), zap.Error(err))
			return
		}
		if h.Slot > gcUpTo {
			gcUpTo = h.Slot
		}
	}
	if hasNewAnchor {
		e.ledger.AdvanceAnchor(newAnchor.Point())
	}
	e.log.Debug("chainsel: copied blocks to immutabledb", zap.Int("count", len(toCopy)))

	if e.group != nil {
		e.group.Go(func() error {
			e.scheduleGC(e.taskCtx, gcUpTo)
			return nil
		})
	}
}

// scheduleGC waits gcDelay before collecting VolatileDB slots up to upTo,
// giving any reader still iterating over those blocks time to finish.
func (e *Engine) scheduleGC(ctx context.Context, upTo point.Slot) {
	t := time.NewTimer(e.gcDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}
	if err := e.vol.GarbageCollect(upTo); err != nil {
		e.log.Error("chainsel: garbage collection failed", zap.Error(err))
	}
}
