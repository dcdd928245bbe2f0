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

package ledgerdb

import (
	"context"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/point"
)

// restore finds the newest valid snapshot, restores it, then replays
// blocks from ImmutableDB (via source) from the snapshot's point forward
// to immutableTip. If a snapshot fails to deserialize or replay, it is
// deleted and the next older one is tried; if none remain, replay starts
// from genesis (spec §4.3 restore).
func (db *DB) restore(ctx context.Context, genesis State, immutableTip point.WithOrigin[point.Point], source SourceBlocks) error {
	snaps, err := db.listSnapshots()
	if err != nil {
		return err
	}

	for _, s := range snaps {
		data, err := afero.ReadFile(db.fs, db.dir+"/"+snapshotName(s))
		if err != nil {
			db.log.Warn("ledgerdb: unreadable snapshot, trying older", zap.Error(err))
			_ = db.fs.Remove(db.dir + "/" + snapshotName(s))
			continue
		}
		s.Data = data
		states, err := db.replayFrom(ctx, s, immutableTip, source)
		if err != nil {
			db.log.Warn("ledgerdb: snapshot replay failed, trying older", zap.Error(err))
			_ = db.fs.Remove(db.dir + "/" + snapshotName(s))
			continue
		}
		db.states = states
		return nil
	}

	states, err := db.replayFrom(ctx, genesis, immutableTip, source)
	if err != nil {
		return err
	}
	db.states = states
	return nil
}

func (db *DB) replayFrom(ctx context.Context, from State, upTo point.WithOrigin[point.Point], source SourceBlocks) ([]State, error) {
	states := []State{from}
	to, ok := upTo.Get()
	if !ok || to == from.Point {
		return states, nil
	}
	blocks, err := source(ctx, from.Point, to)
	if err != nil {
		return nil, err
	}
	cur := from
	for _, b := range blocks {
		next, err := db.apply(cur, b)
		if err != nil {
			return nil, err
		}
		states = append(states, next)
		cur = next
	}
	return states, nil
}
