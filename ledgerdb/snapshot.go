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
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/point"
)

var snapshotFileRE = regexp.MustCompile(`^(\d+)_([0-9a-f]{64})$`)

func snapshotName(s State) string {
	return fmt.Sprintf("%d_%x", uint64(s.Point.Slot), s.Point.Hash[:])
}

// Snapshot writes the tip state to dir/{slot}_{hash}, atomically via
// write-to-temp-then-rename (spec §4.3), then prunes to the most recent
// snapRet snapshots.
func (db *DB) Snapshot(ctx context.Context) error {
	db.mu.RLock()
	tip := db.states[len(db.states)-1]
	db.mu.RUnlock()

	if tip.Point.IsOrigin() {
		return nil // nothing to snapshot yet
	}
	name := snapshotName(tip)
	tmp := db.dir + "/" + name + ".tmp"
	final := db.dir + "/" + name

	write := func() error {
		if err := afero.WriteFile(db.fs, tmp, tip.Data, 0o644); err != nil {
			return err
		}
		return db.fs.Rename(tmp, final)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(write, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("ledgerdb: snapshot commit: %w", err)
	}
	db.log.Info("ledgerdb snapshot written", zap.String("name", name))
	return db.pruneSnapshots()
}

func (db *DB) listSnapshots() ([]State, error) {
	infos, err := afero.ReadDir(db.fs, db.dir)
	if err != nil {
		return nil, err
	}
	type named struct {
		name string
		slot uint64
		hash point.Hash
	}
	var found []named
	for _, fi := range infos {
		m := snapshotFileRE.FindStringSubmatch(fi.Name())
		if m == nil {
			continue
		}
		slot, _ := strconv.ParseUint(m[1], 10, 64)
		var h point.Hash
		raw, _ := hex.DecodeString(m[2]) // fixed 32-byte hex, never fails on a regex-matched string
		copy(h[:], raw)
		found = append(found, named{name: fi.Name(), slot: slot, hash: h})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].slot > found[j].slot })
	out := make([]State, 0, len(found))
	for _, n := range found {
		out = append(out, State{Point: point.At(point.Slot(n.slot), n.hash)})
	}
	return out, nil
}

func (db *DB) pruneSnapshots() error {
	snaps, err := db.listSnapshots()
	if err != nil {
		return err
	}
	if len(snaps) <= db.snapRet {
		return nil
	}
	for _, s := range snaps[db.snapRet:] {
		if err := db.fs.Remove(db.dir + "/" + snapshotName(s)); err != nil {
			return err
		}
	}
	return nil
}
