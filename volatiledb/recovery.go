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

package volatiledb

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

var segmentFileRE = regexp.MustCompile(`^blocks-(\d+)\.dat$`)

// recover scans every segment file, parsing block-by-block; a truncated
// trailing block truncates the file (spec §4.2 Recovery). With
// validateAll, each parsed block is additionally checked against the
// caller-supplied integrity predicate (e.g. a re-hash or signature check
// that lives outside this package's scope).
func (db *DB) recover(ctx context.Context, validateAll bool, integrity func(chain.Block) error) error {
	infos, err := afero.ReadDir(db.fs, db.dir)
	if err != nil {
		return err
	}
	var indices []uint32
	for _, fi := range infos {
		m := segmentFileRE.FindStringSubmatch(fi.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.ParseUint(m[1], 10, 32)
		indices = append(indices, uint32(n))
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	for _, idx := range indices {
		seg, err := openSegment(db.fs, db.dir, idx)
		if err != nil {
			return err
		}
		if err := db.recoverSegment(seg, validateAll, integrity); err != nil {
			return err
		}
		db.segments[idx] = seg
		db.currentSeg = idx
	}
	return nil
}

func (db *DB) recoverSegment(seg *segment, validateAll bool, integrity func(chain.Block) error) error {
	var offset int64
	for offset < seg.size {
		blk, consumed, ok := seg.parseAt(offset)
		if !ok {
			break
		}
		if validateAll && integrity != nil {
			if err := integrity(blk); err != nil {
				break
			}
		}
		if _, exists := db.byHash[blk.Header.H]; exists {
			offset += consumed
			continue // duplicate across segments; keep first occurrence's index entry
		}
		e := &entry{
			seg: seg.idx,
			pos: len(seg.offsets),
			info: BlockInfo{
				Slot:     blk.Header.Slot,
				BlockNo:  blk.Header.BlockNo,
				PrevHash: blk.Header.PrevHash,
				IsEBB:    blk.Header.IsEBB,
			},
			hash: blk.Header.H,
		}
		seg.offsets = append(seg.offsets, offset)
		seg.liveCount++
		db.byHash[blk.Header.H] = e
		if db.byPrevHash[blk.Header.PrevHash] == nil {
			db.byPrevHash[blk.Header.PrevHash] = map[point.Hash]struct{}{}
		}
		db.byPrevHash[blk.Header.PrevHash][blk.Header.H] = struct{}{}
		offset += consumed
	}
	if offset < seg.size {
		db.log.Warn("volatiledb truncated partial trailing block",
			zap.Uint32("segment", seg.idx), zap.Int64("keptBytes", offset), zap.Int64("discardedBytes", seg.size-offset))
		if err := seg.f.Truncate(offset); err != nil {
			return fmt.Errorf("volatiledb: truncate segment %d: %w", seg.idx, err)
		}
		seg.size = offset
	}
	return nil
}
