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

package chaindb

import (
	"context"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/immutabledb"
	"github.com/erigontech/corechain/point"
)

// immutableSource adapts immutabledb.DB to ledgerdb.SourceBlocks, the seam
// ledgerdb.Open's restore path uses to replay blocks forward from its
// newest valid snapshot to the immutable tip (spec §4.3's restore).
func immutableSource(imm *immutabledb.DB) func(ctx context.Context, fromExclusive, upTo point.Point) ([]chain.Block, error) {
	return func(ctx context.Context, fromExclusive, upTo point.Point) ([]chain.Block, error) {
		if upTo.IsOrigin() {
			return nil, nil
		}
		it, err := imm.StreamFrom(fromExclusive, upTo, chain.ComponentBlock)
		if err != nil {
			return nil, err
		}
		defer it.Close()

		var blocks []chain.Block
		for it.HasNext() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			p, cv, err := it.Next()
			if err != nil {
				return nil, err
			}
			if p == fromExclusive {
				continue // StreamFrom starts at from itself
			}
			blocks = append(blocks, cv.Block)
		}
		return blocks, nil
	}
}
