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

package immutabledb

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/point"
)

func iterTestBlock(slot point.Slot, no point.BlockNo, hash, prev byte) chain.Block {
	var h, p point.Hash
	h[0], p[0] = hash, prev
	return chain.Block{Header: chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: p}, Body: []byte{hash, hash}}
}

func openChainedDB(t *testing.T, slotsPerChunk point.Slot, n int) (*DB, []chain.Block) {
	t.Helper()
	fs := afero.NewMemMapFs()
	db, err := Open(context.Background(), fs, "/imm", ChunkInfo{SlotsPerChunk: slotsPerChunk}, ValidateMostRecentChunk, nil)
	require.NoError(t, err)

	blocks := make([]chain.Block, 0, n)
	var prev byte
	for i := 0; i < n; i++ {
		hash := byte(i + 1)
		b := iterTestBlock(point.Slot(i), point.BlockNo(i+1), hash, prev)
		require.NoError(t, db.Append(context.Background(), b))
		blocks = append(blocks, b)
		prev = hash
	}
	return db, blocks
}

func TestStreamFromOriginAcrossChunks(t *testing.T) {
	db, blocks := openChainedDB(t, 2, 5) // slots 0-1 chunk0, 2-3 chunk1, 4 chunk2
	defer db.Close()

	to := blocks[len(blocks)-1].Header.Point()
	it, err := db.StreamFrom(point.Origin, to, chain.ComponentBlock)
	require.NoError(t, err)
	defer it.Close()

	var got []point.Point
	for it.HasNext() {
		p, cv, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, chain.ComponentBlock, cv.Kind)
		got = append(got, p)
	}
	require.Len(t, got, len(blocks))
	for i, b := range blocks {
		require.Equal(t, b.Header.Point(), got[i])
	}
}

func TestStreamFromMidpointToTip(t *testing.T) {
	db, blocks := openChainedDB(t, 2, 5)
	defer db.Close()

	from := blocks[1].Header.Point() // start at the second block, inclusive
	to := blocks[len(blocks)-1].Header.Point()
	it, err := db.StreamFrom(from, to, chain.ComponentHeader)
	require.NoError(t, err)
	defer it.Close()

	var got []point.Point
	for it.HasNext() {
		p, cv, err := it.Next()
		require.NoError(t, err)
		require.Equal(t, chain.ComponentHeader, cv.Kind)
		got = append(got, p)
	}
	require.Equal(t, blocks[1:], blocksAt(blocks, got))
}

// blocksAt maps points back onto the original block slice for comparison,
// relying on slot order matching index order in these tests' fixtures.
func blocksAt(blocks []chain.Block, pts []point.Point) []chain.Block {
	out := make([]chain.Block, 0, len(pts))
	for _, p := range pts {
		for _, b := range blocks {
			if b.Header.Point() == p {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

func TestStreamFromEmptyRangeWhenToIsOrigin(t *testing.T) {
	db, _ := openChainedDB(t, 2, 3)
	defer db.Close()

	_, err := db.StreamFrom(point.Origin, point.Origin, chain.ComponentHeader)
	require.ErrorIs(t, err, chainerr.ErrEmptyRange)
}

func TestStreamFromUnknownStartPointFails(t *testing.T) {
	db, blocks := openChainedDB(t, 2, 3)
	defer db.Close()

	var unknown point.Hash
	unknown[0] = 0xFF
	from := point.At(blocks[0].Header.Slot, unknown)
	to := blocks[len(blocks)-1].Header.Point()

	_, err := db.StreamFrom(from, to, chain.ComponentHeader)
	require.ErrorIs(t, err, chainerr.ErrMissingBlock)
}

func TestStreamFromNoChunkForFutureRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	db, err := Open(context.Background(), fs, "/imm", ChunkInfo{SlotsPerChunk: 2}, ValidateMostRecentChunk, nil)
	require.NoError(t, err)
	defer db.Close()

	var h point.Hash
	h[0] = 0x01
	from := point.At(10, h)
	to := point.At(11, h)
	_, err = db.StreamFrom(from, to, chain.ComponentHeader)
	require.ErrorIs(t, err, chainerr.ErrMissingBlock)
}

func TestStreamFromStopsAtToSlot(t *testing.T) {
	db, blocks := openChainedDB(t, 5, 6) // slots 0..4 in chunk 0, slot 5 in chunk 1
	defer db.Close()

	to := blocks[2].Header.Point()
	it, err := db.StreamFrom(point.Origin, to, chain.ComponentBlock)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for it.HasNext() {
		_, _, err := it.Next()
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 3, count) // blocks[0..2] inclusive
}
