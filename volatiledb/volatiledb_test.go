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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

func testBlock(slot point.Slot, no point.BlockNo, hash, prev byte) chain.Block {
	var h, p point.Hash
	h[0], p[0] = hash, prev
	return chain.Block{Header: chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: p}, Body: []byte("body")}
}

func TestPutGetRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	db, err := Open(context.Background(), fs, "/vol", 4, false, nil, nil)
	require.NoError(t, err)
	defer db.Close()

	b := testBlock(1, 1, 1, 0)
	require.NoError(t, db.Put(b))
	require.NoError(t, db.Put(b)) // idempotent

	got, ok, err := db.Get(b.Header.H)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.Header.Slot, got.Header.Slot)
	require.Equal(t, b.Body, got.Body)
}

func TestFilterByPredecessor(t *testing.T) {
	fs := afero.NewMemMapFs()
	db, err := Open(context.Background(), fs, "/vol", 4, false, nil, nil)
	require.NoError(t, err)
	defer db.Close()

	a := testBlock(1, 1, 1, 0)
	b1 := testBlock(2, 2, 2, 1)
	b2 := testBlock(2, 2, 3, 1)
	for _, blk := range []chain.Block{a, b1, b2} {
		require.NoError(t, db.Put(blk))
	}

	res := db.FilterByPredecessor(map[point.Hash]struct{}{a.Header.H: {}})
	require.Len(t, res[a.Header.H], 2)
}

func TestGarbageCollect(t *testing.T) {
	fs := afero.NewMemMapFs()
	db, err := Open(context.Background(), fs, "/vol", 2, false, nil, nil)
	require.NoError(t, err)
	defer db.Close()

	a := testBlock(1, 1, 1, 0)
	b := testBlock(2, 2, 2, 1)
	require.NoError(t, db.Put(a))
	require.NoError(t, db.Put(b))

	require.NoError(t, db.GarbageCollect(1))
	_, ok, _ := db.Get(a.Header.H)
	require.False(t, ok)
	_, ok, _ = db.Get(b.Header.H)
	require.True(t, ok)
	require.True(t, db.WasGCed(1))
	require.False(t, db.WasGCed(2))
}

func TestRecoveryAfterReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	db, err := Open(context.Background(), fs, "/vol", 4, false, nil, nil)
	require.NoError(t, err)

	b := testBlock(5, 5, 9, 8)
	require.NoError(t, db.Put(b))
	require.NoError(t, db.Close())

	db2, err := Open(context.Background(), fs, "/vol", 4, false, nil, nil)
	require.NoError(t, err)
	defer db2.Close()

	got, ok, err := db2.Get(b.Header.H)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.Header.BlockNo, got.Header.BlockNo)
}
