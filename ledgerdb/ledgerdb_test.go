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
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

func sumApplier(prev State, b chain.Block) (State, error) {
	if len(b.Body) == 1 && b.Body[0] == 0xFF {
		return State{}, errors.New("rejected by test ledger rule")
	}
	n := 0
	if len(prev.Data) == 1 {
		n = int(prev.Data[0])
	}
	n += len(b.Body)
	return State{Point: b.Header.Point(), BlockNo: b.Header.BlockNo, Data: []byte{byte(n)}}, nil
}

func openTestDB(t *testing.T) *DB {
	fs := afero.NewMemMapFs()
	genesis := State{Point: point.Origin, Data: []byte{0}}
	db, err := Open(context.Background(), fs, "/ledger", 5, 2, genesis, sumApplier, point.OriginOf[point.Point](), nil, nil)
	require.NoError(t, err)
	return db
}

func block(slot point.Slot, no point.BlockNo, hash, prev byte, body []byte) chain.Block {
	var h, p point.Hash
	h[0], p[0] = hash, prev
	return chain.Block{Header: chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: p}, Body: body}
}

func TestPushExtendsTip(t *testing.T) {
	db := openTestDB(t)
	b := block(1, 1, 1, 0, []byte{1, 2, 3})
	st, err := db.Push(b)
	require.NoError(t, err)
	require.Equal(t, b.Header.Point(), st.Point)
	require.Equal(t, db.Tip().Point, st.Point)
}

func TestPushFailureLeavesStateUnchanged(t *testing.T) {
	db := openTestDB(t)
	before := db.Tip()
	_, err := db.Push(block(1, 1, 1, 0, []byte{0xFF}))
	require.Error(t, err)
	require.Equal(t, before, db.Tip())
}

func TestRewindThenCommit(t *testing.T) {
	db := openTestDB(t)
	a := block(1, 1, 1, 0, []byte{1})
	_, err := db.Push(a)
	require.NoError(t, err)

	view, err := db.Rewind(a.Header.Point())
	require.NoError(t, err)
	bAlt := block(2, 2, 2, 1, []byte{2})
	_, err = view.Push(bAlt)
	require.NoError(t, err)

	db.Commit(view)
	require.Equal(t, bAlt.Header.Point(), db.Tip().Point)
}

func TestRewindPointTooOld(t *testing.T) {
	db := openTestDB(t)
	var nonexistent point.Hash
	nonexistent[0] = 0xAB
	_, err := db.Rewind(point.At(99, nonexistent))
	require.Error(t, err)
}

func TestSnapshotAndRestore(t *testing.T) {
	fs := afero.NewMemMapFs()
	genesis := State{Point: point.Origin, Data: []byte{0}}
	db, err := Open(context.Background(), fs, "/ledger", 5, 2, genesis, sumApplier, point.OriginOf[point.Point](), nil, nil)
	require.NoError(t, err)

	a := block(1, 1, 1, 0, []byte{5})
	_, err = db.Push(a)
	require.NoError(t, err)
	require.NoError(t, db.Snapshot(context.Background()))

	source := func(ctx context.Context, fromExclusive, upTo point.Point) ([]chain.Block, error) {
		return nil, nil
	}
	immTip := point.NewWithOrigin(a.Header.Point())
	db2, err := Open(context.Background(), fs, "/ledger", 5, 2, genesis, sumApplier, immTip, source, nil)
	require.NoError(t, err)
	require.Equal(t, a.Header.Point(), db2.Tip().Point)
}
