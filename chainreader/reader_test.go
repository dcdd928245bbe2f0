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

package chainreader_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainreader"
	"github.com/erigontech/corechain/chainsel"
	"github.com/erigontech/corechain/immutabledb"
	"github.com/erigontech/corechain/ledgerdb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/volatiledb"
)

func readerTestHeader(slot point.Slot, no point.BlockNo, hash, prev byte) chain.Header {
	var h, p point.Hash
	h[0], p[0] = hash, prev
	return chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: p}
}

func okApplier(prev ledgerdb.State, b chain.Block) (ledgerdb.State, error) {
	return ledgerdb.State{Point: b.Header.Point(), BlockNo: b.Header.BlockNo}, nil
}

type readerEnv struct {
	eng *chainsel.Engine
	vol *volatiledb.DB
	imm *immutabledb.DB
}

func newReaderEnv(t *testing.T, k int) *readerEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	vol, err := volatiledb.Open(ctx, fs, "/vol", 16, false, nil, nil)
	require.NoError(t, err)
	imm, err := immutabledb.Open(ctx, fs, "/imm", immutabledb.ChunkInfo{SlotsPerChunk: 1000}, immutabledb.ValidateMostRecentChunk, nil)
	require.NoError(t, err)
	source := func(ctx context.Context, fromExclusive, upTo point.Point) ([]chain.Block, error) { return nil, nil }
	ledger, err := ledgerdb.Open(ctx, fs, "/ledger", k, 2, ledgerdb.State{Point: point.Origin}, okApplier, point.OriginOf[point.Point](), source, nil)
	require.NoError(t, err)

	eng, err := chainsel.NewEngine(chainsel.Config{K: k, ClockSkew: time.Hour, NowSlot: func() point.Slot { return 1000 }}, vol, imm, ledger, nil)
	require.NoError(t, err)
	eng.Run(ctx)
	t.Cleanup(eng.Close)

	return &readerEnv{eng: eng, vol: vol, imm: imm}
}

func (env *readerEnv) addAndWait(t *testing.T, h chain.Header) {
	t.Helper()
	p, err := env.eng.AddBlock(context.Background(), chain.Block{Header: h, Body: []byte{byte(h.BlockNo)}})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Processed.Wait(ctx)
	require.NoError(t, err)
}

func instructionWithTimeout(t *testing.T, r *chainreader.Reader) chainreader.ChainUpdate {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, err := r.InstructionBlocking(ctx)
	require.NoError(t, err)
	return u
}

func TestReaderFollowsExtension(t *testing.T) {
	env := newReaderEnv(t, 50)
	a := readerTestHeader(1, 1, 1, 0)
	b := readerTestHeader(2, 2, 2, 1)
	env.addAndWait(t, a)
	env.addAndWait(t, b)

	cache, err := chainreader.NewCache(16)
	require.NoError(t, err)
	r := chainreader.NewReader(env.eng, env.imm, env.vol, chain.ComponentHeader, cache, nil)
	defer r.Close()

	u1 := instructionWithTimeout(t, r)
	require.Equal(t, chainreader.RollForward, u1.Kind)
	require.Equal(t, a.Point(), u1.Point)

	u2 := instructionWithTimeout(t, r)
	require.Equal(t, chainreader.RollForward, u2.Kind)
	require.Equal(t, b.Point(), u2.Point)

	c := readerTestHeader(3, 3, 3, 2)
	env.addAndWait(t, c)

	u3 := instructionWithTimeout(t, r)
	require.Equal(t, chainreader.RollForward, u3.Kind)
	require.Equal(t, c.Point(), u3.Point)
}

func TestReaderRollsBackOnPreferredFork(t *testing.T) {
	env := newReaderEnv(t, 50)
	a := readerTestHeader(1, 1, 1, 0)
	b := readerTestHeader(2, 2, 2, 1)
	env.addAndWait(t, a)
	env.addAndWait(t, b)

	cache, err := chainreader.NewCache(16)
	require.NoError(t, err)
	r := chainreader.NewReader(env.eng, env.imm, env.vol, chain.ComponentHeader, cache, nil)
	defer r.Close()

	require.Equal(t, a.Point(), instructionWithTimeout(t, r).Point)
	require.Equal(t, b.Point(), instructionWithTimeout(t, r).Point)

	bPrime1 := readerTestHeader(2, 2, 9, 1)
	bPrime2 := readerTestHeader(3, 3, 10, 9)
	env.addAndWait(t, bPrime1)
	env.addAndWait(t, bPrime2)
	require.Equal(t, bPrime2.Point(), env.eng.CurrentChain().HeadPoint())

	rollback := instructionWithTimeout(t, r)
	require.Equal(t, chainreader.RollBack, rollback.Kind)
	require.Equal(t, a.Point(), rollback.Point)

	forward := instructionWithTimeout(t, r)
	require.Equal(t, chainreader.RollForward, forward.Kind)
	require.Equal(t, bPrime1.Point(), forward.Point)
}

func TestReaderForwardFindsIntersection(t *testing.T) {
	env := newReaderEnv(t, 50)
	a := readerTestHeader(1, 1, 1, 0)
	b := readerTestHeader(2, 2, 2, 1)
	env.addAndWait(t, a)
	env.addAndWait(t, b)

	cache, err := chainreader.NewCache(16)
	require.NoError(t, err)
	r := chainreader.NewReader(env.eng, env.imm, env.vol, chain.ComponentHeader, cache, nil)
	defer r.Close()

	match, ok := r.Forward([]point.Point{b.Point(), a.Point()})
	require.True(t, ok)
	require.Equal(t, b.Point(), match)

	c := readerTestHeader(3, 3, 3, 2)
	env.addAndWait(t, c)
	u := instructionWithTimeout(t, r)
	require.Equal(t, chainreader.RollForward, u.Kind)
	require.Equal(t, c.Point(), u.Point)
}

func TestIteratorStreamsVolatileRange(t *testing.T) {
	env := newReaderEnv(t, 50)
	a := readerTestHeader(1, 1, 1, 0)
	b := readerTestHeader(2, 2, 2, 1)
	c := readerTestHeader(3, 3, 3, 2)
	env.addAndWait(t, a)
	env.addAndWait(t, b)
	env.addAndWait(t, c)

	cache, err := chainreader.NewCache(16)
	require.NoError(t, err)
	it, err := chainreader.NewIterator(env.imm, env.vol, env.eng, a.Point(), c.Point(), chain.ComponentHeader, cache, nil)
	require.NoError(t, err)
	defer it.Close()

	var got []point.Point
	for it.HasNext() {
		p, _, err := it.Next()
		require.NoError(t, err)
		got = append(got, p)
	}
	require.Equal(t, []point.Point{a.Point(), b.Point(), c.Point()}, got)
}
