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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/immutabledb"
	"github.com/erigontech/corechain/ledgerdb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/volatiledb"
)

// testClock lets tests drive Engine.nowSlot deterministically, standing in
// for wall-clock-to-slot conversion.
type testClock struct {
	mu  sync.Mutex
	now point.Slot
}

func (c *testClock) Now() point.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(s point.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = s
}

func testHeader(slot point.Slot, no point.BlockNo, hash, prev byte) chain.Header {
	var h, p point.Hash
	h[0], p[0] = hash, prev
	return chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: p}
}

func testBlockWithBody(h chain.Header, body []byte) chain.Block {
	return chain.Block{Header: h, Body: body}
}

func rejectingApplier(prev ledgerdb.State, b chain.Block) (ledgerdb.State, error) {
	if len(b.Body) == 1 && b.Body[0] == 0xFF {
		return ledgerdb.State{}, errors.New("rejected block body")
	}
	return ledgerdb.State{Point: b.Header.Point(), BlockNo: b.Header.BlockNo}, nil
}

type testEnv struct {
	eng   *Engine
	vol   *volatiledb.DB
	imm   *immutabledb.DB
	clock *testClock
}

func newTestEnv(t *testing.T, k int, gcDelay time.Duration) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	vol, err := volatiledb.Open(ctx, fs, "/vol", 16, false, nil, nil)
	require.NoError(t, err)
	imm, err := immutabledb.Open(ctx, fs, "/imm", immutabledb.ChunkInfo{SlotsPerChunk: 1000}, immutabledb.ValidateMostRecentChunk, nil)
	require.NoError(t, err)
	source := func(ctx context.Context, fromExclusive, upTo point.Point) ([]chain.Block, error) { return nil, nil }
	ledger, err := ledgerdb.Open(ctx, fs, "/ledger", k, 2, ledgerdb.State{Point: point.Origin}, rejectingApplier, point.OriginOf[point.Point](), source, nil)
	require.NoError(t, err)

	clk := &testClock{now: 10}
	eng, err := NewEngine(Config{K: k, ClockSkew: 1000 * time.Second, GCDelay: gcDelay, NowSlot: clk.Now}, vol, imm, ledger, nil)
	require.NoError(t, err)
	eng.Run(ctx)
	t.Cleanup(eng.Close)

	return &testEnv{eng: eng, vol: vol, imm: imm, clock: clk}
}

func (env *testEnv) add(t *testing.T, b chain.Block) AddBlockPromise {
	t.Helper()
	p, err := env.eng.AddBlock(context.Background(), b)
	require.NoError(t, err)
	return p
}

func (env *testEnv) mustWritten(t *testing.T, p AddBlockPromise) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := p.WrittenToDisk.Wait(ctx)
	require.NoError(t, err)
	return ok
}

func (env *testEnv) mustProcessed(t *testing.T, p AddBlockPromise) point.Point {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pt, err := p.Processed.Wait(ctx)
	require.NoError(t, err)
	return pt
}

func TestExtensionGrowsCurrentChain(t *testing.T) {
	env := newTestEnv(t, 50, time.Hour)
	h1 := testHeader(1, 1, 1, 0)
	h2 := testHeader(2, 2, 2, 1)

	p1 := env.add(t, testBlockWithBody(h1, []byte("a")))
	require.True(t, env.mustWritten(t, p1))
	require.Equal(t, h1.Point(), env.mustProcessed(t, p1))

	p2 := env.add(t, testBlockWithBody(h2, []byte("b")))
	require.True(t, env.mustWritten(t, p2))
	require.Equal(t, h2.Point(), env.mustProcessed(t, p2))

	require.Equal(t, 2, env.eng.CurrentChain().Len())
	require.Equal(t, h2.Point(), env.eng.CurrentChain().HeadPoint())
}

func TestLongerForkIsAdopted(t *testing.T) {
	env := newTestEnv(t, 50, time.Hour)
	root := testHeader(1, 1, 1, 0)
	require.True(t, env.mustWritten(t, env.add(t, testBlockWithBody(root, []byte("r")))))

	shortTip := testHeader(2, 2, 2, 1)
	p := env.add(t, testBlockWithBody(shortTip, []byte("s")))
	require.True(t, env.mustWritten(t, p))
	env.mustProcessed(t, p)
	require.Equal(t, shortTip.Point(), env.eng.CurrentChain().HeadPoint())

	long1 := testHeader(2, 2, 9, 1)
	long2 := testHeader(3, 3, 10, 9)
	p1 := env.add(t, testBlockWithBody(long1, []byte("l1")))
	require.True(t, env.mustWritten(t, p1))
	env.mustProcessed(t, p1)
	p2 := env.add(t, testBlockWithBody(long2, []byte("l2")))
	require.True(t, env.mustWritten(t, p2))
	env.mustProcessed(t, p2)

	require.Equal(t, long2.Point(), env.eng.CurrentChain().HeadPoint())
	require.Equal(t, 3, env.eng.CurrentChain().Len())
}

func TestInvalidBlockRejectedByLedgerIsNotAdopted(t *testing.T) {
	env := newTestEnv(t, 50, time.Hour)
	bad := testHeader(1, 1, 1, 0)
	p := env.add(t, testBlockWithBody(bad, []byte{0xFF}))
	require.True(t, env.mustWritten(t, p)) // it does reach VolatileDB...
	require.Equal(t, point.Origin, env.mustProcessed(t, p)) // ...but never the current chain

	require.True(t, env.eng.CurrentChain().Empty())
	snap := env.eng.InvalidBlocks()
	_, marked := snap.Value[bad.H]
	require.True(t, marked)
}

func TestBlockOlderThanKIsRejectedBeforePersistence(t *testing.T) {
	env := newTestEnv(t, 2, time.Hour)
	for i := point.BlockNo(1); i <= 5; i++ {
		h := testHeader(point.Slot(i), i, byte(i), byte(i-1))
		p := env.add(t, testBlockWithBody(h, []byte{byte(i)}))
		require.True(t, env.mustWritten(t, p))
		env.mustProcessed(t, p)
	}
	// copy-to-immutable has already advanced the immutable tip to blockNo 3
	// (k=2 behind the current chain's blockNo 5); blockNo 1 + k <= 3, so it
	// is rejected before ever reaching VolatileDB.
	stale := testHeader(10, 1, 0xAA, 0xBB)
	p := env.add(t, testBlockWithBody(stale, []byte("stale")))
	require.False(t, env.mustWritten(t, p))
	_, found, _ := env.vol.Get(stale.H)
	require.False(t, found)
}

func TestFutureBlockIsHeldThenAdoptedOnceEligible(t *testing.T) {
	env := newTestEnv(t, 50, time.Hour)
	future := testHeader(100, 1, 1, 0)
	p := env.add(t, testBlockWithBody(future, []byte("future")))
	require.True(t, env.mustWritten(t, p))
	env.mustProcessed(t, p)
	require.True(t, env.eng.CurrentChain().Empty(), "future block must not be selected before its slot arrives")

	env.clock.Set(100)
	require.True(t, env.eng.reapEligibleFutureBlocks())
	require.True(t, env.eng.runSelection())
	require.Equal(t, future.Point(), env.eng.CurrentChain().HeadPoint())
}

func TestBlocksBeyondKAreCopiedAndGarbageCollected(t *testing.T) {
	env := newTestEnv(t, 1, 20*time.Millisecond)
	h1 := testHeader(1, 1, 1, 0)
	h2 := testHeader(2, 2, 2, 1)
	h3 := testHeader(3, 3, 3, 2)

	for _, h := range []chain.Header{h1, h2, h3} {
		p := env.add(t, testBlockWithBody(h, []byte{byte(h.BlockNo)}))
		require.True(t, env.mustWritten(t, p))
		env.mustProcessed(t, p)
	}

	require.Eventually(t, func() bool {
		tip := env.imm.GetTip()
		info, ok := tip.Get()
		return ok && info.Point == h2.Point()
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, found, _ := env.vol.Get(h1.H)
		return !found
	}, time.Second, 5*time.Millisecond)
}
