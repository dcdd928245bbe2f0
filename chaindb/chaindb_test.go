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

package chaindb_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chaindb"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/config"
	"github.com/erigontech/corechain/ledgerdb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/protocol"
)

func testHeader(slot point.Slot, no point.BlockNo, hash, prev byte) chain.Header {
	var h, p point.Hash
	h[0], p[0] = hash, prev
	return chain.Header{H: h, Slot: slot, BlockNo: no, PrevHash: p}
}

func testApply(prev ledgerdb.State, b chain.Block) (ledgerdb.State, error) {
	return ledgerdb.State{Point: b.Header.Point(), BlockNo: b.Header.BlockNo}, nil
}

func testDeps() chaindb.Deps {
	return chaindb.Deps{
		Genesis:           ledgerdb.State{Point: point.Origin},
		Apply:             testApply,
		Preferrer:         protocol.LongestChainPreferrer[chain.Header]{},
		NowSlot:           func() point.Slot { return 1_000_000 },
		MetricsRegisterer: prometheus.NewRegistry(),
	}
}

func testConfig(root string) config.Config {
	cfg := config.Default()
	cfg.DBRoot = root
	cfg.K = 10
	cfg.ProtocolMagic = 42
	return cfg
}

func TestOpenAddBlockAdoptsChain(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	db, err := chaindb.Open(ctx, fs, testConfig("/db"), testDeps(), nil)
	require.NoError(t, err)
	defer db.Close()

	a := chain.Block{Header: testHeader(1, 1, 1, 0)}
	b := chain.Block{Header: testHeader(2, 2, 2, 1)}

	pa, err := db.AddBlock(ctx, a)
	require.NoError(t, err)
	written, err := pa.WrittenToDisk.Wait(ctx)
	require.NoError(t, err)
	require.True(t, written)
	head, err := pa.Processed.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, a.Header.Point(), head)

	pb, err := db.AddBlock(ctx, b)
	require.NoError(t, err)
	_, err = pb.Processed.Wait(ctx)
	require.NoError(t, err)

	require.Equal(t, b.Header.Point(), db.GetTipPoint())
	require.Equal(t, b.Header.BlockNo, db.GetTipBlockNo())

	frag := db.GetCurrentChain()
	require.Equal(t, 2, frag.Len())

	got, ok, err := db.GetBlock(a.Header.Point())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got)

	fetched := db.GetIsFetched()
	require.True(t, fetched(a.Header.Point()))
	require.False(t, fetched(testHeader(9, 9, 0x99, 0).Point()))
}

func TestAddBlockRejectsFarFutureSlot(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	deps := testDeps()
	deps.NowSlot = func() point.Slot { return 0 }

	db, err := chaindb.Open(ctx, fs, testConfig("/db"), deps, nil)
	require.NoError(t, err)
	defer db.Close()

	farFuture := chain.Block{Header: testHeader(1_000_000, 1, 1, 0)}
	p, err := db.AddBlock(ctx, farFuture)
	require.NoError(t, err)
	written, err := p.WrittenToDisk.Wait(ctx)
	require.NoError(t, err)
	require.False(t, written)
}

func TestStreamAndReader(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	db, err := chaindb.Open(ctx, fs, testConfig("/db"), testDeps(), nil)
	require.NoError(t, err)
	defer db.Close()

	a := chain.Block{Header: testHeader(1, 1, 1, 0)}
	pa, err := db.AddBlock(ctx, a)
	require.NoError(t, err)
	_, err = pa.Processed.Wait(ctx)
	require.NoError(t, err)

	it, err := db.Stream(point.Origin, a.Header.Point(), chain.ComponentHeader)
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.HasNext())
	p, cv, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, a.Header.Point(), p)
	require.Equal(t, a.Header, cv.Header)

	r := db.NewReader(chain.ComponentHeader)
	defer r.Close()
	upd, err := r.InstructionBlocking(ctx)
	require.NoError(t, err)
	require.Equal(t, a.Header.Point(), upd.Point)
}

func TestGetIsInvalidBlockFingerprint(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	db, err := chaindb.Open(ctx, fs, testConfig("/db"), testDeps(), nil)
	require.NoError(t, err)
	defer db.Close()

	snap := db.GetIsInvalidBlock()
	require.Equal(t, uint64(0), uint64(snap.Fingerprint))
	require.Empty(t, snap.Value)
}

func TestOpenRejectsMismatchedProtocolMagic(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	cfg := testConfig("/db")
	db, err := chaindb.Open(ctx, fs, cfg, testDeps(), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg.ProtocolMagic = 7
	_, err = chaindb.Open(ctx, fs, cfg, testDeps(), nil)
	require.Error(t, err)
	require.True(t, chainerr.IsCategory(err, chainerr.Fatal))
}

func TestReopenAfterCleanCloseKeepsBlocks(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := testConfig("/db")

	db, err := chaindb.Open(ctx, fs, cfg, testDeps(), nil)
	require.NoError(t, err)
	a := chain.Block{Header: testHeader(1, 1, 1, 0)}
	p, err := db.AddBlock(ctx, a)
	require.NoError(t, err)
	_, err = p.Processed.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := chaindb.Open(ctx, fs, cfg, testDeps(), nil)
	require.NoError(t, err)
	defer db2.Close()

	got, ok, err := db2.GetBlock(a.Header.Point())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got)
}
