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

// Package chaindb wires ImmutableDB, VolatileDB, LedgerDB, the
// chain-selection engine and the reader/iterator streaming machinery
// behind the single public handle of spec §6. It owns the on-disk root
// (DB marker, lock file, clean-shutdown marker) and the close cascade.
package chaindb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/chainreader"
	"github.com/erigontech/corechain/chainsel"
	"github.com/erigontech/corechain/config"
	"github.com/erigontech/corechain/fingerprint"
	"github.com/erigontech/corechain/immutabledb"
	"github.com/erigontech/corechain/ledgerdb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/protocol"
	"github.com/erigontech/corechain/volatiledb"
)

// ChainDB is the external handle of spec §6: everything the rest of a
// node needs to add blocks, read the current chain and ledger, and stream
// historical ranges, without reaching into any storage layer directly.
type ChainDB struct {
	cfg  config.Config
	fs   afero.Fs
	root string

	vol    *volatiledb.DB
	imm    *immutabledb.DB
	ledger *ledgerdb.DB
	engine *chainsel.Engine
	cache  *chainreader.Cache
	reg    *registry
	met    *metrics
	lock   *dbLock
	log    *zap.Logger

	closeOnce sync.Once
}

// Deps bundles the out-of-scope collaborators Open needs from the rest of
// the node (the ledger transition rules and the cryptoeconomic protocol,
// both spec §1 non-goals). Apply and NowSlot are required; a nil Preferrer
// defaults to protocol.LongestChainPreferrer and a nil ProtocolState skips
// protocol-state validation.
type Deps struct {
	Genesis       ledgerdb.State
	Apply         ledgerdb.Applier
	Preferrer     protocol.Preferrer[chain.Header]
	ProtocolState protocol.ProtocolState
	NowSlot       func() point.Slot
	// MetricsRegisterer defaults to a fresh prometheus.NewRegistry() when
	// nil, so opening more than one handle in a process (as tests do)
	// never collides on the global default registerer.
	MetricsRegisterer prometheus.Registerer
}

// Open opens (or initializes) the database root at cfg.DBRoot, enforcing
// the DB-marker and lock-file contract of spec §6, then brings up
// ImmutableDB, VolatileDB, LedgerDB and the chain-selection engine in
// that order.
func Open(ctx context.Context, fs afero.Fs, cfg config.Config, deps Deps, log *zap.Logger) (*ChainDB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Apply == nil || deps.NowSlot == nil {
		return nil, fmt.Errorf("chaindb: Deps.Apply and Deps.NowSlot are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.Named("chaindb")

	root := cfg.DBRoot
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}

	lock, err := acquireLock(fs, root)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			lock.release()
		}
	}()

	if err := checkOrWriteMarker(fs, root, cfg.ProtocolMagic); err != nil {
		return nil, err
	}

	clean := wasCleanShutdown(fs, root)
	immPolicy := immutabledb.ValidateMostRecentChunk
	volValidateAll := false
	if !clean {
		// spec §6 validation policy: no clean marker overrides the
		// caller's choice to full validation regardless.
		immPolicy = immutabledb.ValidateAllChunks
		volValidateAll = true
		log.Warn("no clean-shutdown marker found, validating database fully")
	}

	imm, err := immutabledb.Open(ctx, fs, filepath.Join(root, "immutable"), immutabledb.ChunkInfo{SlotsPerChunk: point.Slot(cfg.ChunkSlots)}, immPolicy, log)
	if err != nil {
		return nil, err
	}
	closeImm := true
	defer func() {
		if closeImm {
			_ = imm.Close()
		}
	}()

	vol, err := volatiledb.Open(ctx, fs, filepath.Join(root, "volatile"), cfg.SegmentBlocks, volValidateAll, noopIntegrity, log)
	if err != nil {
		return nil, err
	}
	closeVol := true
	defer func() {
		if closeVol {
			_ = vol.Close()
		}
	}()

	immutableTip := point.OriginOf[point.Point]()
	if tip, has := imm.GetTip().Get(); has {
		immutableTip = point.NewWithOrigin(tip.Point)
	}
	ledger, err := ledgerdb.Open(ctx, fs, filepath.Join(root, "ledger"), cfg.K, cfg.SnapshotRetain, deps.Genesis, deps.Apply, immutableTip, immutableSource(imm), log)
	if err != nil {
		return nil, err
	}

	engine, err := chainsel.NewEngine(chainsel.Config{
		K:             cfg.K,
		ClockSkew:     time.Duration(cfg.ClockSkew),
		GCDelay:       time.Duration(cfg.GCDelay),
		NowSlot:       deps.NowSlot,
		Preferrer:     deps.Preferrer,
		ProtocolState: deps.ProtocolState,
	}, vol, imm, ledger, log)
	if err != nil {
		return nil, err
	}
	engine.Run(ctx)

	cache, err := chainreader.NewCache(256)
	if err != nil {
		return nil, err
	}

	reg := deps.MetricsRegisterer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	log.Info("opened chain database",
		zap.String("root", root),
		zap.Uint32("protocolMagic", cfg.ProtocolMagic),
		zap.Int("k", cfg.K),
		zap.Duration("clockSkew", time.Duration(cfg.ClockSkew)),
		zap.Bool("cleanShutdown", clean),
	)

	db := &ChainDB{
		cfg:    cfg,
		fs:     fs,
		root:   root,
		vol:    vol,
		imm:    imm,
		ledger: ledger,
		engine: engine,
		cache:  cache,
		reg:    newRegistry(),
		met:    newMetrics(reg),
		lock:   lock,
		log:    log,
	}
	ok, closeImm, closeVol = true, false, false
	return db, nil
}

func noopIntegrity(chain.Block) error { return nil }

// AddBlock enqueues b for validation and possible adoption (spec §6,
// §4.4's public contract).
func (db *ChainDB) AddBlock(ctx context.Context, b chain.Block) (chainsel.AddBlockPromise, error) {
	return db.engine.AddBlock(ctx, b)
}

// GetCurrentChain returns a snapshot of the last <=k headers (spec §6).
func (db *ChainDB) GetCurrentChain() *chain.AnchoredFragment[chain.Header] {
	cur := db.engine.CurrentChain()
	db.met.currentChainLen.Set(float64(cur.Len()))
	return cur
}

// GetCurrentLedger returns a snapshot of the tip ledger state (spec §6).
func (db *ChainDB) GetCurrentLedger() ledgerdb.State {
	return db.ledger.Tip()
}

// GetTipPoint returns the current chain's head point.
func (db *ChainDB) GetTipPoint() point.Point {
	return db.engine.CurrentChain().HeadPoint()
}

// GetTipBlockNo returns the current chain's head block number.
func (db *ChainDB) GetTipBlockNo() point.BlockNo {
	return db.engine.CurrentChain().HeadBlockNo()
}

// GetTipHeader returns the current chain's head header, or false if the
// chain is still at its anchor (no headers adopted yet this session).
func (db *ChainDB) GetTipHeader() (chain.Header, bool) {
	return db.engine.CurrentChain().AtDepth(0)
}

// GetBlock looks up a block across both storage layers (spec §6):
// VolatileDB first, since recently adopted blocks live there, then
// ImmutableDB.
func (db *ChainDB) GetBlock(p point.Point) (chain.Block, bool, error) {
	if b, ok, err := db.vol.Get(p.Hash); err != nil {
		return chain.Block{}, false, err
	} else if ok {
		return b, true, nil
	}
	cv, ok, err := db.imm.GetBlockComponent(p, chain.ComponentBlock)
	if err != nil || !ok {
		return chain.Block{}, false, err
	}
	return cv.Block, true, nil
}

// GetIsFetched returns a predicate the block-fetch decider can call to
// check whether a point has already been downloaded (spec §6).
func (db *ChainDB) GetIsFetched() func(point.Point) bool {
	return func(p point.Point) bool {
		if _, ok := db.vol.GetBlockInfo(p.Hash); ok {
			return true
		}
		_, ok, err := db.imm.GetBlockComponent(p, chain.ComponentHeader)
		return err == nil && ok
	}
}

// RunGC collects every VolatileDB block with slot <= upTo. It is the
// administrative one-shot counterpart to the background copy-to-immutable
// task's own GC scheduling (spec §4.2, §4.4), exposed so an operator can
// force a collection without waiting for the next scheduled run.
func (db *ChainDB) RunGC(upTo point.Slot) error {
	return db.vol.GarbageCollect(upTo)
}

// Stream opens a fixed-range iterator over [from, to] (spec §6, §4.6).
func (db *ChainDB) Stream(from, to point.Point, comp chain.Component) (*chainreader.Iterator, error) {
	return chainreader.NewIterator(db.imm, db.vol, db.engine, from, to, comp, db.cache, func(fn func()) { db.reg.add(fn) })
}

// NewReader opens a Reader following the current chain (spec §6, §4.6).
func (db *ChainDB) NewReader(comp chain.Component) *chainreader.Reader {
	return chainreader.NewReader(db.engine, db.imm, db.vol, comp, db.cache, func(fn func()) { db.reg.add(fn) })
}

// GetIsInvalidBlock returns a fingerprinted snapshot of InvalidBlocks, for
// the network layer to reject already-known-bad upstream offers (spec
// §6).
func (db *ChainDB) GetIsInvalidBlock() fingerprint.WithFingerprint[map[point.Hash]chainsel.InvalidReason] {
	snap := db.engine.InvalidBlocks()
	db.met.invalidFingerpr.Set(float64(snap.Fingerprint))
	return snap
}

// Close shuts the handle down: every open Reader/Iterator first, then
// VolatileDB, then a final LedgerDB snapshot (LedgerDB has no persistent
// handle of its own to close), then ImmutableDB, then the DB-root lock
// (spec §5's close cascade). Idempotent.
func (db *ChainDB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		db.reg.closeAll()
		db.engine.Close()
		if e := db.vol.Close(); e != nil && err == nil {
			err = e
		}
		if e := db.ledger.Snapshot(context.Background()); e != nil && err == nil {
			err = e
		}
		if e := db.imm.Close(); e != nil && err == nil {
			err = e
		}
		if err == nil {
			if e := markCleanShutdown(db.fs, db.root); e != nil {
				err = e
			}
		}
		db.lock.release()
		db.log.Info("closed chain database", zap.Error(err))
	})
	return err
}
