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

// Package chainsel implements the add-block pipeline and chain-selection
// algorithm of spec §4.4: a bounded FIFO in front of a single worker that
// serializes all mutation of the current-chain fragment, InvalidBlocks,
// FutureBlocks and LedgerDB. The current-chain fragment and FutureBlocks
// live in anacrolix/stm transactional variables; InvalidBlocks is a
// fingerprint.Map and the reader notifier set is a mutex-guarded map.
package chainsel

import (
	"context"
	"sync"
	"time"

	"github.com/anacrolix/stm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chainerr"
	"github.com/erigontech/corechain/fingerprint"
	"github.com/erigontech/corechain/immutabledb"
	"github.com/erigontech/corechain/ledgerdb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/protocol"
	"github.com/erigontech/corechain/volatiledb"
)

// InvalidReason records why a block was rejected by chain selection
// (spec §3's InvalidBlocks Map<H, (reason, slot)>).
type InvalidReason struct {
	Reason string
	Slot   point.Slot
}

// Notifiable is implemented by reader handles; chainsel invokes SwitchFork
// on every registered notifiable when the current chain mutates (spec
// §4.4 Reader notification, §4.6). Defined here rather than imported from
// chainreader to avoid a cyclic dependency: chaindb wires the two
// packages together.
type Notifiable interface {
	SwitchFork(rollbackPoint point.Point, newFragment *chain.AnchoredFragment[chain.Header])
}

type queueItem struct {
	block   chain.Block
	promise AddBlockPromise
}

// Engine owns the BlocksToAdd queue, the background worker, and all STM-
// guarded shared state (spec §4.4, §5).
type Engine struct {
	k         int
	clockSkew time.Duration
	nowSlot   func() point.Slot

	vol       *volatiledb.DB
	imm       *immutabledb.DB
	ledger    *ledgerdb.DB
	preferrer protocol.Preferrer[chain.Header]
	protoStat protocol.ProtocolState

	chainVar *stm.Var[*chain.AnchoredFragment[chain.Header]]
	future   *stm.Var[map[point.Hash]chain.Header]
	invalid  *fingerprint.Map[point.Hash, InvalidReason]

	queue chan *queueItem

	notifMu   sync.Mutex
	notifiers map[int]Notifiable
	nextNotif int

	copyLock sync.Mutex
	gcDelay  time.Duration

	log    *zap.Logger
	cancel context.CancelFunc
	group  *errgroup.Group
	taskCtx context.Context

	closedMu sync.RWMutex
	closed   bool
}

// Config bundles Engine construction parameters.
type Config struct {
	K             int
	ClockSkew     time.Duration
	GCDelay       time.Duration
	QueueCapacity int
	NowSlot       func() point.Slot
	Preferrer     protocol.Preferrer[chain.Header]
	ProtocolState protocol.ProtocolState
}

// NewEngine constructs an Engine anchored at the ImmutableDB's current
// tip, with an empty current-chain fragment. Run must be called to start
// the background worker.
func NewEngine(cfg Config, vol *volatiledb.DB, imm *immutabledb.DB, ledger *ledgerdb.DB, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.Preferrer == nil {
		cfg.Preferrer = protocol.LongestChainPreferrer[chain.Header]{}
	}
	tip := imm.GetTip()
	anchor, anchorNo := point.Origin, point.BlockNo(0)
	if info, ok := tip.Get(); ok {
		anchor, anchorNo = info.Point, info.BlockNo
	}
	e := &Engine{
		k:         cfg.K,
		clockSkew: cfg.ClockSkew,
		nowSlot:   cfg.NowSlot,
		vol:       vol,
		imm:       imm,
		ledger:    ledger,
		preferrer: cfg.Preferrer,
		protoStat: cfg.ProtocolState,
		chainVar:  stm.NewVar[*chain.AnchoredFragment[chain.Header]](chain.NewAnchoredFragment[chain.Header](anchor, anchorNo)),
		future:    stm.NewVar[map[point.Hash]chain.Header](map[point.Hash]chain.Header{}),
		invalid:   fingerprint.NewMap[point.Hash, InvalidReason](),
		queue:     make(chan *queueItem, cfg.QueueCapacity),
		notifiers: map[int]Notifiable{},
		gcDelay:   cfg.GCDelay,
		log:       log.Named("chainsel"),
	}
	return e, nil
}

// Run starts the background add-block worker, plus every scheduled-GC task
// it subsequently spawns, all under one errgroup (spec §5's long-lived-task
// bookkeeping); copy-to-immutable itself runs inline on the worker. Call
// once.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.group = g
	e.taskCtx = gctx
	g.Go(func() error {
		e.worker(gctx)
		return nil
	})
}

// Close stops the background worker, then resolves the promises of blocks
// still waiting in the queue: WrittenToDisk with false and Processed with
// the current head point. No ClosedDBError is delivered through those
// promises; only AddBlock calls made after Close return it. Safe to call
// multiple times.
func (e *Engine) Close() {
	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return
	}
	e.closed = true
	e.closedMu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	close(e.queue)
	if e.group != nil {
		_ = e.group.Wait()
	}
	for item := range e.queue {
		item.promise.WrittenToDisk.resolve(false)
		item.promise.Processed.resolve(e.CurrentChain().HeadPoint())
	}
}

// CurrentChain returns the live current-chain fragment (read-only
// snapshot; callers must not mutate it).
func (e *Engine) CurrentChain() *chain.AnchoredFragment[chain.Header] {
	return stm.AtomicGet(e.chainVar)
}

// InvalidBlocks returns a fingerprinted snapshot of InvalidBlocks (spec §6
// getIsInvalidBlock).
func (e *Engine) InvalidBlocks() fingerprint.WithFingerprint[map[point.Hash]InvalidReason] {
	snap := e.invalid.SnapshotAll()
	return fingerprint.WithFingerprint[map[point.Hash]InvalidReason]{Fingerprint: snap.Fingerprint, Value: snap.Entries}
}

// RegisterNotifiable adds n to the set notified on every chain switch,
// returning an unregister function (spec §5 resource registry, §4.6).
func (e *Engine) RegisterNotifiable(n Notifiable) (unregister func()) {
	e.notifMu.Lock()
	defer e.notifMu.Unlock()
	id := e.nextNotif
	e.nextNotif++
	e.notifiers[id] = n
	return func() {
		e.notifMu.Lock()
		defer e.notifMu.Unlock()
		delete(e.notifiers, id)
	}
}

func (e *Engine) notifyAll(rollback point.Point, newFragment *chain.AnchoredFragment[chain.Header]) {
	e.notifMu.Lock()
	ns := make([]Notifiable, 0, len(e.notifiers))
	for _, n := range e.notifiers {
		ns = append(ns, n)
	}
	e.notifMu.Unlock()
	for _, n := range ns {
		n.SwitchFork(rollback, newFragment)
	}
}

// AddBlock enqueues b per spec §4.4's public contract, applying the
// pre-persistence filters synchronously before the block ever reaches the
// queue.
func (e *Engine) AddBlock(ctx context.Context, b chain.Block) (AddBlockPromise, error) {
	e.closedMu.RLock()
	closed := e.closed
	e.closedMu.RUnlock()
	if closed {
		return AddBlockPromise{}, chainerr.ErrClosedDB
	}

	promise := newAddBlockPromise()
	if reject, reason := e.preFilter(b); reject {
		e.log.Debug("addBlock rejected before persistence", zap.String("reason", reason), zap.String("hash", b.Header.H.String()))
		promise.WrittenToDisk.resolve(false)
		promise.Processed.resolve(e.CurrentChain().HeadPoint())
		return promise, nil
	}

	item := &queueItem{block: b, promise: promise}
	select {
	case e.queue <- item:
		return promise, nil
	case <-ctx.Done():
		return AddBlockPromise{}, ctx.Err()
	}
}

// preFilter implements spec §4.4's four pre-persistence filters.
func (e *Engine) preFilter(b chain.Block) (reject bool, reason string) {
	now := e.nowSlot()
	if b.Header.Slot > now+point.Slot(e.clockSkew/time.Second) {
		e.invalid.Insert(b.Header.H, InvalidReason{Reason: "InFutureExceedsClockSkew", Slot: b.Header.Slot})
		return true, "InFutureExceedsClockSkew"
	}
	tip := e.imm.GetTip()
	if info, ok := tip.Get(); ok && e.k > 0 {
		if uint64(b.Header.BlockNo)+uint64(e.k) <= uint64(info.BlockNo) {
			return true, "IgnoreBlockOlderThanK"
		}
	}
	if _, ok := e.invalid.Get(b.Header.H); ok {
		return true, "IgnoreInvalidBlock"
	}
	if _, ok := e.vol.GetBlockInfo(b.Header.H); ok {
		return true, "IgnoreBlockAlreadyInVolDB"
	}
	return false, ""
}
