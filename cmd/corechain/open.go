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

package main

import (
	"context"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/chaindb"
	"github.com/erigontech/corechain/config"
	"github.com/erigontech/corechain/ledgerdb"
	"github.com/erigontech/corechain/point"
	"github.com/erigontech/corechain/protocol"
)

// loadConfig reads path if non-empty, otherwise returns config.Default()
// with dbRoot substituted in, matching the teacher's "defaults + file +
// flags" layering (package config only implements the first two; flag
// overrides are this command's job).
func loadConfig(path, dbRoot string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg, err = config.Load(data)
		if err != nil {
			return config.Config{}, err
		}
	}
	if dbRoot != "" {
		cfg.DBRoot = dbRoot
	}
	return cfg, nil
}

// passthroughApply is the inspection CLI's ledger Applier: it opens a
// handle without ever calling AddBlock, so the ledger transition rules
// (spec §1 non-goal) are never actually exercised by any of this
// command's subcommands. It still needs to be a valid Applier for
// chaindb.Open to accept, since a handle always owns a LedgerDB.
func passthroughApply(prev ledgerdb.State, b chain.Block) (ledgerdb.State, error) {
	return ledgerdb.State{Point: b.Header.Point(), BlockNo: b.Header.BlockNo}, nil
}

// openInspectHandle opens cfg's database root for read-mostly inspection
// use: a private prometheus registry (so repeated invocations in the same
// process, e.g. from tests driving this binary, never collide) and a
// NowSlot pinned far in the future, since none of this command's
// subcommands ever add a block.
func openInspectHandle(ctx context.Context, cfg config.Config, log *zap.Logger) (*chaindb.ChainDB, error) {
	deps := chaindb.Deps{
		Genesis:   ledgerdb.State{Point: point.Origin},
		Apply:     passthroughApply,
		Preferrer: protocol.LongestChainPreferrer[chain.Header]{},
		NowSlot:   func() point.Slot { return ^point.Slot(0) >> 1 },
	}
	return chaindb.Open(ctx, afero.NewOsFs(), cfg, deps, log)
}
