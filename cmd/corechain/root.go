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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/config"
)

// globalFlags holds the persistent flags every subcommand reads through
// loadConfig/newLogger, following the teacher's pattern of binding one
// flag set on the root command rather than redeclaring it per subcommand.
type globalFlags struct {
	configPath string
	dbRoot     string
	logLevel   string
	logFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "corechain",
		Short: "Inspect and administer a corechain database root",
		Long: "corechain opens a chain database root for read-mostly inspection: " +
			"tip/current-chain reporting, InvalidBlocks dumps, and one-shot " +
			"garbage collection. It does not run a consensus node.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a TOML config file (overrides defaults)")
	root.PersistentFlags().StringVar(&flags.dbRoot, "db-root", "", "database root directory (overrides config)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "zap log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "rotated JSON log file (lumberjack); console logging is always on")

	root.AddCommand(
		newTipCmd(flags),
		newInvalidCmd(flags),
		newGCCmd(flags),
		newValidateCmd(flags),
	)
	return root
}

func (f *globalFlags) setup() (config.Config, *zap.Logger, error) {
	log, err := newLogger(f.logLevel, f.logFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := loadConfig(f.configPath, f.dbRoot)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
