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
	"fmt"

	"github.com/spf13/cobra"
)

func newTipCmd(flags *globalFlags) *cobra.Command {
	var showChain bool
	cmd := &cobra.Command{
		Use:   "tip",
		Short: "Print the current chain's tip point and, optionally, its headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := flags.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := openInspectHandle(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "tip: %s (blockNo=%d)\n", db.GetTipPoint(), db.GetTipBlockNo())
			ledger := db.GetCurrentLedger()
			fmt.Fprintf(cmd.OutOrStdout(), "ledger tip: %s (blockNo=%d)\n", ledger.Point, ledger.BlockNo)

			if showChain {
				for _, h := range db.GetCurrentChain().Items() {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", h)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showChain, "chain", false, "also print every header in the current-chain fragment")
	return cmd
}
