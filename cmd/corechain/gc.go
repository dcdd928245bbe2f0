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

	"github.com/erigontech/corechain/point"
)

func newGCCmd(flags *globalFlags) *cobra.Command {
	var upToSlot uint64
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run a one-shot VolatileDB garbage collection up to a slot",
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

			if err := db.RunGC(point.Slot(upToSlot)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collected blocks with slot <= %d\n", upToSlot)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&upToSlot, "up-to-slot", 0, "collect every VolatileDB block with slot <= this value")
	return cmd
}
