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

func newInvalidCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalid-blocks",
		Short: "Dump the InvalidBlocks map and its fingerprint",
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

			snap := db.GetIsInvalidBlock()
			fmt.Fprintf(cmd.OutOrStdout(), "fingerprint: %d\n", snap.Fingerprint)
			for h, reason := range snap.Value {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s (slot=%d)\n", h, reason.Reason, reason.Slot)
			}
			return nil
		},
	}
	return cmd
}
