package main

import (
	"fmt"

	"github.com/aretw0/tendril/pkg/session"
	"github.com/spf13/cobra"
)

var genidCmd = &cobra.Command{
	Use:   "genid",
	Short: "Print fresh session IDs",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		n, _ := cmd.Flags().GetInt("count")
		for i := 0; i < n; i++ {
			fmt.Fprintln(cmd.OutOrStdout(), session.GenerateID())
		}
	},
}

func init() {
	rootCmd.AddCommand(genidCmd)
	genidCmd.Flags().IntP("count", "n", 1, "Number of IDs to print")
}
