package main

import (
	"fmt"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/parzen/internal/objectives"
)

var objectivesCmd = &cobra.Command{
	Use:   "objectives",
	Short: "List the registered objectives and their default spaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMINIMUM\tPARAMETERS\tDESCRIPTION")
		for _, d := range objectives.All() {
			paths := []string{}
			for _, v := range d.Space().Flatten() {
				paths = append(paths, v.Path)
			}
			minimum := "-"
			if !math.IsNaN(d.Minimum) {
				minimum = fmt.Sprintf("%g", d.Minimum)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, minimum, strings.Join(paths, ","), d.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(objectivesCmd)
}
