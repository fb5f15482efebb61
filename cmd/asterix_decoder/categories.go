package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"asterix_decoder/internal/registry"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List registered categories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listCategories(cmd.OutOrStdout(), registry.Default())
	},
}

func listCategories(w io.Writer, reg *registry.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAT\tNAME\tEDITION\tITEMS\tUAP")
	for _, s := range reg.Categories() {
		fmt.Fprintf(tw, "%03d\t%s\t%s\t%d\t%d\n", s.Category, s.Name, s.Edition, len(s.Items), len(s.UAP))
	}
	return tw.Flush()
}
