package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sqlbench/api/internal/similarity"
)

func runCompare(cmd *cobra.Command, _ []string) error {
	b, err := similarity.NewStructuralComparator(zap.NewNop()).Breakdown(referenceSQL, candidateSQL)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "score     %.3f\n", b.Total)
	fmt.Fprintf(out, "  from    %.3f\n", b.From)
	fmt.Fprintf(out, "  select  %.3f\n", b.Select)
	fmt.Fprintf(out, "  join    %.3f\n", b.Join)
	fmt.Fprintf(out, "  where   %.3f\n", b.Where)
	fmt.Fprintf(out, "  groupby %.3f\n", b.GroupBy)
	fmt.Fprintf(out, "  orderby %.3f\n", b.OrderBy)
	return nil
}
