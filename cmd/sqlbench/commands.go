package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	workloadPath   string
	comparatorKind string
	outPath        string
	useCache       bool
	verbose        bool

	referenceSQL string
	candidateSQL string

	rootCmd = &cobra.Command{
		Use:           "sqlbench",
		Short:         "Benchmark how well language models turn prompts into SQL",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Generate candidates for a workload, then score them",
		RunE:  runWorkload, // Defined in cmd_run.go
	}

	compareCmd = &cobra.Command{
		Use:   "compare",
		Short: "Structurally compare a candidate statement with a reference",
		RunE:  runCompare, // Defined in cmd_compare.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Check the database connection and apply the results schema",
		RunE:  runMigrate, // Defined in cmd_migrate.go
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	runCmd.Flags().StringVarP(&workloadPath, "workload", "w", "", "workload YAML file")
	runCmd.Flags().StringVar(&comparatorKind, "comparator", "", "structural or model (defaults to the workload's choice)")
	runCmd.Flags().StringVarP(&outPath, "out", "o", "", "write scores as CSV to this file instead of stdout")
	runCmd.Flags().BoolVar(&useCache, "cache", false, "memoise structural scores in REDIS_URL")
	_ = runCmd.MarkFlagRequired("workload")

	compareCmd.Flags().StringVar(&referenceSQL, "reference", "", "reference SQL")
	compareCmd.Flags().StringVar(&candidateSQL, "candidate", "", "candidate SQL")
	_ = compareCmd.MarkFlagRequired("reference")
	_ = compareCmd.MarkFlagRequired("candidate")

	rootCmd.AddCommand(runCmd, compareCmd, migrateCmd)
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
