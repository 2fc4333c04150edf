package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx := context.Background()

	cmd := &cobra.Command{
		Use:     "stocksync",
		Short:   "stocksync keeps a local inventory catalog in step with its source of record",
		Version: version,
	}

	cmd.PersistentFlags().StringP("db-file", "f", "stocksync.db", "Path to the local inventory database")
	cmd.PersistentFlags().String("log-level", "info", "The log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", "json", "The output format for logs: json, console")
	cmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(runsCmd())
	cmd.AddCommand(criticalCmd())
	cmd.AddCommand(sweepCmd())

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
