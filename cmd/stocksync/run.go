package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/replenishly/stocksync/pkg/engine"
	"github.com/replenishly/stocksync/pkg/strategy"
	"github.com/replenishly/stocksync/pkg/types"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one synchronization run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := initRuntime(cmd)
			if err != nil {
				return err
			}

			forced, err := forcedType(cmd)
			if err != nil {
				return err
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}

			return executeRun(ctx, cfg, forced, force)
		},
	}
	cmd.Flags().String("type", "", "Force a sync type: critical, inventory, active, full")
	cmd.Flags().Bool("force", false, "Run even if the configured sync frequency says a run is not due")
	return cmd
}

// executeRun honors the injected sync-frequency gate unless force is set,
// then drives one engine run.
func executeRun(ctx context.Context, cfg *config, forced types.SyncType, force bool) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	e, err := newEngine(cfg, s)
	if err != nil {
		return err
	}

	if !force {
		due, err := e.ShouldSync(ctx)
		if err != nil {
			return err
		}
		if !due {
			fmt.Println("sync is not due yet; use --force to run anyway")
			return nil
		}
	}

	summary, runErr := e.Run(ctx, engine.RunOptions{ForceType: forced})
	if summary != nil {
		printSummary(summary)
	}
	return runErr
}

func forcedType(cmd *cobra.Command) (types.SyncType, error) {
	raw, err := cmd.Flags().GetString("type")
	if err != nil || raw == "" {
		return "", err
	}

	t := types.SyncType(raw)
	switch t {
	case types.SyncTypeCritical, types.SyncTypeInventory, types.SyncTypeActive, types.SyncTypeFull:
		return t, nil
	}
	return "", fmt.Errorf("unknown sync type %q", raw)
}

func printSummary(s *engine.RunSummary) {
	profile := strategy.ProfileFor(s.Type)
	fmt.Printf("run %s (%s: %s)\n", s.RunID, s.Type, profile.Description)
	fmt.Printf("  status:    %s\n", s.Status)
	fmt.Printf("  processed: %d\n", s.ItemsProcessed)
	fmt.Printf("  updated:   %d\n", s.ItemsUpdated)
	fmt.Printf("  unchanged: %d\n", s.ItemsUnchanged)
	fmt.Printf("  duration:  %s\n", s.Duration.Round(time.Millisecond))
	for _, e := range s.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}
