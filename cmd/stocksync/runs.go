package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded synchronization runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := initRuntime(cmd)
			if err != nil {
				return err
			}

			pageSize, err := cmd.Flags().GetInt("page-size")
			if err != nil {
				return err
			}

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			pageToken := ""
			for {
				runs, next, err := s.ListRuns(ctx, pageToken, uint32(pageSize))
				if err != nil {
					return err
				}
				for _, r := range runs {
					started := ""
					if r.StartedAt != nil {
						started = r.StartedAt.Format(time.RFC3339)
					}
					fmt.Printf("%s  %-9s  %-7s  started=%s  processed=%d  updated=%d  duration=%s\n",
						r.ID, r.Type, r.Status, started,
						r.ItemsProcessed, r.ItemsUpdated, r.Duration.Round(time.Millisecond))
					for _, e := range r.Errors {
						fmt.Printf("    error: %s\n", e)
					}
				}
				if next == "" {
					return nil
				}
				pageToken = next
			}
		},
	}
	cmd.Flags().Int("page-size", 50, "Number of runs to fetch per page")
	return cmd
}
