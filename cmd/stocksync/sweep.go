package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Report runs still marked running past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := initRuntime(cmd)
			if err != nil {
				return err
			}

			olderThan, err := cmd.Flags().GetDuration("older-than")
			if err != nil {
				return err
			}

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			stuck, err := s.StuckRuns(ctx, olderThan)
			if err != nil {
				return err
			}
			if len(stuck) == 0 {
				fmt.Println("no stuck runs")
				return nil
			}
			for _, r := range stuck {
				age := time.Duration(0)
				if r.StartedAt != nil {
					age = time.Since(*r.StartedAt).Round(time.Second)
				}
				fmt.Printf("%s  %-9s  running for %s\n", r.ID, r.Type, age)
			}
			return nil
		},
	}
	cmd.Flags().Duration("older-than", time.Hour, "Age past which a running run counts as stuck")
	return cmd
}
