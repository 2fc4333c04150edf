package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replenishly/stocksync/pkg/monitor"
)

func criticalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "critical",
		Short: "Report items that are out of stock or at their reorder point",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, err := initRuntime(cmd)
			if err != nil {
				return err
			}

			s, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			m := monitor.New(s)

			report, err := m.Report(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("catalog: %d items, %d critical (%d out of stock, %d below reorder point)\n",
				report.TotalItems, report.Critical, report.OutOfStock, report.BelowReorder)

			items, err := m.CriticalItems(ctx)
			if err != nil {
				return err
			}
			for _, it := range items {
				fmt.Printf("%-20s  stock=%-4d  reorder_point=%-4d  priority=%-2d  %s\n",
					it.SKU, it.Stock, it.ReorderPoint, it.SyncPriority, it.Name)
			}
			return nil
		},
	}
	return cmd
}
