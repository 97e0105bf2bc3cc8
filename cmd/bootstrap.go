package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hculap/openclaw-omg/internal/bootstrap"
)

func bootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Ingest historical sources into the graph",
	}
	cmd.AddCommand(bootstrapRunCmd())
	cmd.AddCommand(bootstrapTickCmd())
	cmd.AddCommand(bootstrapRetryCmd())
	cmd.AddCommand(bootstrapStatusCmd())
	return cmd
}

func bootstrapRunCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bootstrap to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			e := c.Bootstrapper()
			if force {
				res, err := e.RunTick(cmd.Context(), bootstrap.TickOptions{Force: true, BatchBudget: 1 << 30})
				if err != nil {
					return err
				}
				printTick(res)
				return nil
			}
			res, err := e.RunAll(cmd.Context())
			if err != nil {
				return err
			}
			printTick(res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-run even if a previous bootstrap completed")
	return cmd
}

func bootstrapTickCmd() *cobra.Command {
	var budget int
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one budget-bounded bootstrap slice",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			res, err := c.Bootstrapper().RunTick(cmd.Context(), bootstrap.TickOptions{BatchBudget: budget})
			if err != nil {
				return err
			}
			printTick(res)
			return nil
		},
	}
	cmd.Flags().IntVar(&budget, "batches", 0, "batches this tick (default: configured batchBudgetPerRun)")
	return cmd
}

func bootstrapRetryCmd() *cobra.Command {
	var errType string
	var indices []int
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-run failed batches from the failure log",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			res, err := c.Bootstrapper().RunRetry(cmd.Context(), bootstrap.RetryOptions{
				ErrorTypeFilter: errType,
				BatchIndices:    indices,
			})
			if err != nil {
				return err
			}
			fmt.Printf("matched=%d succeeded=%d failed=%d\n", res.Matched, res.Succeeded, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&errType, "error-type", "", "retry only entries of this errorType")
	cmd.Flags().IntSliceVar(&indices, "batch", nil, "retry only these batch indices")
	return cmd
}

func bootstrapStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bootstrap state and failure log summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			root := c.Cfg.GraphRoot()

			st, err := bootstrap.LoadState(root)
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Println("never run")
				return nil
			}
			fmt.Printf("status=%s total=%d ok=%d fail=%d cursor=%d\n", st.Status, st.Total, st.OK, st.Fail, st.Cursor)

			entries, err := bootstrap.ReadFailures(root)
			if err != nil {
				return err
			}
			byType := map[string]int{}
			for _, e := range entries {
				byType[e.ErrorType]++
			}
			for t, n := range byType {
				fmt.Printf("  %-20s %d\n", t, n)
			}
			return nil
		},
	}
}

func printTick(res *bootstrap.TickResult) {
	fmt.Printf("ran=%v processed=%d chunks=%d nodes=%d more=%v completed=%v\n",
		res.Ran, res.BatchesProcessed, res.ChunksSucceeded, res.NodesWritten, res.MoreWorkRemains, res.Completed)
}
