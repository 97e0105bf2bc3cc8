package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func observeCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Run one observation pass over messages from stdin",
		Long:  "Reads messages from stdin (one per line) and runs the observation pipeline against the configured graph. Mainly for manual trigger mode and debugging.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}

			var messages []string
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				if line := scanner.Text(); line != "" {
					messages = append(messages, line)
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if len(messages) == 0 {
				return fmt.Errorf("no messages on stdin")
			}

			res, err := c.Observer().Observe(cmd.Context(), sessionKey, messages)
			if err != nil {
				return err
			}
			fmt.Printf("written=%d appended=%d aliased=%d suppressed=%d dropped=%d skipped=%v tokens=%d\n",
				len(res.WrittenIDs), res.Appended, res.Aliased, res.Suppressed, res.Dropped, res.Skipped, res.Usage.Total())
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "manual", "session key to observe under")
	return cmd
}

func reflectCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Run one reflection pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			return c.RunReflection(cmd.Context(), sessionKey)
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session whose reflection watermark advances (optional)")
	return cmd
}

func dedupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dedup",
		Short: "Run one semantic dedup pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}
			res, err := c.RunDedup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("blocks=%d merges=%d archived=%d tokens=%d errors=%d\n",
				res.BlocksProcessed, res.MergesExecuted, res.NodesArchived, res.TokensUsed, len(res.Errors))
			for _, e := range res.Errors {
				fmt.Println("  error:", e)
			}
			return nil
		},
	}
}
