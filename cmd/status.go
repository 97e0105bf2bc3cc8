package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hculap/openclaw-omg/internal/bootstrap"
	"github.com/hculap/openclaw-omg/internal/graph"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show graph size and bootstrap progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore()
			if err != nil {
				return err
			}

			entries, err := c.Registry.List()
			if err != nil {
				return err
			}

			byType := map[graph.NodeType]int{}
			archived := 0
			for _, re := range entries {
				byType[re.Entry.Type]++
				if re.Entry.Archived {
					archived++
				}
			}

			fmt.Printf("Graph root: %s\n", c.Cfg.GraphRoot())
			fmt.Printf("Nodes: %d (%d archived)\n", len(entries), archived)
			for t, n := range byType {
				fmt.Printf("  %-11s %d\n", t, n)
			}

			st, err := bootstrap.LoadState(c.Cfg.GraphRoot())
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Println("Bootstrap: never run")
				return nil
			}
			fmt.Printf("Bootstrap: %s (%d/%d ok, %d failed)\n", st.Status, st.OK, st.Total, st.Fail)
			if st.LastError != "" {
				fmt.Printf("  last error: %s\n", st.LastError)
			}
			return nil
		},
	}
}
