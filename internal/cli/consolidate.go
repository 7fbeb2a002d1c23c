package cli

import (
	"github.com/spf13/cobra"

	"github.com/oceanbase/memtier-go/pkg/core"
)

var (
	consolidateThreshold int64
	consolidateLimit     int
	consolidateSweep     bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Move eligible short-term memories to long-term storage",
		Long: "Runs one consolidation batch and prints the result. Short-term memories are\n" +
			"eligible when marked, read at least --threshold times, or important enough.",
		RunE: runConsolidate,
	}
	cmd.Flags().Int64Var(&consolidateThreshold, "threshold", 0, "Access count threshold (default: consolidation.threshold from config)")
	cmd.Flags().IntVar(&consolidateLimit, "limit", 0, "Maximum records in the batch (default: consolidation.batch_size from config)")
	cmd.Flags().BoolVar(&consolidateSweep, "sweep", false, "Run the decay sweep after the batch")

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Consolidate(cmd.Context(), core.ConsolidateOptions{
		Threshold: consolidateThreshold,
		Limit:     consolidateLimit,
	})
	if err != nil {
		return err
	}

	out := map[string]any{"consolidation": result}
	if consolidateSweep {
		ran, err := client.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		out["sweep_ran"] = ran
	}
	return printJSON(cmd.OutOrStdout(), out)
}
