package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oceanbase/memtier-go/pkg/value"
)

func init() {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and change the versioned world state",
	}

	getCmd := &cobra.Command{
		Use:   "get [version]",
		Short: "Print the current world state, or a retained version",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStateGet,
	}

	setCmd := &cobra.Command{
		Use:   "set key=value [key=value...]",
		Short: "Apply a patch and commit a new version",
		Long: "Values are parsed as JSON when possible (42, true, null, [1,2], {\"a\":1})\n" +
			"and taken as plain strings otherwise.",
		Args: cobra.MinimumNArgs(1),
		RunE: runStateSet,
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Commit a new version whose state equals a retained version",
		Args:  cobra.ExactArgs(1),
		RunE:  runStateRollback,
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List retained versions, oldest first",
		RunE:  runStateHistory,
	}

	stateCmd.AddCommand(getCmd, setCmd, rollbackCmd, historyCmd)
	RootCmd.AddCommand(stateCmd)
}

func runStateGet(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	if len(args) == 0 {
		return printJSON(cmd.OutOrStdout(), client.WorldState())
	}
	n, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	snap, err := client.WorldStateVersion(n)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func runStateSet(cmd *cobra.Command, args []string) error {
	patch, err := parsePatch(args)
	if err != nil {
		return err
	}

	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	snap, err := client.UpdateWorldState(cmd.Context(), patch)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func runStateRollback(cmd *cobra.Command, args []string) error {
	n, err := parseVersion(args[0])
	if err != nil {
		return err
	}

	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	snap, err := client.RollbackWorldState(cmd.Context(), n)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func runStateHistory(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	return printJSON(cmd.OutOrStdout(), client.WorldStateHistory())
}

func parseVersion(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("version %q is not an integer", s)
	}
	return n, nil
}

// parsePatch turns key=value arguments into a world state patch.
func parsePatch(args []string) (map[string]value.Value, error) {
	patch := make(map[string]value.Value, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v value.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = value.String(raw)
		}
		patch[key] = v
	}
	return patch, nil
}
