package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/blockbridge/internal/bridge"
	"github.com/Norgate-AV/blockbridge/internal/executor"
)

var runCmd = &cobra.Command{
	Use:   "run <module> [json-args]",
	Short: "Execute one block and print its result",
	Long: `Execute a block module in an isolated worker, as a build would, and print
the JSON result. Arguments are a JSON array and default to [].`,
	Args:         cobra.RangeArgs(1, 2),
	SilenceUsage: true,
	RunE:         runRun,
}

func init() {
	runCmd.Flags().StringP("base", "b", ".", "Directory the module path is relative to")
	runCmd.Flags().Duration("timeout", 0, "Timeout for the invocation")
}

func runRun(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("base")
	base, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	cfg, err := loadConfig(cmd, []string{base})
	if err != nil {
		return err
	}

	raw := "[]"
	if len(args) > 1 {
		raw = args[1]
	}

	serialized, err := bridge.CompactArgs(raw)
	if err != nil {
		return err
	}

	exec, err := executor.New(executorOptions(cfg))
	if err != nil {
		return err
	}

	result, err := exec.Execute(cmd.Context(), executor.Invocation{
		BasePath:   base,
		ModulePath: args[0],
		Args:       serialized,
	})
	if err != nil {
		return err
	}

	if result.Failed() {
		return fmt.Errorf("block failed: %s", result.Failure.Message)
	}

	out, err := json.MarshalIndent(result.Value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
