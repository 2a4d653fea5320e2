package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/blockbridge/internal/codes"
	"github.com/Norgate-AV/blockbridge/internal/executor"
	"github.com/Norgate-AV/blockbridge/internal/jsrt"
)

const workerCmdName = "__worker"

var workerCmd = &cobra.Command{
	Use:          workerCmdName,
	Short:        "Run one block invocation (internal)",
	Hidden:       true,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runWorker,
}

// exit is replaced in tests
var exit = os.Exit

// newRunner creates the block runtime used by workers
var newRunner = func() executor.Runner {
	return jsrt.NewRuntime()
}

func runWorker(cmd *cobra.Command, _ []string) error {
	err := executor.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), newRunner())
	if err == nil {
		return nil
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	exit(workerExitCode(err))

	return err
}

func workerExitCode(err error) int {
	switch {
	case errors.Is(err, executor.ErrIsolationViolation):
		return codes.IsolationViolation
	case errors.Is(err, executor.ErrProtocol):
		return codes.ProtocolError
	case errors.Is(err, executor.ErrRuntimeUnavailable):
		return codes.RuntimeUnavailable
	default:
		return codes.Failure
	}
}
