// Command parental-lock-helper locks the workstation of the session it runs
// in. The agent starts it inside the user's session; the exit code is the
// only output: 0 locked, 1 failed, 2 bad arguments.
package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/parental/agent/internal/privilege"
)

const (
	exitLocked  = 0
	exitFailed  = 1
	exitBadArgs = 2
)

func newRootCmd(lock func() error, code *int) *cobra.Command {
	var (
		attempts int
		backoff  time.Duration
	)
	cmd := &cobra.Command{
		Use:           "parental-lock-helper",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := privilege.RunLockHelper(cmd.Context(), lock, attempts, backoff); err != nil {
				*code = exitFailed
				return nil
			}
			*code = exitLocked
			return nil
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", privilege.DefaultAttempts, "lock attempts before giving up")
	cmd.Flags().DurationVar(&backoff, "backoff", privilege.DefaultBackoff, "delay after the first failed attempt, grows linearly")
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd
}

func run(args []string, lock func() error) int {
	code := exitBadArgs
	cmd := newRootCmd(lock, &code)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return exitBadArgs
	}
	return code
}

func main() {
	os.Exit(run(os.Args[1:], privilege.LockWorkstation))
}
