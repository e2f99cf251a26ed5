// Command synq runs one stage of the admission, routing and validation
// pipeline per invocation.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synqualis/synq/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], config.FromOS(), os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Run executes one command line against env and returns the exit status.
func Run(ctx context.Context, args []string, env config.Env, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{env: env, stdin: stdin, stdout: stdout, stderr: stderr}
	defer a.close(context.WithoutCancel(ctx))

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			diagnose(stderr, cmd, exit.err)
		}
		return exit.code
	}
	diagnose(stderr, cmd, err)
	return 2
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "synq",
		Short:         "Admission, routing and validation gates for local LLM backends",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.AddCommand(
		newGuardCmd(a),
		newAdmitCmd(a),
		newRouteCmd(a),
		newGateCmd(a),
		newProofCmd(a),
		newRunCmd(a),
		newAuditCmd(a),
		newEventCmd(a),
	)
	return root
}

// exitError carries the process exit status out of a command. err is printed
// as the one-line diagnostic when set.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	if code == 0 && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func diagnose(w io.Writer, cmd *cobra.Command, err error) {
	name := "synq"
	if cmd != nil && cmd.HasParent() {
		name += " " + cmd.Name()
	}
	msg := strings.Join(strings.Fields(strings.ReplaceAll(err.Error(), "\n", "; ")), " ")
	_, _ = fmt.Fprintf(w, "%s: %s\n", name, msg)
}
