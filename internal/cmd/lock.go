package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "prefixlock/internal/errors"
)

// lockedPathEnv tells the child of 'prefixlock lock' which path is locked.
const lockedPathEnv = "PREFIXLOCK_LOCKED_PATH"

func newLockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lock <path> -- <command> [args...]",
		Short: "Run a command while holding the lock on a path",
		Long: `Acquire the lock on <path>, run <command> and release the lock when the
command exits. prefixlock exits with the command's exit status.

Interrupt and termination signals received while the command runs are
forwarded to it.`,
		Args: usageArgs(func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash != 1 || len(args) < 2 {
				return fmt.Errorf("expected exactly one path followed by -- and a command")
			}
			return nil
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLocked(cmd, args[0], args[1:])
		},
	}
}

func (a *app) runLocked(cmd *cobra.Command, path string, command []string) error {
	lf, err := a.svc.LockPath(cmd.Context(), path, -1)
	if err != nil {
		return err
	}
	defer lf.Close()

	child := exec.Command(command[0], command[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	child.Env = os.Environ()
	if locked, err := lf.Path(); err == nil {
		child.Env = append(child.Env, lockedPathEnv+"="+locked)
	}

	if err := child.Start(); err != nil {
		return apperrors.NewFileSystemError(command[0], "start command", err)
	}

	// Keep the lock until the child is gone: forward signals instead of dying.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				a.log.Debug("forwarding signal to command", "signal", sig)
				_ = child.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err = child.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			code = apperrors.ExitFailure
		}
		return &exitError{code: code}
	default:
		return fmt.Errorf("command failed: %w", err)
	}
}
