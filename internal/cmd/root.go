// Package cmd implements the prefixlock command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"prefixlock/internal/config"
	apperrors "prefixlock/internal/errors"
	"prefixlock/internal/filesystem"
	"prefixlock/internal/lock"
	"prefixlock/internal/logging"
	"prefixlock/internal/models"
	"prefixlock/internal/service"
)

// drainTimeout bounds how long the command line waits for abandoned lock
// waits before exiting.
const drainTimeout = 100 * time.Millisecond

// app holds the state shared by all subcommands. It is populated by
// initialize before a subcommand runs.
type app struct {
	v       *viper.Viper
	cfgFile string
	noLock  bool
	jsonOut bool

	cfg      *config.Config
	log      *logging.Logger
	registry *lock.Registry
	svc      service.PrefixService
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	rootCmd, _ := newRootCmd()
	return rootCmd
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:   "prefixlock",
		Short: "Lock package prefixes and delete files that may be in use",
		Long: `prefixlock serializes access to package prefixes and caches between
processes with advisory lock files, and deletes files that are still in use
by moving them to a trash that a later clean-trash run reclaims.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.initialize,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.NewInvalidParamsError("", err.Error())
	})

	flags := rootCmd.PersistentFlags()
	defaults := config.Default()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/prefixlock/config.yaml)")
	flags.StringP("prefix", "p", "", "managed prefix")
	flags.String("log-level", defaults.Logging.Level, "log level (DEBUG, INFO, WARN, ERROR)")
	flags.String("log-format", defaults.Logging.Format, "log format (text, json)")
	flags.Int("timeout", defaults.Locking.TimeoutSec, "lock timeout in seconds (0 waits forever)")
	flags.String("backend", defaults.Locking.Backend, "lock backend (fcntl, flock)")
	flags.BoolVar(&a.noLock, "no-lock", false, "disable locking")
	flags.BoolVar(&a.jsonOut, "json", false, "print results as JSON")

	bindFlag(a.v, "prefix", flags.Lookup("prefix"))
	bindFlag(a.v, "logging.level", flags.Lookup("log-level"))
	bindFlag(a.v, "logging.format", flags.Lookup("log-format"))
	bindFlag(a.v, "locking.timeout", flags.Lookup("timeout"))
	bindFlag(a.v, "locking.backend", flags.Lookup("backend"))

	rootCmd.AddCommand(
		newLockCmd(a),
		newStatusCmd(a),
		newRemoveCmd(a),
		newCleanTrashCmd(a),
		newConfigCmd(a),
	)
	return rootCmd, a
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	_ = v.BindPFlag(key, flag)
}

// loadConfig reads the config file and decodes and validates the merged
// configuration.
func (a *app) loadConfig() error {
	if err := config.ReadConfigFile(a.v, a.cfgFile); err != nil {
		return apperrors.NewInvalidParamsError(a.cfgFile, err.Error())
	}
	if a.noLock {
		a.v.Set("locking.enabled", false)
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return apperrors.NewInvalidParamsError("", err.Error())
	}
	a.cfg = cfg
	return nil
}

// initialize loads the configuration, creates the logger and wires the lock
// registry and service.
func (a *app) initialize(cmd *cobra.Command, args []string) error {
	// 1. Read & validate config
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.cfg

	// 2. Logger
	log, err := logging.NewLogger(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	a.log = log

	// 3. Effective configuration
	a.log.Debug("configuration loaded",
		"config_file", a.v.ConfigFileUsed(),
		"prefix", cfg.Prefix,
		"locking_enabled", cfg.Locking.Enabled,
		"lock_timeout", cfg.Locking.Timeout(),
		"lock_backend", cfg.Locking.Backend,
		"poll_interval", cfg.Locking.PollInterval(),
	)

	// 4. Dependencies
	registry, err := lock.NewRegistryFromConfig(cfg.Locking, log)
	if err != nil {
		return err
	}
	a.registry = registry
	svc, err := service.NewDefaultPrefixService(filesystem.NewDefaultFileSystemAdapter(), registry, cfg, service.WithLogger(log))
	if err != nil {
		return err
	}
	a.svc = svc
	return nil
}

func (a *app) shutdown() {
	if a.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := a.registry.Executor().Wait(ctx); err != nil {
			a.log.Debug("abandoned lock waits still pending at exit", "pending", a.registry.Executor().Pending())
		}
	}
	if a.log != nil {
		_ = a.log.Close()
	}
}

// exitError carries the exit status of a child process.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

// Execute runs the command line with os.Args and returns the process exit
// code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd, a := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	a.shutdown()
	if err == nil {
		return apperrors.ExitOK
	}
	var ee *exitError
	if apperrors.As(err, &ee) {
		return ee.code
	}

	if a.jsonOut {
		_ = writeJSON(stdout, models.ErrorResponse{Error: *apperrors.ToErrorDetail(err)})
	} else {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if remedy := apperrors.RemedyFor(err); remedy != "" {
			fmt.Fprintf(stderr, "Hint: %s\n", remedy)
		}
	}
	return apperrors.ExitCode(err)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// usageArgs wraps a cobra argument validator so violations map to the usage
// exit code.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return apperrors.NewInvalidParamsError("", err.Error())
		}
		return nil
	}
}
