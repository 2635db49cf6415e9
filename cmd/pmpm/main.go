// main.go bootstraps pmpm: it builds the root Cobra command and executes it with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/pmpm/internal/config"
	"github.com/example/pmpm/internal/failure"
)

// Exit codes.
const (
	exitOK            = 0
	exitError         = 1
	exitConfiguration = 2
	exitInstall       = 3
	exitCancelled     = 130
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(os.Stderr, err)
	os.Exit(exitCode(err))
}

func newRootCommand() *cobra.Command {
	logLevel := "info"
	cmd := &cobra.Command{
		Use:   "pmpm",
		Short: "Variant-aware installer for conda and source-built package stacks",
		Long: "pmpm installs an ordered stack of conda, pip and source-built packages into a prefix,\n" +
			"generating per-OS/MPI/MKL manifests and resuming from the ledger it keeps in the prefix.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level (debug, info, warn, error)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return failure.Configf("%v", err)
	})

	condaCmd := newInstallCommand(config.ModeConda, &logLevel)
	systemCmd := newInstallCommand(config.ModeSystem, &logLevel)
	variantCmd := newVariantCommand(&logLevel)
	cmd.AddCommand(
		condaCmd,
		systemCmd,
		variantCmd,
		newLedgerCommand(),
		newVersionCommand(),
	)
	cmd.Example = `  # Install a generated variant into a fresh conda prefix
  pmpm conda_install ~/envs/toast --file linux-nomkl-nompi.yml

  # Generate every MPI/MKL variant for linux next to the base manifest
  pmpm variant stack.yml --os linux --all

  # Show what the last run did
  pmpm ledger ~/envs/toast`
	overlay := bindViper(cmd, condaCmd, systemCmd, variantCmd)
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return overlay()
	}
	return cmd
}

// bindViper lets PMPM_* env vars and an optional config file fill flags the
// user did not set on the command line. The returned hook must run before any
// subcommand of the same tree.
func bindViper(commands ...*cobra.Command) func() error {
	if len(commands) == 0 {
		return func() error { return nil }
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("PMPM")
	v.AutomaticEnv()
	configFile := os.Getenv("PMPM_CONFIG")
	configureConfigFile(v, configFile)

	return func() error {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				return err
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			return failure.Configf("config file: %v", err)
		}
		for _, cmd := range commands {
			for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed || !v.IsSet(f.Name) {
						return
					}
					if sv, ok := f.Value.(pflag.SliceValue); ok {
						_ = sv.Replace(v.GetStringSlice(f.Name))
						return
					}
					if val := fmt.Sprintf("%v", v.Get(f.Name)); val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
		return nil
	}
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "pmpm"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "pmpm"))
		add(filepath.Join(home, ".pmpm"))
	}
	return dirs
}

// exactArgs is cobra.ExactArgs reporting a configuration error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return failure.Configf("%v", err)
		}
		return nil
	}
}

func exitCode(err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	switch failure.KindOf(err) {
	case failure.Configuration:
		return exitConfiguration
	case failure.TransientInstall, failure.Build, failure.Verification, failure.Timeout:
		return exitInstall
	case failure.Cancelled:
		return exitCancelled
	}
	if errors.Is(err, context.Canceled) {
		return exitCancelled
	}
	return exitError
}

// handleError prints the error and, for install failures, the captured tail
// of the failing command's output.
func handleError(w io.Writer, err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	fmt.Fprintf(w, "Error: %s\n", err)
	var fe *failure.Error
	if !errors.As(err, &fe) || len(fe.Tail) == 0 {
		return
	}
	fmt.Fprintf(w, "--- last %d lines from %s (%s) ---\n", len(fe.Tail), fe.Package, fe.Method)
	for _, line := range fe.Tail {
		fmt.Fprintln(w, line)
	}
}
