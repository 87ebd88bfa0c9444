package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/sessionsync/internal/config"
	"github.com/gyaneshwarpardhi/sessionsync/internal/credential"
	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
)

var (
	cfgPath string
	verbose bool
	version = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "telemetryctl",
	Short: "Inspect and drive the local session store",
	Long: `telemetryctl works directly on the session directory and credential
store of a sessionsync installation. It can list and purge sealed sessions,
run a sync pass, and log in or out.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "configs/sessionsync.yaml", "Path to YAML config")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log debug output to stderr")

	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

func loadConfig() (*config.Config, error) {
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return nil, err
	}
	return loader.Config(), nil
}

func openCredentials(cfg *config.Config) (*credential.Store, error) {
	secret, err := cfg.Storage.Secret()
	if err != nil {
		return nil, err
	}
	m, err := medium.NewSecure(medium.NewFileSystem(cfg.Storage.CredentialsDir()), secret, "credentials")
	if err != nil {
		return nil, err
	}
	return credential.NewStore(m, slog.Default()), nil
}
