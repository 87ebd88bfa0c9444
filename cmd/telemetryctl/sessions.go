package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/sessionsync/internal/collector"
	"github.com/gyaneshwarpardhi/sessionsync/internal/session"
	"github.com/gyaneshwarpardhi/sessionsync/internal/syncer"
)

var purgeYes bool

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Count sealed sessions waiting for upload",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := session.Pending(cmd.Context(), cfg.Storage.SessionsDir(), nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d pending session(s) in %s\n", n, cfg.Storage.SessionsDir())
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every sealed session without uploading it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !purgeYes {
			return fmt.Errorf("refusing to delete sessions without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		archive := session.Archive{Root: cfg.Storage.SessionsDir()}
		removed := 0
		for u := range archive.Generator(session.GeneratorOptions{}).All(cmd.Context()) {
			if err := archive.RemoveSessionDir(u.Dir); err != nil {
				slog.Warn("could not remove session", "dir", u.Dir, "err", err)
				continue
			}
			removed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s)\n", removed)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload sealed sessions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		creds, err := openCredentials(cfg)
		if err != nil {
			return err
		}
		col, err := collector.NewHTTP(collector.Options{
			BaseURL:            cfg.Collector.BaseURL,
			MaxEventsPerUpload: cfg.Collector.MaxEventsPerUpload,
			RequestsPerSecond:  cfg.Collector.RequestsPerSecond,
			Burst:              cfg.Collector.Burst,
			Client:             &http.Client{Timeout: cfg.Collector.Timeout()},
			UserAgent:          "telemetryctl/" + version,
		}, creds)
		if err != nil {
			return err
		}
		coord := syncer.New(syncer.Config{
			Collector:     col,
			Credentials:   creds,
			Sessions:      session.Archive{Root: cfg.Storage.SessionsDir()},
			UploadTimeout: cfg.Sync.UploadTimeout(),
		})
		defer coord.Stop()

		res := coord.Sync(cmd.Context(), syncer.ReasonManual)
		if res.Err != nil {
			return res.Err
		}
		if res.Skipped != "" {
			return fmt.Errorf("sync skipped: %s", res.Skipped)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d, failed %d, purged %d\n", res.Uploaded, res.Failed, res.Purged)
		if res.Failed > 0 {
			return fmt.Errorf("%d session(s) failed to upload and were kept", res.Failed)
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "Confirm deletion")
}
