package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
)

// Validate checks the config for:
//   - Required fields
//   - Values slog and the collector client can actually use
//   - Non-negative tunables
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err.Error())
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", cfg.Log.Format))
	}

	if cfg.Collector.BaseURL == "" {
		errs = append(errs, "collector.base_url is required")
	} else if u, err := url.Parse(cfg.Collector.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("collector.base_url %q must be an absolute http(s) URL", cfg.Collector.BaseURL))
	}
	if cfg.Collector.RequestsPerSecond < 0 {
		errs = append(errs, "collector.requests_per_second must not be negative")
	}

	for name, v := range map[string]int{
		"server.shutdown_timeout_ms":      cfg.Server.ShutdownTimeoutMs,
		"session.idle_timeout_sec":        cfg.Session.IdleTimeoutSec,
		"session.queue_depth":             cfg.Session.QueueDepth,
		"sync.interval_sec":               cfg.Sync.IntervalSec,
		"sync.upload_timeout_ms":          cfg.Sync.UploadTimeoutMs,
		"collector.max_events_per_upload": cfg.Collector.MaxEventsPerUpload,
		"collector.burst":                 cfg.Collector.Burst,
		"collector.timeout_ms":            cfg.Collector.TimeoutMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative", name))
		}
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
	return lvl, nil
}
