package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version   string        `yaml:"version"`
	Server    ServerConf    `yaml:"server"`
	Log       LogConf       `yaml:"log"`
	Storage   StorageConf   `yaml:"storage"`
	Session   SessionConf   `yaml:"session"`
	Sync      SyncConf      `yaml:"sync"`
	Collector CollectorConf `yaml:"collector"`
}

// ServerConf configures the ingestion daemon.
type ServerConf struct {
	Addr              string `yaml:"addr"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
}

// LogConf configures slog. Level is reloadable.
type LogConf struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConf locates persisted state.
type StorageConf struct {
	Dir string `yaml:"dir"`
	// SecretEnv names the environment variable holding the credential
	// encryption secret. The secret itself never lives in this file.
	SecretEnv       string `yaml:"secret_env"`
	PreferencesFile string `yaml:"preferences_file"`
}

// SessionConf tunes session recording.
type SessionConf struct {
	IdleTimeoutSec int  `yaml:"idle_timeout_sec"`
	QueueDepth     int  `yaml:"queue_depth"`
	TrackLifecycle bool `yaml:"track_lifecycle"`
}

// SyncConf tunes the sync coordinator. IntervalSec is reloadable.
type SyncConf struct {
	IntervalSec     int `yaml:"interval_sec"`
	UploadTimeoutMs int `yaml:"upload_timeout_ms"`
}

// CollectorConf points at the telemetry backend.
type CollectorConf struct {
	BaseURL            string  `yaml:"base_url"`
	MaxEventsPerUpload int     `yaml:"max_events_per_upload"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	Burst              int     `yaml:"burst"`
	TimeoutMs          int     `yaml:"timeout_ms"`
}

func (c SessionConf) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

func (c SyncConf) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c SyncConf) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutMs) * time.Millisecond
}

func (c CollectorConf) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ServerConf) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}
