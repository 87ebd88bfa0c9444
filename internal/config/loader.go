package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultSecretEnv is read when storage.secret_env is not set.
const DefaultSecretEnv = "SESSIONSYNC_SECRET"

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory and filter.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. An invalid file
// leaves the current config in place.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8089"
	}
	if cfg.Server.ShutdownTimeoutMs == 0 {
		cfg.Server.ShutdownTimeoutMs = 10000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultDataDir()
	}
	if cfg.Storage.SecretEnv == "" {
		cfg.Storage.SecretEnv = DefaultSecretEnv
	}
	if cfg.Storage.PreferencesFile == "" {
		cfg.Storage.PreferencesFile = "preferences.db"
	}
	if cfg.Session.IdleTimeoutSec == 0 {
		cfg.Session.IdleTimeoutSec = 1800
	}
	if cfg.Session.QueueDepth == 0 {
		cfg.Session.QueueDepth = 1024
	}
	if cfg.Sync.IntervalSec == 0 {
		cfg.Sync.IntervalSec = 30
	}
	if cfg.Sync.UploadTimeoutMs == 0 {
		cfg.Sync.UploadTimeoutMs = 15000
	}
	if cfg.Collector.MaxEventsPerUpload == 0 {
		cfg.Collector.MaxEventsPerUpload = 250
	}
	if cfg.Collector.TimeoutMs == 0 {
		cfg.Collector.TimeoutMs = 30000
	}
}

// DefaultDataDir follows the XDG base directory layout.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "sessionsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sessionsync")
	}
	return filepath.Join(home, ".local", "share", "sessionsync")
}

// SessionsDir is where session directories live.
func (c StorageConf) SessionsDir() string { return filepath.Join(c.Dir, "sessions") }

// CredentialsDir is where the sealed credential lives.
func (c StorageConf) CredentialsDir() string { return filepath.Join(c.Dir, "credentials") }

// PreferencesPath is the SQLite preferences database.
func (c StorageConf) PreferencesPath() string {
	if filepath.IsAbs(c.PreferencesFile) {
		return c.PreferencesFile
	}
	return filepath.Join(c.Dir, c.PreferencesFile)
}

// Secret reads the credential encryption secret from the environment.
func (c StorageConf) Secret() ([]byte, error) {
	v := os.Getenv(c.SecretEnv)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s is not set", c.SecretEnv)
	}
	return []byte(v), nil
}
