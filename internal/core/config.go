package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigManager loads the config file (YAML or JSON), validates it, and
// publishes committed snapshots to subscribers on file change.
type ConfigManager struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	subs []chan *Config

	log *slog.Logger

	// lastHash tracks the last committed content so editor double-writes do
	// not trigger redundant publishes.
	lastHash uint64
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log *slog.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

func (m *ConfigManager) logger() *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.log == nil {
		return slog.Default()
	}
	return m.log
}

// Parse reads and strictly decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated documents)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	// env override so the token can stay out of the config file
	if v := os.Getenv("JOINFLOW_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	return &cfg, nil
}

// Load parses, validates and commits the file. Used at boot.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *ConfigManager) publish(cfg *Config) {
	m.mu.RLock()
	subs := append([]chan *Config{}, m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// drop for slow subscribers; they get the next snapshot
		}
	}
}

// reload parses a changed file and publishes it if valid and different.
// Invalid files are logged and skipped; the running config stays intact.
func (m *ConfigManager) reload() {
	cfg, err := m.Parse()
	if err != nil {
		m.logger().Warn("config reload parse failed, keeping current config", slog.Any("err", err))
		return
	}
	if err := cfg.Validate(); err != nil {
		m.logger().Warn("config reload rejected, keeping current config", slog.Any("err", err))
		return
	}

	h := hashConfig(cfg)
	m.mu.Lock()
	if h == m.lastHash {
		m.mu.Unlock()
		m.logger().Debug("config file changed without effective changes")
		return
	}
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()

	m.publish(cfg)
}

// Watch blocks until ctx is done, reloading on file change events. The parent
// directory is watched so atomic save (write temp + rename) is picked up.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, m.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == filepath.Join(dir, file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case <-w.Errors:
			// keep watching
		}
	}
}
