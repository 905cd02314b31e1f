package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Overflow   OverflowConfig   `json:"overflow" yaml:"overflow"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Alarms     AlarmsConfig     `json:"alarms" yaml:"alarms"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Broadcast  BroadcastConfig  `json:"broadcast" yaml:"broadcast"`
}

type PipelineConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"`
}

type OverflowConfig struct {
	Dir           string        `json:"dir" yaml:"dir"`
	FilePrefix    string        `json:"file_prefix" yaml:"file_prefix"`
	MaxFileBytes  int64         `json:"max_file_bytes" yaml:"max_file_bytes"`
	MaxFileAge    time.Duration `json:"max_file_age" yaml:"max_file_age"`
	Buffer        int           `json:"buffer" yaml:"buffer"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
}

type DispatcherConfig struct {
	DeliveryTimeout time.Duration `json:"delivery_timeout" yaml:"delivery_timeout"`
	ShutdownGrace   time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

type EngineConfig struct {
	RefreshInterval      time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	OfflineSweepInterval time.Duration `json:"offline_sweep_interval" yaml:"offline_sweep_interval"`
	MaxRocWindow         time.Duration `json:"max_roc_window" yaml:"max_roc_window"`
	EmitResolutions      bool          `json:"emit_resolutions" yaml:"emit_resolutions"`
}

type AlarmsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type BroadcastConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Brokers     []string `json:"brokers" yaml:"brokers"`
	PointsTopic string   `json:"points_topic" yaml:"points_topic"`
	AlarmsTopic string   `json:"alarms_topic" yaml:"alarms_topic"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Pipeline: PipelineConfig{Capacity: 10000},
		Overflow: OverflowConfig{
			Dir:           "overflow",
			FilePrefix:    "overflow",
			MaxFileBytes:  8 << 20,
			MaxFileAge:    1 * time.Hour,
			Buffer:        1024,
			RetryInterval: 500 * time.Millisecond,
			MaxRetries:    5,
		},
		Dispatcher: DispatcherConfig{
			DeliveryTimeout: 2 * time.Second,
			ShutdownGrace:   5 * time.Second,
		},
		Engine: EngineConfig{
			RefreshInterval:      5 * time.Second,
			OfflineSweepInterval: 1 * time.Second,
			MaxRocWindow:         1 * time.Hour,
			EmitResolutions:      false,
		},
		Alarms:    AlarmsConfig{StoreLimit: 1000},
		Storage:   StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:tagwatch.db?_pragma=busy_timeout(5000)"},
		Broadcast: BroadcastConfig{Enabled: false, PointsTopic: "telemetry.points", AlarmsTopic: "telemetry.alarms"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Pipeline.Capacity <= 0 {
		cfg.Pipeline.Capacity = def.Pipeline.Capacity
	}
	if cfg.Overflow.Dir == "" {
		cfg.Overflow.Dir = def.Overflow.Dir
	}
	if cfg.Overflow.FilePrefix == "" {
		cfg.Overflow.FilePrefix = def.Overflow.FilePrefix
	}
	if cfg.Overflow.MaxFileBytes <= 0 {
		cfg.Overflow.MaxFileBytes = def.Overflow.MaxFileBytes
	}
	if cfg.Overflow.MaxFileAge <= 0 {
		cfg.Overflow.MaxFileAge = def.Overflow.MaxFileAge
	}
	if cfg.Overflow.Buffer <= 0 {
		cfg.Overflow.Buffer = def.Overflow.Buffer
	}
	if cfg.Overflow.RetryInterval <= 0 {
		cfg.Overflow.RetryInterval = def.Overflow.RetryInterval
	}
	if cfg.Overflow.MaxRetries <= 0 {
		cfg.Overflow.MaxRetries = def.Overflow.MaxRetries
	}
	if cfg.Dispatcher.DeliveryTimeout <= 0 {
		cfg.Dispatcher.DeliveryTimeout = def.Dispatcher.DeliveryTimeout
	}
	if cfg.Dispatcher.ShutdownGrace <= 0 {
		cfg.Dispatcher.ShutdownGrace = def.Dispatcher.ShutdownGrace
	}
	if cfg.Engine.RefreshInterval <= 0 {
		cfg.Engine.RefreshInterval = def.Engine.RefreshInterval
	}
	if cfg.Engine.OfflineSweepInterval <= 0 {
		cfg.Engine.OfflineSweepInterval = def.Engine.OfflineSweepInterval
	}
	if cfg.Engine.MaxRocWindow <= 0 {
		cfg.Engine.MaxRocWindow = def.Engine.MaxRocWindow
	}
	if cfg.Alarms.StoreLimit <= 0 {
		cfg.Alarms.StoreLimit = def.Alarms.StoreLimit
	}
	if cfg.Broadcast.PointsTopic == "" {
		cfg.Broadcast.PointsTopic = def.Broadcast.PointsTopic
	}
	if cfg.Broadcast.AlarmsTopic == "" {
		cfg.Broadcast.AlarmsTopic = def.Broadcast.AlarmsTopic
	}
}

func Validate(cfg *Config) error {
	if cfg.Pipeline.Capacity <= 0 {
		return errors.New("pipeline.capacity must be > 0")
	}
	if cfg.Overflow.Dir == "" {
		return errors.New("overflow.dir must not be empty")
	}
	if cfg.Dispatcher.DeliveryTimeout <= 0 {
		return errors.New("dispatcher.delivery_timeout must be > 0")
	}
	if cfg.Dispatcher.ShutdownGrace <= 0 {
		return errors.New("dispatcher.shutdown_grace must be > 0")
	}
	if cfg.Engine.MaxRocWindow <= 0 {
		return errors.New("engine.max_roc_window must be > 0")
	}
	if cfg.Storage.Enabled {
		driver := strings.ToLower(cfg.Storage.Driver)
		if driver != "sqlite" && driver != "postgres" && driver != "postgresql" {
			return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
		}
	}
	if cfg.Broadcast.Enabled && len(cfg.Broadcast.Brokers) == 0 {
		return errors.New("broadcast.brokers required when broadcast.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	applyDefaults(cfg)
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
