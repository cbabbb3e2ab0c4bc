package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Store backends.
const (
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultBatchInterval = time.Second
	DefaultMaxRecords    = 1024
	DefaultAdminListen   = "127.0.0.1:9464"
)

// ModuleReference identifies the file a configuration entry was loaded from.
type ModuleReference struct {
	File        string `yaml:"-"`
	Name        string `yaml:"-"`
	Description string `yaml:"-"`
}

// ModuleInclude references another configuration file or directory whose
// slots are merged into the including file.
type ModuleInclude struct {
	Path        string `yaml:"path"`
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// UnmarshalYAML accepts either a bare path or a mapping.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind == yaml.ScalarNode {
		var path string
		if err := value.Decode(&path); err != nil {
			return fmt.Errorf("decode module path: %w", err)
		}
		m.Path = path
		return nil
	}
	type plain ModuleInclude
	var decoded plain
	if err := value.Decode(&decoded); err != nil {
		return fmt.Errorf("decode module include: %w", err)
	}
	*m = ModuleInclude(decoded)
	return nil
}

// BatchConfig controls the micro-batch loop.
type BatchConfig struct {
	Interval       Duration `yaml:"interval"`
	TimeMode       string   `yaml:"time_mode,omitempty"`
	WatermarkDelay Duration `yaml:"watermark_delay,omitempty"`
	Partitions     int      `yaml:"partitions,omitempty"`
	MaxRecords     int      `yaml:"max_records,omitempty"`
	Workers        int      `yaml:"workers,omitempty"`
}

// StoreConfig selects and tunes the durable key-value backend.
type StoreConfig struct {
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	Sync         bool   `yaml:"sync,omitempty"`
	CacheSize    int64  `yaml:"cache_size,omitempty"`
	MaxOpenFiles int    `yaml:"max_open_files,omitempty"`
}

// CheckpointConfig controls checkpoint cadence and retention.
type CheckpointConfig struct {
	Interval       int  `yaml:"interval,omitempty"`
	Retain         int  `yaml:"retain,omitempty"`
	RestoreOnStart bool `yaml:"restore_on_start,omitempty"`
}

// SlotConfig declares a value slot. Update is an optional expression
// evaluated for every record of the slot's grouping key.
type SlotConfig struct {
	Name   string          `yaml:"name"`
	TTL    Duration        `yaml:"ttl,omitempty"`
	Update string          `yaml:"update,omitempty"`
	Source ModuleReference `yaml:"-"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// AdminConfig configures the embedded admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the processor.
type Config struct {
	Name        string           `yaml:"name,omitempty"`
	Description string           `yaml:"description,omitempty"`
	Batch       BatchConfig      `yaml:"batch"`
	Store       StoreConfig      `yaml:"store"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	Slots       []SlotConfig     `yaml:"slots"`
	Logging     LoggingConfig    `yaml:"logging"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Admin       AdminConfig      `yaml:"admin"`
	Modules     []ModuleInclude  `yaml:"modules,omitempty"`
	HotReload   bool             `yaml:"hot_reload,omitempty"`
	Source      ModuleReference  `yaml:"-"`
}

// Load reads and decodes the configuration at path. A directory loads every
// YAML file inside it in name order. Defaults are applied but the result is
// not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	visited := make(map[string]struct{})
	var cfg *Config
	if info.IsDir() {
		cfg, err = loadDir(abs, visited)
	} else {
		cfg, err = loadFile(abs, visited)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path != "" && !filepath.IsAbs(cfg.Store.Path) {
		base := abs
		if !info.IsDir() {
			base = filepath.Dir(abs)
		}
		cfg.Store.Path = filepath.Join(base, cfg.Store.Path)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Parse decodes a single configuration document without module includes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Modules) > 0 {
		return nil, errors.New("module includes require a file path")
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func loadFile(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.setSource(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description})

	modules := cfg.Modules
	cfg.Modules = nil
	baseDir := filepath.Dir(path)
	for _, module := range modules {
		if strings.TrimSpace(module.Path) == "" {
			continue
		}
		modulePath := module.Path
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(baseDir, module.Path)
		}
		info, err := os.Stat(modulePath)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		var child *Config
		if info.IsDir() {
			child, err = loadDir(modulePath, visited)
		} else {
			child, err = loadFile(modulePath, visited)
		}
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		child.applyModuleMetadata(ModuleReference{Name: module.Name, Description: module.Description})
		mergeConfig(&cfg, child)
	}
	return &cfg, nil
}

func loadDir(path string, visited map[string]struct{}) (*Config, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{Source: ModuleReference{File: path}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		child, err := loadFile(filepath.Join(path, entry.Name()), visited)
		if err != nil {
			return nil, err
		}
		mergeConfig(result, child)
	}
	return result, nil
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if src.Batch != (BatchConfig{}) {
		dst.Batch = src.Batch
	}
	if src.Store != (StoreConfig{}) {
		dst.Store = src.Store
	}
	if src.Checkpoint != (CheckpointConfig{}) {
		dst.Checkpoint = src.Checkpoint
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Provider != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.Admin != (AdminConfig{}) {
		dst.Admin = src.Admin
	}
	if src.HotReload {
		dst.HotReload = true
	}
	if dst.Source.File == "" {
		dst.Source = src.Source
	}
	dst.Slots = append(dst.Slots, src.Slots...)
}

func (c *Config) setSource(meta ModuleReference) {
	c.Source = meta
	for i := range c.Slots {
		if c.Slots[i].Source.File == "" {
			c.Slots[i].Source = meta
		}
	}
}

func (c *Config) applyModuleMetadata(meta ModuleReference) {
	for i := range c.Slots {
		if meta.Name != "" {
			c.Slots[i].Source.Name = meta.Name
		}
		if meta.Description != "" {
			c.Slots[i].Source.Description = meta.Description
		}
	}
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Batch.Interval.Duration <= 0 {
		c.Batch.Interval = Duration{DefaultBatchInterval}
	}
	if c.Batch.TimeMode == "" {
		c.Batch.TimeMode = "processing"
	}
	if c.Batch.Partitions <= 0 {
		c.Batch.Partitions = 1
	}
	if c.Batch.MaxRecords <= 0 {
		c.Batch.MaxRecords = DefaultMaxRecords
	}
	if c.Batch.Workers <= 0 {
		c.Batch.Workers = c.Batch.Partitions
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendPebble
	}
	if c.Checkpoint.Interval == 0 {
		c.Checkpoint.Interval = 1
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		c.Admin.Listen = DefaultAdminListen
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Batch.TimeMode {
	case "processing", "event":
	default:
		return fmt.Errorf("batch.time_mode: unsupported value %q", c.Batch.TimeMode)
	}
	if c.Batch.WatermarkDelay.Duration < 0 {
		return errors.New("batch.watermark_delay must not be negative")
	}
	switch c.Store.Backend {
	case BackendPebble, BackendLevelDB:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for backend %s", c.Store.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend: unsupported value %q", c.Store.Backend)
	}
	if c.Checkpoint.Interval < 0 {
		return errors.New("checkpoint.interval must not be negative")
	}
	if c.Checkpoint.Retain < 0 {
		return errors.New("checkpoint.retain must not be negative")
	}
	if len(c.Slots) == 0 {
		return errors.New("at least one slot is required")
	}
	seen := make(map[string]struct{}, len(c.Slots))
	for _, slot := range c.Slots {
		if strings.TrimSpace(slot.Name) == "" {
			return fmt.Errorf("%s: slot name must not be empty", slot.Source.File)
		}
		if _, ok := seen[slot.Name]; ok {
			return fmt.Errorf("%s: duplicate slot %q", slot.Source.File, slot.Name)
		}
		seen[slot.Name] = struct{}{}
		if slot.TTL.Duration < 0 {
			return fmt.Errorf("slot %s: ttl must not be negative", slot.Name)
		}
	}
	return nil
}

// PartitionPath returns the store directory of partition n.
func (c *Config) PartitionPath(n int) string {
	return filepath.Join(c.Store.Path, fmt.Sprintf("p-%d", n))
}
