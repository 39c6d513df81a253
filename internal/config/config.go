package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for contract-intel.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    toml:"server"`
	Mongo     MongoConfig     `mapstructure:"mongo"     toml:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"     toml:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"     toml:"queue"`
	LLM       LLMConfig       `mapstructure:"llm"       toml:"llm"`
	Quota     QuotaConfig     `mapstructure:"quota"     toml:"quota"`
	WebSocket WebSocketConfig `mapstructure:"websocket" toml:"websocket"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"    toml:"worker"`
	Tracing   TracingConfig   `mapstructure:"tracing"   toml:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   toml:"metrics"`
}

// ServerConfig holds the core HTTP server settings for cmd/api.
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"      toml:"bind_address"`
	Port            int    `mapstructure:"port"              toml:"port"`
	LogLevel        string `mapstructure:"log_level"         toml:"log_level"`
	DataDir         string `mapstructure:"data_dir"          toml:"data_dir"`
	TLSEnabled      bool   `mapstructure:"tls_enabled"       toml:"tls_enabled"`
	CertFile        string `mapstructure:"cert_file"         toml:"cert_file"`
	KeyFile         string `mapstructure:"key_file"          toml:"key_file"`
	ReadTimeout     int    `mapstructure:"read_timeout"      toml:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"     toml:"write_timeout"`
	IdleTimeout     int    `mapstructure:"idle_timeout"      toml:"idle_timeout"`
	MaxBodySize     int64  `mapstructure:"max_body_size"     toml:"max_body_size"`
	RequestTimeout  int    `mapstructure:"request_timeout"   toml:"request_timeout"` // seconds, §9 "HTTP requests: server-imposed 30s"
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"  toml:"shutdown_timeout"`
}

// MongoConfig holds document store connection settings.
type MongoConfig struct {
	URI      string `mapstructure:"uri"      toml:"uri"`
	Database string `mapstructure:"database" toml:"database"`
}

// RedisConfig holds key-value store connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"     toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db"       toml:"db"`
}

// QueueConfig holds durable broker connection settings.
type QueueConfig struct {
	URI             string `mapstructure:"uri"               toml:"uri"`
	ConsumerWorkers int    `mapstructure:"consumer_workers"  toml:"consumer_workers"`
}

// ModelConfig describes one LLM model endpoint.
type ModelConfig struct {
	Name    string `mapstructure:"name"     toml:"name"`
	BaseURL string `mapstructure:"base_url" toml:"base_url"`
	KeyRef  string `mapstructure:"key_ref"  toml:"key_ref"`
}

// LLMConfig controls the model client's primary/fallback chain.
type LLMConfig struct {
	Primary  ModelConfig `mapstructure:"primary"  toml:"primary"`
	Fallback ModelConfig `mapstructure:"fallback" toml:"fallback"`
}

// QuotaConfig controls per-plan monthly analysis limits (§4.3).
// A limit of -1 means unbounded.
type QuotaConfig struct {
	Plans map[string]int `mapstructure:"plans" toml:"plans"`
}

// WebSocketConfig controls the real-time event hub (§4.9).
type WebSocketConfig struct {
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds" toml:"ping_interval_seconds"`
	PongTimeoutSeconds  int `mapstructure:"pong_timeout_seconds"  toml:"pong_timeout_seconds"`
}

// SchedulerConfig controls the daily expiry-alert scan (§4.7).
type SchedulerConfig struct {
	CronExpr         string `mapstructure:"cron_expr"          toml:"cron_expr"`
	AlertWindowMax   int    `mapstructure:"alert_window_max"   toml:"alert_window_max"`
	DefaultAlertDays []int  `mapstructure:"default_alert_days" toml:"default_alert_days"`
}

// WorkerConfig controls the analysis worker pool (§4.6).
type WorkerConfig struct {
	Concurrency     int `mapstructure:"concurrency"       toml:"concurrency"`
	MaxRetries      int `mapstructure:"max_retries"       toml:"max_retries"`
	LockTTLSeconds  int `mapstructure:"lock_ttl_seconds"  toml:"lock_ttl_seconds"`
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds" toml:"cache_ttl_seconds"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "contract-intel"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (LEXAI_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.contract-intel/contract-intel.toml
//  4. ./contract-intel.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	setViperDefaults(v)

	v.SetEnvPrefix("LEXAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".contract-intel"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("contract-intel")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.contract-intel/contract-intel.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".contract-intel")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file and merges it into the current config.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("mongo.uri", d.Mongo.URI)
	v.SetDefault("mongo.database", d.Mongo.Database)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("queue.uri", d.Queue.URI)
	v.SetDefault("queue.consumer_workers", d.Queue.ConsumerWorkers)

	v.SetDefault("llm.primary.name", d.LLM.Primary.Name)
	v.SetDefault("llm.primary.base_url", d.LLM.Primary.BaseURL)
	v.SetDefault("llm.primary.key_ref", d.LLM.Primary.KeyRef)
	v.SetDefault("llm.fallback.name", d.LLM.Fallback.Name)
	v.SetDefault("llm.fallback.base_url", d.LLM.Fallback.BaseURL)
	v.SetDefault("llm.fallback.key_ref", d.LLM.Fallback.KeyRef)

	v.SetDefault("quota.plans", d.Quota.Plans)

	v.SetDefault("websocket.ping_interval_seconds", d.WebSocket.PingIntervalSeconds)
	v.SetDefault("websocket.pong_timeout_seconds", d.WebSocket.PongTimeoutSeconds)

	v.SetDefault("scheduler.cron_expr", d.Scheduler.CronExpr)
	v.SetDefault("scheduler.alert_window_max", d.Scheduler.AlertWindowMax)
	v.SetDefault("scheduler.default_alert_days", d.Scheduler.DefaultAlertDays)

	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.max_retries", d.Worker.MaxRetries)
	v.SetDefault("worker.lock_ttl_seconds", d.Worker.LockTTLSeconds)
	v.SetDefault("worker.cache_ttl_seconds", d.Worker.CacheTTLSeconds)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// OnReload is called after a successful hot-reload. Consumers register
// callbacks to react to config changes that matter to them without a
// process restart: the admission path's per-plan quota table (§4.3) and
// the scheduler's default alert-threshold list (§4.7) are both meant to
// take effect on the next request/scan rather than requiring a redeploy.
type OnReload func(old, new *Config)

// Watcher monitors the config file for changes and reloads automatically.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	filePath  string
	callbacks []OnReload
	mu        sync.Mutex
	done      chan struct{}
}

// Watch starts watching the given config file for changes. When the file is
// modified, the config is re-loaded, validated, and stored in the global
// atomic pointer. Any registered callbacks are invoked with the old and new
// config values.
//
// filePath must not be empty; an empty path is rejected with an error and
// no search for a config file is made.
func Watch(filePath string) (*Watcher, error) {
	if filePath == "" {
		return nil, fmt.Errorf("config watcher: file path must not be empty")
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("config watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: creating fsnotify watcher: %w", err)
	}

	// Watch the directory containing the config file rather than the file
	// itself. Many editors perform atomic saves (write tmp + rename) which
	// causes the inode to change; watching the directory catches renames.
	dir := filepath.Dir(absPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		filePath:  absPath,
		done:      make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

// OnChange registers a callback that will be invoked after each successful
// config reload. It is safe to call from multiple goroutines.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop is the main event loop that processes fsnotify events.
func (w *Watcher) loop() {
	// Debounce: editors may fire multiple events in rapid succession for a
	// single save operation. We wait a short interval after the last event
	// before performing the reload.
	const debounce = 100 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// Only react to writes/creates/renames of our specific file.
			if filepath.Clean(event.Name) != w.filePath {
				continue
			}

			isWrite := event.Op&fsnotify.Write != 0
			isCreate := event.Op&fsnotify.Create != 0
			isRename := event.Op&fsnotify.Rename != 0

			if !isWrite && !isCreate && !isRename {
				continue
			}

			// Reset the debounce timer.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				w.reload()
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config watcher] error: %v", err)
		}
	}
}

// reload performs the actual config reload, re-deriving the quota plan
// table and scheduler alert-threshold defaults before notifying callbacks
// so every OnChange callback sees the fully-updated Config.
func (w *Watcher) reload() {
	old := Get()

	newCfg, err := Load(w.filePath)
	if err != nil {
		log.Printf("[config watcher] reload failed: %v (keeping previous config)", err)
		return
	}

	log.Printf("[config watcher] config reloaded from %s", w.filePath)

	w.mu.Lock()
	cbs := make([]OnReload, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[config watcher] callback panicked: %v", r)
				}
			}()
			cb(old, newCfg)
		}()
	}
}
