package config

import (
	"fmt"
	"strings"

	"github.com/lexai-io/contract-intel/internal/quota"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.request_timeout must be non-negative, got %d", cfg.Server.RequestTimeout))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be non-negative, got %d", cfg.Server.ShutdownTimeout))
	}

	if cfg.Mongo.URI == "" {
		errs = append(errs, "mongo.uri must not be empty")
	}
	if cfg.Mongo.Database == "" {
		errs = append(errs, "mongo.database must not be empty")
	}

	if cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}

	if cfg.Queue.URI == "" {
		errs = append(errs, "queue.uri must not be empty")
	}
	if cfg.Queue.ConsumerWorkers < 1 {
		errs = append(errs, fmt.Sprintf("queue.consumer_workers must be at least 1, got %d", cfg.Queue.ConsumerWorkers))
	}

	if cfg.LLM.Primary.BaseURL == "" {
		errs = append(errs, "llm.primary.base_url must not be empty")
	}
	if cfg.LLM.Primary.Name == "" {
		errs = append(errs, "llm.primary.name must not be empty")
	}

	for plan, limit := range cfg.Quota.Plans {
		if limit < quota.Unbounded {
			errs = append(errs, fmt.Sprintf("quota.plans[%q] must be -1 (unbounded) or non-negative, got %d", plan, limit))
		}
	}

	if cfg.WebSocket.PingIntervalSeconds < 1 {
		errs = append(errs, fmt.Sprintf("websocket.ping_interval_seconds must be at least 1, got %d", cfg.WebSocket.PingIntervalSeconds))
	}
	if cfg.WebSocket.PongTimeoutSeconds <= cfg.WebSocket.PingIntervalSeconds {
		errs = append(errs, "websocket.pong_timeout_seconds must be greater than ping_interval_seconds")
	}

	if cfg.Scheduler.CronExpr == "" {
		errs = append(errs, "scheduler.cron_expr must not be empty")
	}
	if cfg.Scheduler.AlertWindowMax < 0 {
		errs = append(errs, fmt.Sprintf("scheduler.alert_window_max must be non-negative, got %d", cfg.Scheduler.AlertWindowMax))
	}

	if cfg.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("worker.concurrency must be at least 1, got %d", cfg.Worker.Concurrency))
	}
	if cfg.Worker.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("worker.max_retries must be non-negative, got %d", cfg.Worker.MaxRetries))
	}
	if cfg.Worker.LockTTLSeconds < 1 {
		errs = append(errs, fmt.Sprintf("worker.lock_ttl_seconds must be at least 1, got %d", cfg.Worker.LockTTLSeconds))
	}
	if cfg.Worker.CacheTTLSeconds < 1 {
		errs = append(errs, fmt.Sprintf("worker.cache_ttl_seconds must be at least 1, got %d", cfg.Worker.CacheTTLSeconds))
	}

	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
