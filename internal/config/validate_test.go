package config

import (
	"strings"
	"testing"

	"github.com/lexai-io/contract-intel/internal/quota"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/test"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 70000

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for port 70000")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error should mention server.port: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "verbose"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level: %v", err)
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.Server.DataDir = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty data_dir")
	}
}

func TestValidate_TLS_MissingCert(t *testing.T) {
	cfg := validConfig()
	cfg.Server.TLSEnabled = true
	cfg.Server.CertFile = ""
	cfg.Server.KeyFile = "/path/to/key.pem"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing cert_file")
	}
	if !strings.Contains(err.Error(), "cert_file") {
		t.Errorf("error should mention cert_file: %v", err)
	}
}

func TestValidate_NegativeReadTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ReadTimeout = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative read_timeout")
	}
}

func TestValidate_EmptyMongoURI(t *testing.T) {
	cfg := validConfig()
	cfg.Mongo.URI = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty mongo.uri")
	}
}

func TestValidate_EmptyRedisAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty redis.addr")
	}
}

func TestValidate_QueueWorkersMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.ConsumerWorkers = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for zero consumer workers")
	}
}

func TestValidate_QuotaPlanBelowUnbounded(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.Plans["broken"] = -5

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for quota plan limit below -1")
	}
}

func TestValidate_QuotaPlanUnboundedIsValid(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.Plans["custom"] = quota.Unbounded

	if err := validate(cfg); err != nil {
		t.Fatalf("unbounded plan limit should be valid: %v", err)
	}
}

func TestValidate_WebSocketPongMustExceedPing(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.PingIntervalSeconds = 60
	cfg.WebSocket.PongTimeoutSeconds = 30

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error when pong timeout does not exceed ping interval")
	}
}

func TestValidate_WorkerConcurrencyMustBePositive(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Concurrency = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for zero worker concurrency")
	}
}

func TestValidate_TracingBadExporter(t *testing.T) {
	cfg := validConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "carrier-pigeon"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid tracing exporter")
	}
}

func TestValidate_TracingSampleRateOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Tracing.SampleRate = 1.5

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for sample_rate > 1")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Server.LogLevel = "bad"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "server.port") || !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention multiple fields: %v", err)
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("INFO should be valid (case-insensitive)")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose should not be valid")
	}
}
