package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Environment selects dev-friendly relaxations.
type Environment string

const (
	EnvDevelopment Environment = "Development"
	EnvE2E         Environment = "E2E"
	EnvProduction  Environment = "Production"
)

// IsDevelopment reports whether relaxed validation applies (Development or E2E).
func (e Environment) IsDevelopment() bool {
	return e == EnvDevelopment || e == EnvE2E
}

// Config is the merged configuration for a TansuCloud service instance.
// Values come from TANSU_* environment variables, optionally overlaid on a
// YAML file. The handful of externally-defined variable names from the
// platform contract are read verbatim.
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" yaml:"serviceName" default:"tansu"`
	Version     string `envconfig:"VERSION" yaml:"version" default:"dev"`

	ListenAddr  string `envconfig:"LISTEN_ADDR" yaml:"listenAddr" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" yaml:"metricsAddr" default:":9090"`

	LogLevel string `envconfig:"LOG_LEVEL" yaml:"logLevel" default:"info"`
	LogJSON  bool   `envconfig:"LOG_JSON" yaml:"logJSON" default:"true"`

	// DataDir holds local state such as the gateway policy store.
	DataDir string `envconfig:"DATA_DIR" yaml:"dataDir" default:"/var/lib/tansu"`

	// Upstreams route gateway traffic by first path segment. File-only;
	// there is no sane env-var encoding for a list of routes.
	Upstreams []UpstreamConfig `ignored:"true" yaml:"upstreams"`

	// Relational store (audit, outbox, telemetry, schema tracking).
	DatabaseURL string `envconfig:"DATABASE_URL" yaml:"databaseURL"`
	// Admin connection used for CREATE DATABASE during provisioning.
	AdminDatabaseURL string `envconfig:"ADMIN_DATABASE_URL" yaml:"adminDatabaseURL"`

	// Connection pooler admin API. Credentials come from the contract
	// variables below.
	PoolAdminURL string `envconfig:"POOL_ADMIN_URL" yaml:"poolAdminURL"`
	// PoolSize is requested for every tenant pool registered with the pooler.
	PoolSize int `envconfig:"POOL_SIZE" yaml:"poolSize" default:"20"`

	// Event bus.
	RedisAddr    string `envconfig:"REDIS_ADDR" yaml:"redisAddr" default:"localhost:6379"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" yaml:"redisChannel" default:"tansu:cache:invalidate"`

	// Audit pipeline.
	AuditQueueCapacity int    `envconfig:"AUDIT_QUEUE_CAPACITY" yaml:"auditQueueCapacity" default:"10000"`
	AuditBatchSize     int    `envconfig:"AUDIT_BATCH_SIZE" yaml:"auditBatchSize" default:"256"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" yaml:"auditRetentionDays" default:"90"`
	AuditIPHashSalt    string `envconfig:"AUDIT_IP_HASH_SALT" yaml:"auditIPHashSalt"`

	// Object storage.
	StorageRoot    string `envconfig:"STORAGE_ROOT" yaml:"storageRoot" default:"/var/lib/tansu/storage"`
	StorageSecret  string `envconfig:"STORAGE_PRESIGN_SECRET" yaml:"storagePresignSecret"`
	MaxObjectBytes int64  `envconfig:"STORAGE_MAX_OBJECT_BYTES" yaml:"storageMaxObjectBytes"`
	MaxTotalBytes  int64  `envconfig:"STORAGE_MAX_TOTAL_BYTES" yaml:"storageMaxTotalBytes"`
	MaxObjectCount int64  `envconfig:"STORAGE_MAX_OBJECT_COUNT" yaml:"storageMaxObjectCount"`

	// Telemetry admin.
	TelemetryAPIKey        string `envconfig:"TELEMETRY_API_KEY" yaml:"telemetryAPIKey"`
	TelemetryQueueCapacity int    `envconfig:"TELEMETRY_QUEUE_CAPACITY" yaml:"telemetryQueueCapacity" default:"1000"`
	// TelemetryOverflow is "reject" (429 the producer) or "drop-oldest".
	TelemetryOverflow string `envconfig:"TELEMETRY_OVERFLOW" yaml:"telemetryOverflow" default:"reject"`

	// Log reporter.
	ReportServerURL       string `envconfig:"REPORT_SERVER_URL" yaml:"reportServerURL"`
	ReportIntervalMinutes int    `envconfig:"REPORT_INTERVAL_MINUTES" yaml:"reportIntervalMinutes" default:"60"`
	ReportPseudonymSecret string `envconfig:"REPORT_PSEUDONYM_SECRET" yaml:"reportPseudonymSecret"`

	// Externally-defined contract variables, read verbatim (not TANSU_*).
	Environment         Environment `ignored:"true" yaml:"-"`
	RunningInContainer  bool        `ignored:"true" yaml:"-"`
	SkipExtensionUpdate bool        `ignored:"true" yaml:"-"`
	PoolAdminUser       string      `ignored:"true" yaml:"-"`
	PoolAdminPassword   string      `ignored:"true" yaml:"-"`
	PublicBaseURL       string      `ignored:"true" yaml:"-"`
	GatewayBaseURL      string      `ignored:"true" yaml:"-"`
}

// UpstreamConfig describes one proxied service behind the gateway.
type UpstreamConfig struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	BodyLimitBytes int64  `yaml:"bodyLimitBytes"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// Load reads configuration from an optional YAML file, then overlays
// TANSU_-prefixed environment variables and the platform contract variables.
// Unknown environment variables are ignored.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("TANSU", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.Environment = parseEnvironment(os.Getenv("ASPNETCORE_ENVIRONMENT"))
	cfg.RunningInContainer = strings.EqualFold(os.Getenv("DOTNET_RUNNING_IN_CONTAINER"), "true")
	cfg.SkipExtensionUpdate = strings.EqualFold(os.Getenv("SKIP_EXTENSION_UPDATE"), "true")
	cfg.PoolAdminUser = os.Getenv("PGCAT_ADMIN_USER")
	cfg.PoolAdminPassword = os.Getenv("PGCAT_ADMIN_PASSWORD")
	if v := os.Getenv("PUBLIC_BASE_URL"); v != "" {
		cfg.PublicBaseURL = v
	}
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		cfg.GatewayBaseURL = v
	}

	return cfg, nil
}

func parseEnvironment(v string) Environment {
	switch strings.ToLower(v) {
	case "development":
		return EnvDevelopment
	case "e2e":
		return EnvE2E
	default:
		return EnvProduction
	}
}
