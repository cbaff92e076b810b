package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Aidin1998/tradesentry/internal/classifier"
)

// EnvPrefix prefixes every environment override, e.g.
// TRADESENTRY_PROCESSOR_BATCH_SIZE=50.
const EnvPrefix = "TRADESENTRY"

// LogConfig configures the process logger
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// DatabaseConfig configures the trade store connection
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogSQL          bool          `mapstructure:"log_sql"`
}

// ProcessorConfig configures the claim/classify/persist loop
type ProcessorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int           `mapstructure:"batch_size" validate:"gt=0,lte=10000"`
	ClaimStaleness  time.Duration `mapstructure:"claim_staleness" validate:"gt=0"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
	Workers         int           `mapstructure:"workers" validate:"gt=0,lte=256"`
	WorkerID        string        `mapstructure:"worker_id" validate:"required,max=128"`
	NotifyChannel   string        `mapstructure:"notify_channel"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
}

// ModelConfig locates the frozen anomaly artifact
type ModelConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// RefDataConfig selects where processors load reference data from. "db"
// reads the reference tables; "file" reads SeedFile directly.
type RefDataConfig struct {
	Source   string `mapstructure:"source" validate:"oneof=db file"`
	SeedFile string `mapstructure:"seed_file" validate:"required_if=Source file"`
}

// RedisConfig configures the reload broadcast channel
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Channel  string `mapstructure:"channel" validate:"required_if=Enabled true"`
}

// ReloadConfig configures the reference data reload triggers
type ReloadConfig struct {
	WatchConfig bool        `mapstructure:"watch_config"`
	Redis       RedisConfig `mapstructure:"redis"`
}

// KafkaConfig configures the optional alert fan-out
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `mapstructure:"topic" validate:"required_if=Enabled true"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Compression  string        `mapstructure:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
}

// AlertsConfig configures what happens to alerts after commit
type AlertsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// AuthConfig verifies the HS256 bearer tokens operators present on mutating
// API routes. Issuer and Audience are checked only when set.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret" validate:"omitempty,min=32"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway" validate:"gte=0"`
}

// ServerConfig configures the operations HTTP API
type ServerConfig struct {
	Addr    string     `mapstructure:"addr"`
	Enabled bool       `mapstructure:"enabled"`
	Auth    AuthConfig `mapstructure:"auth"`
}

// TracingConfig toggles the stdout span exporter
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config represents the application configuration
type Config struct {
	Log        LogConfig         `mapstructure:"log"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Processor  ProcessorConfig   `mapstructure:"processor"`
	Classifier classifier.Config `mapstructure:"classifier"`
	Model      ModelConfig       `mapstructure:"model"`
	RefData    RefDataConfig     `mapstructure:"refdata"`
	Reload     ReloadConfig      `mapstructure:"reload"`
	Alerts     AlertsConfig      `mapstructure:"alerts"`
	Server     ServerConfig      `mapstructure:"server"`
	Tracing    TracingConfig     `mapstructure:"tracing"`
}

// Loader owns the viper instance so the config file can be watched after the
// initial load.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
}

// NewLoader creates a loader. An explicit path wins over the search paths.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tradesentry")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{v: v, validate: validator.New()}
}

// Load reads, unmarshals and validates the configuration. A missing config
// file is not an error; defaults and environment apply.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !asNotFound(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

// Watch re-reads the file on change and hands the validated result to fn.
// Invalid edits are reported through onError and otherwise ignored.
func (l *Loader) Watch(fn func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			onError(err)
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// ConfigFileUsed returns the resolved config path, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Processor.WorkerID == "" {
		cfg.Processor.WorkerID = defaultWorkerID()
	}
	if err := l.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := cfg.Classifier.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfig is a convenience for one-shot loading.
func LoadConfig(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/tradesentry.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("processor.poll_interval", time.Second)
	v.SetDefault("processor.batch_size", 20)
	v.SetDefault("processor.claim_staleness", 2*time.Minute)
	v.SetDefault("processor.store_timeout", 5*time.Second)
	v.SetDefault("processor.workers", 4)
	v.SetDefault("processor.shutdown_timeout", 30*time.Second)
	v.SetDefault("processor.max_backoff", 30*time.Second)

	d := classifier.DefaultConfig()
	v.SetDefault("classifier.strong_anomaly_threshold", d.StrongAnomalyThreshold)
	v.SetDefault("classifier.mild_anomaly_threshold", d.MildAnomalyThreshold)
	v.SetDefault("classifier.rule_weight", d.RuleWeight)
	v.SetDefault("classifier.anomaly_weight", d.AnomalyWeight)

	v.SetDefault("model.path", "models/isoforest.json")
	v.SetDefault("refdata.source", "db")
	v.SetDefault("refdata.seed_file", "config/refdata.yaml")

	v.SetDefault("reload.redis.channel", "tradesentry:refdata:reload")
	v.SetDefault("alerts.kafka.topic", "tradesentry.alerts")
	v.SetDefault("alerts.kafka.write_timeout", 5*time.Second)
	v.SetDefault("alerts.kafka.compression", "snappy")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.auth.secret", "")
	v.SetDefault("server.auth.issuer", "tradesentry")
	v.SetDefault("server.auth.leeway", 30*time.Second)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "processor"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
