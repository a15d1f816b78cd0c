package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"printerstatus/internal/liveness"
	"printerstatus/internal/logger"
	"printerstatus/internal/nodes"
	"printerstatus/internal/opc"
	"printerstatus/internal/watcher"
)

// EnvPrefix prefixes every environment override, e.g. PRINTERSTATUS_HTTP_ADDR.
const EnvPrefix = "PRINTERSTATUS"

// Config is the service configuration.
type Config struct {
	HTTP     HTTPConfig          `mapstructure:"http"`
	DataDir  string              `mapstructure:"data_dir"`
	OPCUA    OPCUAConfig         `mapstructure:"opcua"`
	Retry    watcher.RetryPolicy `mapstructure:"retry"`
	Liveness LivenessConfig      `mapstructure:"liveness"`
	Log      logger.Config       `mapstructure:"log"`
	History  HistoryConfig       `mapstructure:"history"`
	Metrics  MetricsConfig       `mapstructure:"metrics"`
	Stream   StreamConfig        `mapstructure:"stream"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// OPCUAConfig adds addressing and the node table to the session settings.
type OPCUAConfig struct {
	opc.Config `mapstructure:",squash"`

	Port int `mapstructure:"port"`
	// Endpoint overrides the address derived from the printer IP.
	Endpoint         string             `mapstructure:"endpoint"`
	AutoGenerateCert bool               `mapstructure:"auto_generate_cert"`
	ReadTimeout      time.Duration      `mapstructure:"read_timeout"`
	Nodes            []nodes.Definition `mapstructure:"nodes"`
}

type LivenessConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DSN defaults to history.db in the data dir.
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type StreamConfig struct {
	KeepAlive time.Duration `mapstructure:"keepalive"`
	QueueSize int           `mapstructure:"queue_size"`
}

// Load reads defaults, the optional config file and the environment, in
// rising precedence. Variables from dotenv files are exported first.
func Load(path string, dotenv ...string) (*Config, error) {
	if err := LoadDotEnv(dotenv...); err != nil {
		return nil, err
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("data_dir", EnvPrefix+"_DATA_DIR", "APP_DATA_DIR"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.History.DSN == "" {
		cfg.History.DSN = filepath.Join(cfg.DataDir, "history.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv exports variables from the given files, .env when none is
// named. Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("data_dir", "./data")

	o := opc.DefaultConfig()
	v.SetDefault("opcua.port", opc.DefaultPort)
	v.SetDefault("opcua.endpoint", "")
	v.SetDefault("opcua.auto_generate_cert", true)
	v.SetDefault("opcua.read_timeout", 10*time.Second)
	v.SetDefault("opcua.security_policy", o.SecurityPolicy)
	v.SetDefault("opcua.security_mode", o.SecurityMode)
	v.SetDefault("opcua.auth_mode", o.AuthMode)
	v.SetDefault("opcua.username", "")
	v.SetDefault("opcua.password", "")
	v.SetDefault("opcua.user_token_policy_id", "")
	v.SetDefault("opcua.cert_file", "")
	v.SetDefault("opcua.key_file", "")
	v.SetDefault("opcua.application_name", o.ApplicationName)
	v.SetDefault("opcua.application_uri", "")
	v.SetDefault("opcua.dial_timeout", o.DialTimeout)
	v.SetDefault("opcua.request_timeout", o.RequestTimeout)
	v.SetDefault("opcua.session_timeout", o.SessionTimeout)
	v.SetDefault("opcua.reconnect_interval", o.ReconnectInterval)
	v.SetDefault("opcua.state_poll_interval", o.StatePollInterval)
	s := o.Subscription
	v.SetDefault("opcua.subscription.publish_interval", s.PublishInterval)
	v.SetDefault("opcua.subscription.lifetime_count", s.LifetimeCount)
	v.SetDefault("opcua.subscription.max_keepalive_count", s.MaxKeepAliveCount)
	v.SetDefault("opcua.subscription.max_notifications_per_publish", s.MaxNotificationsPerPublish)
	v.SetDefault("opcua.subscription.priority", s.Priority)
	v.SetDefault("opcua.subscription.sampling_interval", s.SamplingInterval)
	v.SetDefault("opcua.subscription.queue_size", s.QueueSize)
	v.SetDefault("opcua.subscription.discard_oldest", s.DiscardOldest)
	v.SetDefault("opcua.subscription.heartbeat_interval", s.HeartbeatInterval)

	r := watcher.DefaultRetryPolicy()
	v.SetDefault("retry.initial_interval", r.InitialInterval)
	v.SetDefault("retry.multiplier", r.Multiplier)
	v.SetDefault("retry.max_interval", r.MaxInterval)
	v.SetDefault("retry.max_attempts", r.MaxAttempts)
	v.SetDefault("retry.cooldown", r.Cooldown)

	v.SetDefault("liveness.interval", liveness.DefaultInterval)
	v.SetDefault("liveness.timeout", liveness.DefaultTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("stream.keepalive", 15*time.Second)
	v.SetDefault("stream.queue_size", 16)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.OPCUA.Port <= 0 || c.OPCUA.Port > 65535 {
		errs = append(errs, fmt.Errorf("opcua.port %d out of range", c.OPCUA.Port))
	}
	if c.Liveness.Timeout <= 0 {
		errs = append(errs, errors.New("liveness.timeout must be positive"))
	}
	if c.Liveness.Interval <= 0 {
		errs = append(errs, errors.New("liveness.interval must be positive"))
	}
	if c.Stream.KeepAlive <= 0 {
		errs = append(errs, errors.New("stream.keepalive must be positive"))
	}
	if len(c.OPCUA.Nodes) > 0 {
		if _, err := nodes.NewRegistry(c.OPCUA.Nodes...); err != nil {
			errs = append(errs, fmt.Errorf("opcua.nodes: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Registry returns the configured node table, or the printer default.
func (c *Config) Registry() (*nodes.Registry, error) {
	if len(c.OPCUA.Nodes) == 0 {
		return nodes.Default(), nil
	}
	return nodes.NewRegistry(c.OPCUA.Nodes...)
}

// Endpoint returns the OPC UA endpoint for the printer at ip, or "" when
// there is no address at all.
func (c *Config) Endpoint(ip string) string {
	if c.OPCUA.Endpoint != "" {
		return c.OPCUA.Endpoint
	}
	return opc.Endpoint(ip, c.OPCUA.Port)
}

// CertPaths returns the client certificate and key files, defaulting to the
// data dir.
func (c *Config) CertPaths() (string, string) {
	certFile, keyFile := c.OPCUA.CertFile, c.OPCUA.KeyFile
	if certFile == "" {
		certFile = filepath.Join(c.DataDir, "pki", "client.crt")
	}
	if keyFile == "" {
		keyFile = filepath.Join(c.DataDir, "pki", "client.key")
	}
	return certFile, keyFile
}
