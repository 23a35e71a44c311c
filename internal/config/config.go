package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Defaults applied when a key is absent from the config file, environment,
// and flags.
const (
	DefaultMaxUsers          = 50
	DefaultExpireDays        = 30
	DefaultMinPasswordLength = 12
	DefaultTransportPort     = 443
	DefaultCronSchedule      = "*/10 * * * *"
	DefaultExpiringHorizon   = 3
)

// Config is the effective configuration for one invocation. It is built once
// in the CLI layer and passed to every component by parameter; no component
// reads viper directly.
type Config struct {
	MaxUsers          int  `yaml:"max_users"`
	DefaultExpireDays int  `yaml:"default_expire_days"`
	AllowPasswordAuth bool `yaml:"allow_password_auth"`
	RequireKeyAuth    bool `yaml:"require_key_auth"`
	MinPasswordLength int  `yaml:"min_password_length"`

	Transport TransportConfig `yaml:"transport"`
	Notify    NotifyConfig    `yaml:"notify"`
	Monitor   MonitorConfig   `yaml:"monitor"`

	// DataDir holds the record store, locks, logs, and run history.
	DataDir string `yaml:"data_dir"`
}

// TransportConfig describes the encrypting proxy in front of the remote
// access daemon.
type TransportConfig struct {
	Port int `yaml:"port"`
	// ProxyService and SSHService are the process names checked by the
	// health probe and restarted on demand.
	ProxyService string `yaml:"proxy_service"`
	SSHService   string `yaml:"ssh_service"`
	// CertFile is the PEM certificate whose expiry the supervisor watches.
	CertFile string `yaml:"cert_file"`
}

// NotifyConfig configures outbound mail. Notification is disabled when Host
// is empty.
type NotifyConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// MonitorConfig controls the supervisor cycle.
type MonitorConfig struct {
	CronSchedule string `yaml:"cron_schedule"`
	// ExpiringHorizonDays is the window for the "expiring soon" report.
	ExpiringHorizonDays int `yaml:"expiring_horizon_days"`
	// LogMaxBytes triggers rotation of the supervisor log.
	LogMaxBytes int64 `yaml:"log_max_bytes"`
	// CertWarnDays is the certificate-expiry alert threshold.
	CertWarnDays int `yaml:"cert_warn_days"`
}

// SetDefaults registers every recognized key with viper so the config file,
// WARDEN_* environment variables, and flags all resolve consistently.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("max_users", DefaultMaxUsers)
	v.SetDefault("default_expire_days", DefaultExpireDays)
	v.SetDefault("allow_password_auth", true)
	v.SetDefault("require_key_auth", false)
	v.SetDefault("min_password_length", DefaultMinPasswordLength)
	v.SetDefault("transport.port", DefaultTransportPort)
	v.SetDefault("transport.proxy_service", "stunnel4")
	v.SetDefault("transport.ssh_service", "sshd")
	v.SetDefault("transport.cert_file", "/etc/stunnel/stunnel.pem")
	v.SetDefault("notify.port", 25)
	v.SetDefault("monitor.cron_schedule", DefaultCronSchedule)
	v.SetDefault("monitor.expiring_horizon_days", DefaultExpiringHorizon)
	v.SetDefault("monitor.log_max_bytes", int64(1<<20))
	v.SetDefault("monitor.cert_warn_days", 14)
}

// FromViper materializes the Config struct from resolved viper state.
func FromViper(v *viper.Viper, dataDir string) (*Config, error) {
	cfg := &Config{
		MaxUsers:          v.GetInt("max_users"),
		DefaultExpireDays: v.GetInt("default_expire_days"),
		AllowPasswordAuth: v.GetBool("allow_password_auth"),
		RequireKeyAuth:    v.GetBool("require_key_auth"),
		MinPasswordLength: v.GetInt("min_password_length"),
		Transport: TransportConfig{
			Port:         v.GetInt("transport.port"),
			ProxyService: v.GetString("transport.proxy_service"),
			SSHService:   v.GetString("transport.ssh_service"),
			CertFile:     v.GetString("transport.cert_file"),
		},
		Notify: NotifyConfig{
			Host: v.GetString("notify.host"),
			Port: v.GetInt("notify.port"),
			From: v.GetString("notify.from"),
			To:   v.GetString("notify.to"),
		},
		Monitor: MonitorConfig{
			CronSchedule:        v.GetString("monitor.cron_schedule"),
			ExpiringHorizonDays: v.GetInt("monitor.expiring_horizon_days"),
			LogMaxBytes:         v.GetInt64("monitor.log_max_bytes"),
			CertWarnDays:        v.GetInt("monitor.cert_warn_days"),
		},
		DataDir: dataDir,
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would make the lifecycle rules
// unenforceable.
func (c *Config) Validate() error {
	if c.MaxUsers < 1 {
		return fmt.Errorf("max_users must be at least 1, got %d", c.MaxUsers)
	}
	if c.DefaultExpireDays < 1 {
		return fmt.Errorf("default_expire_days must be at least 1, got %d", c.DefaultExpireDays)
	}
	if c.MinPasswordLength < 8 {
		return fmt.Errorf("min_password_length must be at least 8, got %d", c.MinPasswordLength)
	}
	if c.Transport.Port < 1 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport.port %d out of range", c.Transport.Port)
	}
	return nil
}

// PasswordAuthAllowed reports whether an account may be created in password
// mode under the current policy.
func (c *Config) PasswordAuthAllowed() bool {
	return c.AllowPasswordAuth && !c.RequireKeyAuth
}

// StorePath is the account record file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "accounts.db")
}

// EnsureDataDir creates the data directory if missing.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
