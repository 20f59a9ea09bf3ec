package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fystack/mpcium-guardian/pkg/logger"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	Production  = "production"
	Development = "development"

	StorageBadger   = "badger"
	StoragePostgres = "postgres"

	defaultStorageType          = StorageBadger
	defaultDBPath               = "."
	defaultIdentityDir          = "identity"
	defaultBackupDir            = "backups"
	defaultBackupPeriodSeconds  = 300
	defaultSessionTimeout       = 2 * time.Minute
	defaultTickInterval         = time.Second
	defaultTombstoneTTL         = 10 * time.Minute
	defaultMaxConcurrentSigning = 10
	defaultLogLevel             = "info"

	EnvConfigFile = "MPC_CONFIG_FILE"
)

type Config struct {
	Consul *ConsulConfig `mapstructure:"consul"`
	NATs   *NATsConfig   `mapstructure:"nats"`

	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	NodeID      string `mapstructure:"node_id"`
	IdentityDir string `mapstructure:"identity_dir"`
	// CoordinatorID names the identity allowed to submit requests.
	CoordinatorID string `mapstructure:"coordinator_id"`

	StorageType    string `mapstructure:"storage_type"`
	BadgerPassword string `mapstructure:"badger_password"`
	DBPath         string `mapstructure:"db_path"`
	PostgresDSN    string `mapstructure:"postgres_dsn"`

	BackupDir           string `mapstructure:"backup_dir"`
	BackupEnabled       bool   `mapstructure:"backup_enabled"`
	BackupPeriodSeconds int    `mapstructure:"backup_period_seconds"`

	SessionTimeout       time.Duration `mapstructure:"session_timeout"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	TombstoneTTL         time.Duration `mapstructure:"tombstone_ttl"`
	MaxConcurrentSigning int           `mapstructure:"max_concurrent_signing"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

type ConsulConfig struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

type NATsConfig struct {
	URL      string     `mapstructure:"url"`
	Username string     `mapstructure:"username"`
	Password string     `mapstructure:"password"`
	TLS      *TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
	CACert     string `mapstructure:"ca_cert"`
}

var (
	app *Config
	mu  sync.RWMutex
)

func initConfig() error {
	viper.SetEnvPrefix("MPC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("environment", Development)
	viper.SetDefault("log_level", defaultLogLevel)
	viper.SetDefault("storage_type", defaultStorageType)
	viper.SetDefault("db_path", defaultDBPath)
	viper.SetDefault("identity_dir", defaultIdentityDir)
	viper.SetDefault("backup_dir", defaultBackupDir)
	viper.SetDefault("backup_period_seconds", defaultBackupPeriodSeconds)
	viper.SetDefault("backup_enabled", true)
	viper.SetDefault("session_timeout", defaultSessionTimeout)
	viper.SetDefault("tick_interval", defaultTickInterval)
	viper.SetDefault("tombstone_ttl", defaultTombstoneTTL)
	viper.SetDefault("max_concurrent_signing", defaultMaxConcurrentSigning)

	configFile := os.Getenv(EnvConfigFile)
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/mpc/")
		viper.AddConfigPath("$HOME/.mpc/")
	}

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("viper read config: %w", err)
	}
	return nil
}

func SetEnvConfigPath(configPath string) {
	if configPath != "" {
		os.Setenv(EnvConfigFile, configPath)
	}
}

// LoadConfig decodes the settings already known to viper, validates them and installs the result.
func LoadConfig() (*Config, error) {
	cfg, err := decode(viper.AllSettings())
	if err != nil {
		return nil, err
	}
	setConfig(cfg)
	return cfg, nil
}

func decode(settings map[string]any) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateEnvironment(cfg.Environment); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := validateStorage(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func Load() (*Config, error) {
	if err := initConfig(); err != nil {
		return nil, err
	}
	return LoadConfig()
}

func validateEnvironment(environment string) error {
	validEnvironments := []string{Production, Development}

	if !slices.Contains(validEnvironments, environment) {
		return fmt.Errorf("invalid environment '%s'. Must be one of: %s", environment, strings.Join(validEnvironments, ", "))
	}
	return nil
}

func validateStorage(cfg *Config) error {
	switch cfg.StorageType {
	case StorageBadger:
		return nil
	case StoragePostgres:
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("storage_type postgres requires postgres_dsn")
		}
		return nil
	}
	return fmt.Errorf("invalid storage_type '%s'. Must be one of: %s, %s", cfg.StorageType, StorageBadger, StoragePostgres)
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = Development
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.StorageType == "" {
		cfg.StorageType = defaultStorageType
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.IdentityDir == "" {
		cfg.IdentityDir = defaultIdentityDir
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = defaultBackupDir
	}
	if cfg.BackupPeriodSeconds == 0 {
		cfg.BackupPeriodSeconds = defaultBackupPeriodSeconds
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = defaultTombstoneTTL
	}
	if cfg.MaxConcurrentSigning == 0 {
		cfg.MaxConcurrentSigning = defaultMaxConcurrentSigning
	}
}

func setConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	app = cfg
}

// GetConfig returns the in-memory application configuration.
// It exits if the configuration has not been loaded yet.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if app == nil {
		logger.Fatal("configuration not loaded", nil)
	}
	return app
}

// Update applies fn while holding the configuration write lock.
func Update(fn func(cfg *Config)) {
	mu.Lock()
	defer mu.Unlock()
	if app == nil {
		panic("configuration not loaded")
	}
	fn(app)
}

func BadgerPassword() string {
	return GetConfig().BadgerPassword
}

func SetBadgerPassword(password string) {
	Update(func(cfg *Config) {
		cfg.BadgerPassword = password
	})
}

func NodeID() string {
	return GetConfig().NodeID
}

func CoordinatorID() string {
	return GetConfig().CoordinatorID
}

func SessionTimeout() time.Duration {
	return GetConfig().SessionTimeout
}

func NATs() *NATsConfig {
	return GetConfig().NATs
}

func Environment() string {
	return GetConfig().Environment
}

func IsProduction() bool {
	return strings.EqualFold(Environment(), Production)
}
