package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_ApplyDefaults(t *testing.T) {
	config := &Config{}
	applyDefaults(config)

	assert.Equal(t, Development, config.Environment)
	assert.Equal(t, defaultLogLevel, config.LogLevel)
	assert.Equal(t, StorageBadger, config.StorageType)
	assert.Equal(t, defaultDBPath, config.DBPath)
	assert.Equal(t, defaultIdentityDir, config.IdentityDir)
	assert.Equal(t, defaultBackupDir, config.BackupDir)
	assert.Equal(t, defaultBackupPeriodSeconds, config.BackupPeriodSeconds)
	assert.Equal(t, defaultSessionTimeout, config.SessionTimeout)
	assert.Equal(t, defaultTickInterval, config.TickInterval)
	assert.Equal(t, defaultTombstoneTTL, config.TombstoneTTL)
	assert.Equal(t, defaultMaxConcurrentSigning, config.MaxConcurrentSigning)
}

func TestConfig_ApplyDefaults_WithExistingValues(t *testing.T) {
	config := &Config{
		Environment:    "production",
		DBPath:         "/custom/path",
		SessionTimeout: 30 * time.Second,
	}
	applyDefaults(config)

	// Should not override existing values
	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, "/custom/path", config.DBPath)
	assert.Equal(t, 30*time.Second, config.SessionTimeout)

	assert.Equal(t, defaultBackupDir, config.BackupDir)
	assert.Equal(t, defaultTickInterval, config.TickInterval)
}

func TestDecode(t *testing.T) {
	cfg, err := decode(map[string]any{
		"environment":     "production",
		"node_id":         "guardian-1",
		"coordinator_id":  "coordinator",
		"session_timeout": "45s",
		"tick_interval":   "250ms",
		"storage_type":    "postgres",
		"postgres_dsn":    "postgres://guardian@localhost/shares",
		"nats": map[string]any{
			"url": "nats://localhost:4222",
			"tls": map[string]any{"ca_cert": "ca.crt"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "guardian-1", cfg.NodeID)
	assert.Equal(t, "coordinator", cfg.CoordinatorID)
	assert.Equal(t, 45*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, StoragePostgres, cfg.StorageType)
	require.NotNil(t, cfg.NATs)
	assert.Equal(t, "nats://localhost:4222", cfg.NATs.URL)
	assert.Equal(t, "ca.crt", cfg.NATs.TLS.CACert)
	assert.Equal(t, defaultTombstoneTTL, cfg.TombstoneTTL)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		contains string
	}{
		{
			name:     "unknown environment",
			settings: map[string]any{"environment": "staging"},
			contains: "invalid environment",
		},
		{
			name:     "postgres without dsn",
			settings: map[string]any{"storage_type": "postgres"},
			contains: "postgres_dsn",
		},
		{
			name:     "unknown storage",
			settings: map[string]any{"storage_type": "sqlite"},
			contains: "invalid storage_type",
		},
		{
			name:     "malformed duration",
			settings: map[string]any{"session_timeout": "soon"},
			contains: "decode config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(tt.settings)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestValidateEnvironment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		wantErr     bool
	}{
		{name: "valid production environment", environment: "production"},
		{name: "valid development environment", environment: "development"},
		{name: "invalid environment", environment: "staging", wantErr: true},
		{name: "empty environment", environment: "", wantErr: true},
		{name: "case sensitive - Production", environment: "Production", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvironment(tt.environment)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "production, development")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigAccessFunctions(t *testing.T) {
	setConfig(&Config{
		Environment:    Production,
		NodeID:         "guardian-2",
		CoordinatorID:  "coordinator",
		BadgerPassword: "test_password",
		SessionTimeout: time.Minute,
		NATs:           &NATsConfig{URL: "nats://nats.example.com:4222"},
	})

	assert.Equal(t, "guardian-2", NodeID())
	assert.Equal(t, "coordinator", CoordinatorID())
	assert.Equal(t, "test_password", BadgerPassword())
	assert.Equal(t, time.Minute, SessionTimeout())
	assert.Equal(t, "nats://nats.example.com:4222", NATs().URL)
	assert.True(t, IsProduction())

	SetBadgerPassword("new_password")
	assert.Equal(t, "new_password", BadgerPassword())
}

func TestUpdate_PanicWhenNotLoaded(t *testing.T) {
	mu.Lock()
	originalApp := app
	app = nil
	mu.Unlock()

	defer func() {
		mu.Lock()
		app = originalApp
		mu.Unlock()
	}()

	assert.Panics(t, func() {
		Update(func(cfg *Config) {
			cfg.NodeID = "guardian-9"
		})
	})
}

func TestSetEnvConfigPath(t *testing.T) {
	SetEnvConfigPath("/test/config.yaml")
	assert.Equal(t, "/test/config.yaml", os.Getenv(EnvConfigFile))

	SetEnvConfigPath("")
	assert.Equal(t, "/test/config.yaml", os.Getenv(EnvConfigFile))

	os.Unsetenv(EnvConfigFile)
}
