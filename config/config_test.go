package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.False(t, cfg.Server.TLS.Enabled)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "dev", cfg.Database.User)
				assert.Equal(t, "governance", cfg.Database.Database)
				assert.Nil(t, cfg.AuditDatabase)
				assert.Equal(t, BackendPostgres, cfg.Redis.Backend)
				assert.Equal(t, AuthModeJWT, cfg.Auth.Mode)
			},
		},
		{
			name: "governance defaults",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			check: func(t *testing.T, cfg *Config) {
				g := cfg.Governance
				assert.Equal(t, 48*time.Hour, g.ApprovalTTL)
				assert.Equal(t, time.Hour, g.LockTTL)
				assert.Equal(t, 3, g.MaxRetries)
				assert.Equal(t, 2.0, g.RetryBase)
				assert.Equal(t, time.Second, g.RetryUnit)
				assert.Equal(t, 5*time.Minute, g.SweepInterval)
				assert.Equal(t, 50, g.AuditDefaultLimit)
				assert.Equal(t, 500, g.AuditMaxLimit)
				assert.False(t, g.LegacyErrorClassifier)
				assert.Empty(t, g.PolicyFile)
				assert.Equal(t, 120, g.RateLimitPerMinute)
				assert.Zero(t, g.RateLimitPerHour)
			},
		},
		{
			name: "governance overrides",
			envVars: map[string]string{
				"GOVERNANCE_APPROVAL_TTL":            "24h",
				"GOVERNANCE_LOCK_TTL":                "10m",
				"GOVERNANCE_MAX_RETRIES":             "5",
				"GOVERNANCE_RETRY_UNIT":              "100ms",
				"GOVERNANCE_SWEEP_INTERVAL":          "30s",
				"GOVERNANCE_POLICY_FILE":             "/etc/governance/policy.yaml",
				"GOVERNANCE_LEGACY_ERROR_CLASSIFIER": "true",
				"RATE_LIMIT_PER_MINUTE":              "0",
				"RATE_LIMIT_PER_HOUR":                "1000",
			},
			check: func(t *testing.T, cfg *Config) {
				g := cfg.Governance
				assert.Equal(t, 24*time.Hour, g.ApprovalTTL)
				assert.Equal(t, 10*time.Minute, g.LockTTL)
				assert.Equal(t, 5, g.MaxRetries)
				assert.Equal(t, 100*time.Millisecond, g.RetryUnit)
				assert.Equal(t, 30*time.Second, g.SweepInterval)
				assert.Equal(t, "/etc/governance/policy.yaml", g.PolicyFile)
				assert.True(t, g.LegacyErrorClassifier)
				assert.Zero(t, g.RateLimitPerMinute)
				assert.Equal(t, 1000, g.RateLimitPerHour)
			},
		},
		{
			name: "production configuration",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
				"SERVER_PORT": "9000",
				"DB_HOST":     "prod-db.example.com",
				"DB_PORT":     "5433",
				"JWT_SECRET":  "s3cret",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.False(t, cfg.IsDevelopment())
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, "prod-db.example.com", cfg.Database.Host)
				assert.Equal(t, 5433, cfg.Database.Port)
				assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
			},
		},
		{
			name: "custom timeouts and pool settings",
			envVars: map[string]string{
				"SERVER_READ_TIMEOUT":  "60s",
				"SERVER_WRITE_TIMEOUT": "90s",
				"DB_MAX_OPEN_CONNS":    "50",
				"DB_MAX_IDLE_CONNS":    "10",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 90*time.Second, cfg.Server.WriteTimeout)
				assert.Equal(t, 50, cfg.Database.MaxOpenConns)
				assert.Equal(t, 10, cfg.Database.MaxIdleConns)
			},
		},
		{
			name: "observability configuration",
			envVars: map[string]string{
				"LOG_LEVEL":       "debug",
				"LOG_FORMAT":      "text",
				"TRACING_ENABLED": "true",
				"TRACING_OUTPUT":  "/tmp/traces.json",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Observability.LogLevel)
				assert.Equal(t, "text", cfg.Observability.LogFormat)
				assert.True(t, cfg.Observability.TracingEnabled)
				assert.Equal(t, "/tmp/traces.json", cfg.Observability.TracingOutput)
				assert.Equal(t, "governance-core", cfg.Observability.ServiceName)
			},
		},
		{
			name: "redis lock backend",
			envVars: map[string]string{
				"IDEMPOTENCY_BACKEND": "Redis",
				"REDIS_ADDR":          "cache:6380",
				"REDIS_DB":            "2",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, BackendRedis, cfg.Redis.Backend)
				assert.Equal(t, "cache:6380", cfg.Redis.Addr)
				assert.Equal(t, 2, cfg.Redis.DB)
				assert.Equal(t, "governance", cfg.Redis.KeyPrefix)
			},
		},
		{
			name: "audit database from DATABASE_URL_AUDIT",
			envVars: map[string]string{
				"DATABASE_URL_AUDIT": "postgres://audit:pw@audit-db:5432/audit",
			},
			check: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.AuditDatabase)
				assert.Equal(t, "postgres://audit:pw@audit-db:5432/audit", cfg.AuditDatabase.DSN())
			},
		},
		{
			name: "CORS origins list",
			envVars: map[string]string{
				"CORS_ALLOWED_ORIGINS": "https://a.example.com, https://b.example.com,",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
			},
		},
		{
			name: "PORT env var takes precedence over SERVER_PORT default",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
				"PORT":        "9443",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9443, cfg.Server.Port)
			},
		},
		{
			name: "SERVER_PORT env var when PORT not set",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
				"SERVER_PORT": "9000",
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
			},
		},
		{
			name: "production without JWT secret",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
			},
			wantErr: true,
		},
		{
			name: "header auth rejected in production",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
				"JWT_SECRET":  "s3cret",
				"AUTH_MODE":   "header",
			},
			wantErr: true,
		},
		{
			name: "unknown idempotency backend",
			envVars: map[string]string{
				"IDEMPOTENCY_BACKEND": "etcd",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			// Create config
			cfg, err := New(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Database: DatabaseConfig{
			Host:     "localhost",
			User:     "user",
			Database: "db",
		},
		Redis: RedisConfig{Backend: BackendPostgres},
		Auth:  AuthConfig{Mode: AuthModeJWT},
		Governance: GovernanceConfig{
			ApprovalTTL:       48 * time.Hour,
			LockTTL:           time.Hour,
			MaxRetries:        3,
			SweepInterval:     5 * time.Minute,
			AuditDefaultLimit: 50,
			AuditMaxLimit:     500,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid development config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing database host",
			mutate:  func(c *Config) { c.Database.Host = "" },
			wantErr: true,
			errMsg:  "database configuration required",
		},
		{
			name:    "missing database user",
			mutate:  func(c *Config) { c.Database.User = "" },
			wantErr: true,
			errMsg:  "database user is required",
		},
		{
			name:    "redis backend without address",
			mutate:  func(c *Config) { c.Redis.Backend = BackendRedis },
			wantErr: true,
			errMsg:  "redis address is required",
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.Governance.MaxRetries = 0 },
			wantErr: true,
			errMsg:  "max retries",
		},
		{
			name:    "non-positive lock TTL",
			mutate:  func(c *Config) { c.Governance.LockTTL = 0 },
			wantErr: true,
			errMsg:  "TTLs must be positive",
		},
		{
			name: "audit default above max",
			mutate: func(c *Config) {
				c.Governance.AuditDefaultLimit = 100
				c.Governance.AuditMaxLimit = 10
			},
			wantErr: true,
			errMsg:  "audit limits are inconsistent",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Governance.RateLimitPerMinute = -1 },
			wantErr: true,
			errMsg:  "rate limits must not be negative",
		},
		{
			name:    "unknown auth mode",
			mutate:  func(c *Config) { c.Auth.Mode = "saml" },
			wantErr: true,
			errMsg:  "unknown auth mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"dev", "dev", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsProduction())
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"development", "development", true},
		{"dev", "dev", true},
		{"production", "production", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsDevelopment())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "testuser",
		Password: "testpass",
		Database: "testdb",
		SSLMode:  "disable",
	}

	expected := "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable"
	assert.Equal(t, expected, cfg.DSN())
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}

	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue int
		want         int
	}{
		{"valid int", "TEST_INT", "42", 10, 42},
		{"empty value", "TEST_INT", "", 10, 10},
		{"invalid int", "TEST_INT", "not-a-number", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsInt(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", "TEST_BOOL", "true", false, true},
		{"false", "TEST_BOOL", "false", true, false},
		{"empty value", "TEST_BOOL", "", true, true},
		{"invalid bool", "TEST_BOOL", "not-a-bool", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsBool(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsFloat(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue float64
		want         float64
	}{
		{"valid float", "TEST_FLOAT", "3.14", 1.0, 3.14},
		{"empty value", "TEST_FLOAT", "", 1.0, 1.0},
		{"invalid float", "TEST_FLOAT", "not-a-number", 1.0, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsFloat(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	os.Clearenv()
	assert.Equal(t, []string{"x"}, getEnvAsList("TEST_LIST", []string{"x"}))

	os.Setenv("TEST_LIST", " a ,b,, c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvAsList("TEST_LIST", nil))
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue time.Duration
		want         time.Duration
	}{
		{"valid duration", "TEST_DURATION", "30s", 10 * time.Second, 30 * time.Second},
		{"empty value", "TEST_DURATION", "", 10 * time.Second, 10 * time.Second},
		{"invalid duration", "TEST_DURATION", "not-a-duration", 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsDuration(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}
