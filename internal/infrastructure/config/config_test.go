package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Save original env vars and restore after tests
	originalEnv := map[string]string{
		"METERD_APP_NAME":                  os.Getenv("METERD_APP_NAME"),
		"METERD_APP_ENV":                   os.Getenv("METERD_APP_ENV"),
		"METERD_APP_PORT":                  os.Getenv("METERD_APP_PORT"),
		"METERD_DATABASE_HOST":             os.Getenv("METERD_DATABASE_HOST"),
		"METERD_DATABASE_PORT":             os.Getenv("METERD_DATABASE_PORT"),
		"METERD_DATABASE_USER":             os.Getenv("METERD_DATABASE_USER"),
		"METERD_DATABASE_PASSWORD":         os.Getenv("METERD_DATABASE_PASSWORD"),
		"METERD_DATABASE_DBNAME":           os.Getenv("METERD_DATABASE_DBNAME"),
		"METERD_DATABASE_SSLMODE":          os.Getenv("METERD_DATABASE_SSLMODE"),
		"METERD_DATABASE_MAX_OPEN_CONNS":   os.Getenv("METERD_DATABASE_MAX_OPEN_CONNS"),
		"METERD_DATABASE_MAX_IDLE_CONNS":   os.Getenv("METERD_DATABASE_MAX_IDLE_CONNS"),
		"METERD_BILLING_PROVIDER":          os.Getenv("METERD_BILLING_PROVIDER"),
		"METERD_BILLING_API_KEY":           os.Getenv("METERD_BILLING_API_KEY"),
		"METERD_RECONCILER_WORKERS":        os.Getenv("METERD_RECONCILER_WORKERS"),
		"METERD_RECONCILER_MAX_ATTEMPTS":   os.Getenv("METERD_RECONCILER_MAX_ATTEMPTS"),
		"METERD_RECONCILER_BACKOFF_BASE":   os.Getenv("METERD_RECONCILER_BACKOFF_BASE"),
		"METERD_RECONCILER_BACKOFF_MAX":    os.Getenv("METERD_RECONCILER_BACKOFF_MAX"),
		"METERD_RECONCILER_LEASE_DURATION": os.Getenv("METERD_RECONCILER_LEASE_DURATION"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	clearEnv := func() {
		for k := range originalEnv {
			os.Unsetenv(k)
		}
	}

	t.Run("loads default values when env vars not set", func(t *testing.T) {
		clearEnv()

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "meterd-backend", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, "localhost", cfg.Database.Host)
		assert.Equal(t, 5432, cfg.Database.Port)
		assert.Equal(t, "postgres", cfg.Database.User)
		assert.Equal(t, "", cfg.Database.Password)
		assert.Equal(t, "meterd", cfg.Database.DBName)
		assert.Equal(t, "disable", cfg.Database.SSLMode)
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
		assert.Equal(t, 5, cfg.Database.MaxIdleConns)
		assert.Equal(t, "noop", cfg.Billing.Provider)
		assert.Equal(t, 10*time.Second, cfg.Billing.RequestTimeout)
		assert.Equal(t, 4, cfg.Reconciler.Workers)
		assert.Equal(t, 50, cfg.Reconciler.BatchSize)
		assert.Equal(t, 8, cfg.Reconciler.MaxAttempts)
		assert.Equal(t, 30*time.Second, cfg.Reconciler.BackoffBase)
		assert.Equal(t, 6*time.Hour, cfg.Reconciler.BackoffMax)
		assert.Equal(t, time.Minute, cfg.Reconciler.LeaseDuration)
		assert.Equal(t, 5*time.Second, cfg.Cache.SummaryTTL)
	})

	t.Run("loads values from environment variables with METERD prefix", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_APP_NAME", "test-app")
		os.Setenv("METERD_APP_ENV", "testing")
		os.Setenv("METERD_APP_PORT", "9000")
		os.Setenv("METERD_DATABASE_HOST", "testdb.local")
		os.Setenv("METERD_DATABASE_PORT", "5433")
		os.Setenv("METERD_DATABASE_USER", "testuser")
		os.Setenv("METERD_DATABASE_PASSWORD", "testpass")
		os.Setenv("METERD_DATABASE_DBNAME", "testdb")
		os.Setenv("METERD_DATABASE_SSLMODE", "require")
		os.Setenv("METERD_DATABASE_MAX_OPEN_CONNS", "50")
		os.Setenv("METERD_DATABASE_MAX_IDLE_CONNS", "10")
		os.Setenv("METERD_RECONCILER_WORKERS", "8")
		os.Setenv("METERD_RECONCILER_BACKOFF_BASE", "1m")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "test-app", cfg.App.Name)
		assert.Equal(t, "testing", cfg.App.Env)
		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, "testdb.local", cfg.Database.Host)
		assert.Equal(t, 5433, cfg.Database.Port)
		assert.Equal(t, "testuser", cfg.Database.User)
		assert.Equal(t, "testpass", cfg.Database.Password)
		assert.Equal(t, "testdb", cfg.Database.DBName)
		assert.Equal(t, "require", cfg.Database.SSLMode)
		assert.Equal(t, 50, cfg.Database.MaxOpenConns)
		assert.Equal(t, 10, cfg.Database.MaxIdleConns)
		assert.Equal(t, 8, cfg.Reconciler.Workers)
		assert.Equal(t, time.Minute, cfg.Reconciler.BackoffBase)
	})

	t.Run("validates MaxIdleConns cannot exceed MaxOpenConns", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_DATABASE_MAX_OPEN_CONNS", "10")
		os.Setenv("METERD_DATABASE_MAX_IDLE_CONNS", "20")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_idle_conns")
		assert.Contains(t, err.Error(), "cannot exceed")
	})

	t.Run("zero MaxOpenConns uses default", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_DATABASE_MAX_OPEN_CONNS", "0")

		cfg, err := Load()
		require.NoError(t, err)
		// 0 is treated as "not set", so default (25) is used
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	})

	t.Run("validates MaxIdleConns cannot be negative", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_DATABASE_MAX_IDLE_CONNS", "-1")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_idle_conns cannot be negative")
	})

	t.Run("rejects unknown billing provider", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_BILLING_PROVIDER", "paypal")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "billing.provider")
	})

	t.Run("rejects backoff base above backoff max", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_RECONCILER_BACKOFF_BASE", "2h")
		os.Setenv("METERD_RECONCILER_BACKOFF_MAX", "1h")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backoff_base")
	})

	t.Run("rejects lease shorter than provider timeout", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_RECONCILER_LEASE_DURATION", "5s")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lease_duration")
	})

	t.Run("rejects non-positive worker count", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_RECONCILER_WORKERS", "-2")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reconciler.workers must be positive")
	})
}

func TestLoad_ProductionValidation(t *testing.T) {
	originalEnv := map[string]string{
		"METERD_APP_ENV":                   os.Getenv("METERD_APP_ENV"),
		"METERD_DATABASE_PASSWORD":         os.Getenv("METERD_DATABASE_PASSWORD"),
		"METERD_DATABASE_SSLMODE":          os.Getenv("METERD_DATABASE_SSLMODE"),
		"METERD_BILLING_PROVIDER":          os.Getenv("METERD_BILLING_PROVIDER"),
		"METERD_BILLING_API_KEY":           os.Getenv("METERD_BILLING_API_KEY"),
		"METERD_HTTP_CORS_ALLOW_ORIGINS":   os.Getenv("METERD_HTTP_CORS_ALLOW_ORIGINS"),
		"METERD_TELEMETRY_DB_LOG_FULL_SQL": os.Getenv("METERD_TELEMETRY_DB_LOG_FULL_SQL"),
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	clearEnv := func() {
		for k := range originalEnv {
			os.Unsetenv(k)
		}
	}

	// Helper to set valid production base config
	setValidProductionBase := func() {
		os.Setenv("METERD_APP_ENV", "production")
		os.Setenv("METERD_DATABASE_PASSWORD", "secure-password")
		os.Setenv("METERD_DATABASE_SSLMODE", "require")
	}

	t.Run("requires database.password in production", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_APP_ENV", "production")
		os.Setenv("METERD_DATABASE_SSLMODE", "require")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.password is required in production")
	})

	t.Run("requires SSL enabled in production", func(t *testing.T) {
		clearEnv()
		os.Setenv("METERD_APP_ENV", "production")
		os.Setenv("METERD_DATABASE_PASSWORD", "secure-password")
		os.Setenv("METERD_DATABASE_SSLMODE", "disable")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.sslmode cannot be 'disable' in production")
	})

	t.Run("requires billing api key when stripe enabled in production", func(t *testing.T) {
		clearEnv()
		setValidProductionBase()
		os.Setenv("METERD_BILLING_PROVIDER", "stripe")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "billing.api_key is required in production")
	})

	t.Run("passes with stripe provider and api key in production", func(t *testing.T) {
		clearEnv()
		setValidProductionBase()
		os.Setenv("METERD_BILLING_PROVIDER", "stripe")
		os.Setenv("METERD_BILLING_API_KEY", "sk_live_example")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "stripe", cfg.Billing.Provider)
	})

	t.Run("rejects full SQL logging in production", func(t *testing.T) {
		clearEnv()
		setValidProductionBase()
		os.Setenv("METERD_TELEMETRY_DB_LOG_FULL_SQL", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db_log_full_sql")
	})

	t.Run("passes validation with valid production config", func(t *testing.T) {
		clearEnv()
		setValidProductionBase()

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "production", cfg.App.Env)
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Run("generates valid DSN", func(t *testing.T) {
		cfg := DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "testuser",
			Password: "testpass",
			DBName:   "testdb",
			SSLMode:  "disable",
		}

		dsn := cfg.DSN()
		assert.Contains(t, dsn, "localhost")
		assert.Contains(t, dsn, "5432")
		assert.Contains(t, dsn, "testuser")
		assert.Contains(t, dsn, "testdb")
		assert.Contains(t, dsn, "sslmode=disable")
	})

	t.Run("escapes special characters in password", func(t *testing.T) {
		cfg := DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "user",
			Password: "pass@word#123",
			DBName:   "db",
			SSLMode:  "disable",
		}

		dsn := cfg.DSN()
		// URL-encoded password should be in the DSN
		assert.Contains(t, dsn, "pass%40word%23123")
	})

	t.Run("handles empty password", func(t *testing.T) {
		cfg := DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "user",
			Password: "",
			DBName:   "db",
			SSLMode:  "disable",
		}

		dsn := cfg.DSN()
		assert.NotEmpty(t, dsn)
	})
}

func TestRedisConfig_Addr(t *testing.T) {
	cfg := RedisConfig{Host: "redis.internal", Port: 6380}
	assert.Equal(t, "redis.internal:6380", cfg.Addr())
}
