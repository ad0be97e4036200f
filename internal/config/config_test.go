package config

import (
	"log/slog"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных (postgres).
func minimalEnvs() map[string]string {
	return map[string]string{
		"SO_DB_HOST":     "localhost",
		"SO_DB_NAME":     "orchestrator",
		"SO_DB_USER":     "orchestrator",
		"SO_DB_PASSWORD": "secret",
	}
}

// TestLoad_MinimalConfig проверяет значения по умолчанию.
func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8040 {
		t.Errorf("Port = %d, ожидается 8040", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Errorf("StoreDriver = %q, ожидается postgres", cfg.StoreDriver)
	}
	if cfg.LockDriver != DriverPostgres {
		t.Errorf("LockDriver = %q, ожидается postgres", cfg.LockDriver)
	}
	if cfg.SchedulerInitialDelay != 10*time.Second {
		t.Errorf("SchedulerInitialDelay = %v, ожидается 10s", cfg.SchedulerInitialDelay)
	}
	if cfg.SchedulerFixedDelay != 30*time.Second {
		t.Errorf("SchedulerFixedDelay = %v, ожидается 30s", cfg.SchedulerFixedDelay)
	}
	if cfg.LockTTL != 5*time.Minute {
		t.Errorf("LockTTL = %v, ожидается 5m", cfg.LockTTL)
	}
	if cfg.QuotaMaxRawDownloads != -1 {
		t.Errorf("QuotaMaxRawDownloads = %d, ожидается -1", cfg.QuotaMaxRawDownloads)
	}
	if cfg.NATSSubjectPrefix != "storage.events" {
		t.Errorf("NATSSubjectPrefix = %q, ожидается storage.events", cfg.NATSSubjectPrefix)
	}
}

// TestLoad_MissingDBHost проверяет обязательность SO_DB_HOST для postgres.
func TestLoad_MissingDBHost(t *testing.T) {
	envs := minimalEnvs()
	delete(envs, "SO_DB_HOST")
	setEnvs(t, envs)
	t.Setenv("SO_DB_HOST", "")

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка при отсутствии SO_DB_HOST")
	}
}

// TestLoad_MemoryDriver проверяет режим без PostgreSQL.
func TestLoad_MemoryDriver(t *testing.T) {
	setEnvs(t, map[string]string{
		"SO_STORE_DRIVER": "memory",
		"SO_TENANTS":      "project-a, project-b",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.LockDriver != DriverMemory {
		t.Errorf("LockDriver = %q, ожидается memory", cfg.LockDriver)
	}
	if len(cfg.Tenants) != 2 || cfg.Tenants[1] != "project-b" {
		t.Errorf("Tenants = %v, ожидается [project-a project-b]", cfg.Tenants)
	}
	if cfg.DefaultTenant != "" {
		t.Errorf("DefaultTenant = %q, ожидается пустой при нескольких tenants", cfg.DefaultTenant)
	}
}

// TestLoad_MemoryDriverRequiresTenants проверяет, что memory-режим требует список tenants.
func TestLoad_MemoryDriverRequiresTenants(t *testing.T) {
	t.Setenv("SO_STORE_DRIVER", "memory")
	t.Setenv("SO_TENANTS", "")

	if _, err := Load(); err == nil {
		t.Fatal("ожидалась ошибка без SO_TENANTS")
	}
}

// TestLoad_InvalidValues проверяет отклонение некорректных значений.
func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"порт не число", "SO_PORT", "abc"},
		{"порт вне диапазона", "SO_PORT", "70000"},
		{"уровень логов", "SO_LOG_LEVEL", "verbose"},
		{"формат логов", "SO_LOG_FORMAT", "xml"},
		{"драйвер хранилища", "SO_STORE_DRIVER", "mysql"},
		{"драйвер блокировок", "SO_LOCK_DRIVER", "redis"},
		{"nats без URL", "SO_LOCK_DRIVER", "nats"},
		{"нулевой batch", "SO_BATCH_SIZE", "0"},
		{"короткий TTL", "SO_LOCK_TTL", "10ms"},
		{"stale меньше TTL", "SO_STALE_RUNNING_AFTER", "1m"},
		{"булево", "SO_TRACING_ENABLED", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, minimalEnvs())
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%q: ожидалась ошибка", tt.key, tt.val)
			}
		})
	}
}

// TestLoad_DefaultTenantFromSingleTenant проверяет вывод tenant по умолчанию.
func TestLoad_DefaultTenantFromSingleTenant(t *testing.T) {
	setEnvs(t, minimalEnvs())
	t.Setenv("SO_TENANTS", "solar")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.DefaultTenant != "solar" {
		t.Errorf("DefaultTenant = %q, ожидается solar", cfg.DefaultTenant)
	}
}

// TestDatabaseURL проверяет формат URL для golang-migrate.
func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBHost: "db", DBPort: 5433, DBName: "so", DBSSLMode: "disable"}
	want := "pgx5://u:p@db:5433/so?sslmode=disable"
	if got := cfg.DatabaseURL("pgx5"); got != want {
		t.Errorf("DatabaseURL = %q, ожидается %q", got, want)
	}
}

// TestParseCSV проверяет разбор списков.
func TestParseCSV(t *testing.T) {
	got := parseCSV(" a, ,b ,c")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("parseCSV = %v, ожидается [a b c]", got)
	}
	if parseCSV("") != nil {
		t.Error("parseCSV(\"\") должен вернуть nil")
	}
}
