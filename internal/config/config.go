// Пакет config — загрузка и валидация конфигурации Storage Orchestrator
// из переменных окружения (с поддержкой .env файлов).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые драйверы хранилища метаданных и блокировок.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverNATS     = "nats"
)

// Config содержит все параметры конфигурации Storage Orchestrator.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownTimeout  time.Duration

	// --- Хранилище метаданных ---

	// StoreDriver — postgres или memory
	StoreDriver string
	DBHost      string
	DBPort      int
	DBName      string
	DBUser      string
	DBPassword  string
	DBSSLMode   string
	DBMaxConns  int

	// --- Tenants ---

	// Tenants — статический список активных tenants (пустой — чтение из БД)
	Tenants []string
	// DefaultTenant — tenant для API-запросов без заголовка X-Tenant
	DefaultTenant string

	// LocationsFile — JSON-файл с конфигурациями мест хранения
	LocationsFile string

	// --- Планировщик ---

	SchedulerInitialDelay time.Duration
	SchedulerFixedDelay   time.Duration
	// LockTTL — время жизни распределённой блокировки (и таймаут единицы работы)
	LockTTL time.Duration
	// LockDriver — postgres, nats или memory
	LockDriver        string
	BatchSize         int
	MaxBatchesPerTick int
	JobConcurrency    int
	RetryDelay        time.Duration
	MaxAttempts       int
	StaleRunningAfter time.Duration

	// --- Кэш восстановленных файлов ---

	CacheDir     string
	CacheTTL     time.Duration
	CacheMaxSize int64
	// CacheLRUSize, CacheLRUTTL — in-memory кэш записей CacheFile
	CacheLRUSize       int
	CacheLRUTTL        time.Duration
	CachePurgeBatch    int
	CachePurgeInterval time.Duration

	// --- Квоты скачивания ---

	// QuotaMaxRawDownloads — максимум скачиваний raw data на пользователя (-1 — без ограничений)
	QuotaMaxRawDownloads int64
	// QuotaMaxConcurrent — максимум одновременных raw-потоков на пользователя (-1 — без ограничений)
	QuotaMaxConcurrent int

	// --- NATS ---

	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string
	NATSLockBucket    string

	// --- JWT (опционально) ---

	JWKSURL             string
	JWKSCACert          string
	JWTIssuer           string
	JWKSClientTimeout   time.Duration
	JWKSRefreshInterval time.Duration
	JWTLeeway           time.Duration

	// --- Наблюдаемость ---

	TracingEnabled         bool
	DephealthGroup         string
	DephealthCheckInterval time.Duration
	DephealthIsEntry       bool
	// DephealthS3URL — endpoint S3 для мониторинга (пустой — не мониторится)
	DephealthS3URL string
}

// Load загружает конфигурацию из переменных окружения.
// Перед чтением подгружает .env и .env.local (если существуют);
// уже заданные переменные окружения имеют приоритет.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("SO_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("SO_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("SO_PORT: порт %d вне диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SO_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SO_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("SO_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SO_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("SO_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("SO_HTTP_READ_TIMEOUT: %w", err)
	}
	// Запись без жёсткого таймаута по умолчанию: скачивание больших файлов
	if cfg.HTTPWriteTimeout, err = getEnvDuration("SO_HTTP_WRITE_TIMEOUT", 0); err != nil {
		return nil, fmt.Errorf("SO_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("SO_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("SO_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SO_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, fmt.Errorf("SO_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- Хранилище метаданных ---

	cfg.StoreDriver = getEnvDefault("SO_STORE_DRIVER", DriverPostgres)
	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBHost, err = getEnvRequired("SO_DB_HOST"); err != nil {
			return nil, err
		}
		if cfg.DBName, err = getEnvRequired("SO_DB_NAME"); err != nil {
			return nil, err
		}
		if cfg.DBUser, err = getEnvRequired("SO_DB_USER"); err != nil {
			return nil, err
		}
		if cfg.DBPassword, err = getEnvRequired("SO_DB_PASSWORD"); err != nil {
			return nil, err
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("SO_STORE_DRIVER: недопустимое значение %q, допустимые: postgres, memory", cfg.StoreDriver)
	}
	if cfg.DBPort, err = getEnvInt("SO_DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("SO_DB_PORT: %w", err)
	}
	cfg.DBSSLMode = getEnvDefault("SO_DB_SSL_MODE", "disable")
	if cfg.DBMaxConns, err = getEnvInt("SO_DB_MAX_CONNS", 20); err != nil {
		return nil, fmt.Errorf("SO_DB_MAX_CONNS: %w", err)
	}

	// --- Tenants ---

	cfg.Tenants = parseCSV(os.Getenv("SO_TENANTS"))
	if cfg.StoreDriver == DriverMemory && len(cfg.Tenants) == 0 {
		return nil, fmt.Errorf("SO_TENANTS: обязателен при SO_STORE_DRIVER=memory")
	}
	cfg.DefaultTenant = getEnvDefault("SO_DEFAULT_TENANT", "")
	if cfg.DefaultTenant == "" && len(cfg.Tenants) == 1 {
		cfg.DefaultTenant = cfg.Tenants[0]
	}

	cfg.LocationsFile = getEnvDefault("SO_LOCATIONS_FILE", "/etc/storage-orchestrator/locations.json")

	// --- Планировщик ---

	if cfg.SchedulerInitialDelay, err = getEnvDuration("SO_SCHEDULER_INITIAL_DELAY", 10*time.Second); err != nil {
		return nil, fmt.Errorf("SO_SCHEDULER_INITIAL_DELAY: %w", err)
	}
	if cfg.SchedulerFixedDelay, err = getEnvDuration("SO_SCHEDULER_FIXED_DELAY", 30*time.Second); err != nil {
		return nil, fmt.Errorf("SO_SCHEDULER_FIXED_DELAY: %w", err)
	}
	if cfg.SchedulerFixedDelay <= 0 {
		return nil, fmt.Errorf("SO_SCHEDULER_FIXED_DELAY: должен быть больше нуля")
	}
	if cfg.LockTTL, err = getEnvDuration("SO_LOCK_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("SO_LOCK_TTL: %w", err)
	}
	if cfg.LockTTL < time.Second {
		return nil, fmt.Errorf("SO_LOCK_TTL: должен быть не меньше 1s")
	}

	defaultLockDriver := DriverPostgres
	if cfg.StoreDriver == DriverMemory {
		defaultLockDriver = DriverMemory
	}
	cfg.LockDriver = getEnvDefault("SO_LOCK_DRIVER", defaultLockDriver)
	switch cfg.LockDriver {
	case DriverPostgres:
		if cfg.StoreDriver != DriverPostgres {
			return nil, fmt.Errorf("SO_LOCK_DRIVER: postgres требует SO_STORE_DRIVER=postgres")
		}
	case DriverNATS, DriverMemory:
	default:
		return nil, fmt.Errorf("SO_LOCK_DRIVER: недопустимое значение %q, допустимые: postgres, nats, memory", cfg.LockDriver)
	}

	if cfg.BatchSize, err = getEnvInt("SO_BATCH_SIZE", 100); err != nil {
		return nil, fmt.Errorf("SO_BATCH_SIZE: %w", err)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("SO_BATCH_SIZE: должен быть больше нуля")
	}
	if cfg.MaxBatchesPerTick, err = getEnvInt("SO_MAX_BATCHES_PER_TICK", 10); err != nil {
		return nil, fmt.Errorf("SO_MAX_BATCHES_PER_TICK: %w", err)
	}
	if cfg.JobConcurrency, err = getEnvInt("SO_JOB_CONCURRENCY", 4); err != nil {
		return nil, fmt.Errorf("SO_JOB_CONCURRENCY: %w", err)
	}
	if cfg.JobConcurrency < 1 {
		return nil, fmt.Errorf("SO_JOB_CONCURRENCY: должен быть больше нуля")
	}
	if cfg.RetryDelay, err = getEnvDuration("SO_RETRY_DELAY", time.Minute); err != nil {
		return nil, fmt.Errorf("SO_RETRY_DELAY: %w", err)
	}
	if cfg.MaxAttempts, err = getEnvInt("SO_MAX_ATTEMPTS", 5); err != nil {
		return nil, fmt.Errorf("SO_MAX_ATTEMPTS: %w", err)
	}
	if cfg.StaleRunningAfter, err = getEnvDuration("SO_STALE_RUNNING_AFTER", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("SO_STALE_RUNNING_AFTER: %w", err)
	}
	if cfg.StaleRunningAfter < cfg.LockTTL {
		return nil, fmt.Errorf("SO_STALE_RUNNING_AFTER: должен быть не меньше SO_LOCK_TTL (%s)", cfg.LockTTL)
	}

	// --- Кэш ---

	cfg.CacheDir = getEnvDefault("SO_CACHE_DIR", "/var/lib/storage-orchestrator/cache")
	if cfg.CacheTTL, err = getEnvDuration("SO_CACHE_TTL", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("SO_CACHE_TTL: %w", err)
	}
	if cfg.CacheMaxSize, err = getEnvInt64("SO_CACHE_MAX_SIZE", 100<<30); err != nil {
		return nil, fmt.Errorf("SO_CACHE_MAX_SIZE: %w", err)
	}
	if cfg.CacheLRUSize, err = getEnvInt("SO_CACHE_LRU_SIZE", 10000); err != nil {
		return nil, fmt.Errorf("SO_CACHE_LRU_SIZE: %w", err)
	}
	if cfg.CacheLRUTTL, err = getEnvDuration("SO_CACHE_LRU_TTL", 30*time.Second); err != nil {
		return nil, fmt.Errorf("SO_CACHE_LRU_TTL: %w", err)
	}
	if cfg.CachePurgeBatch, err = getEnvInt("SO_CACHE_PURGE_BATCH", 500); err != nil {
		return nil, fmt.Errorf("SO_CACHE_PURGE_BATCH: %w", err)
	}
	if cfg.CachePurgeInterval, err = getEnvDuration("SO_CACHE_PURGE_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("SO_CACHE_PURGE_INTERVAL: %w", err)
	}

	// --- Квоты ---

	if cfg.QuotaMaxRawDownloads, err = getEnvInt64("SO_QUOTA_MAX_RAW_DOWNLOADS", -1); err != nil {
		return nil, fmt.Errorf("SO_QUOTA_MAX_RAW_DOWNLOADS: %w", err)
	}
	if cfg.QuotaMaxConcurrent, err = getEnvInt("SO_QUOTA_MAX_CONCURRENT", -1); err != nil {
		return nil, fmt.Errorf("SO_QUOTA_MAX_CONCURRENT: %w", err)
	}

	// --- NATS ---

	cfg.NATSURL = getEnvDefault("SO_NATS_URL", "")
	if cfg.LockDriver == DriverNATS && cfg.NATSURL == "" {
		return nil, fmt.Errorf("SO_NATS_URL: обязателен при SO_LOCK_DRIVER=nats")
	}
	cfg.NATSStream = getEnvDefault("SO_NATS_STREAM", "STORAGE_EVENTS")
	cfg.NATSSubjectPrefix = strings.TrimRight(getEnvDefault("SO_NATS_SUBJECT_PREFIX", "storage.events"), ".")
	cfg.NATSLockBucket = getEnvDefault("SO_NATS_LOCK_BUCKET", "SO_LOCKS")

	// --- JWT ---

	cfg.JWKSURL = getEnvDefault("SO_JWKS_URL", "")
	cfg.JWKSCACert = getEnvDefault("SO_JWKS_CA_CERT", "")
	cfg.JWTIssuer = getEnvDefault("SO_JWT_ISSUER", "")
	if cfg.JWKSClientTimeout, err = getEnvDuration("SO_JWKS_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("SO_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("SO_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("SO_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("SO_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("SO_JWT_LEEWAY: %w", err)
	}

	// --- Наблюдаемость ---

	if cfg.TracingEnabled, err = getEnvBool("SO_TRACING_ENABLED", false); err != nil {
		return nil, fmt.Errorf("SO_TRACING_ENABLED: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("SO_DEPHEALTH_GROUP", "goartstore")
	if cfg.DephealthCheckInterval, err = getEnvDuration("SO_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("SO_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	if cfg.DephealthIsEntry, err = getEnvBool("SO_DEPHEALTH_ISENTRY", false); err != nil {
		return nil, fmt.Errorf("SO_DEPHEALTH_ISENTRY: %w", err)
	}
	cfg.DephealthS3URL = getEnvDefault("SO_DEPHEALTH_S3_URL", "")

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode, c.DBMaxConns,
	)
}

// DatabaseURL возвращает URL подключения (для golang-migrate и dephealth).
func (c *Config) DatabaseURL(scheme string) string {
	return fmt.Sprintf(
		"%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme, c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// loadDotEnv подгружает .env и .env.local, не перезаписывая заданные переменные.
func loadDotEnv() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "предупреждение: не удалось загрузить %s: %v\n", name, err)
		}
	}
}

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 — как getEnvInt, для размеров в байтах.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает bool из переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
