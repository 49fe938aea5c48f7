// Пакет config — загрузка и валидация конфигурации DropCode
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранилища метаданных.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Путь к директории хранения блобов
	DataDir string
	// Путь к директории WAL
	WALDir string
	// Бэкенд хранилища метаданных (memory, postgres)
	StoreBackend string

	// Параметры PostgreSQL (обязательны при StoreBackend=postgres)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Время жизни шары с момента загрузки
	ShareTTL time.Duration
	// Интервал запуска жнеца истёкших шар
	ReaperInterval time.Duration
	// Максимальный размер одного файла в байтах
	MaxFileSize int64
	// Максимальное число файлов в одном батче
	MaxBatchFiles int
	// Скорость token bucket для lookup-запросов (запросов в секунду)
	LookupRate float64
	// Burst token bucket для lookup-запросов
	LookupBurst int

	// URL JWKS endpoint для проверки JWT сервисных эндпоинтов.
	// Пустое значение отключает аутентификацию (dev-режим).
	JWKSUrl string
	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя владельца пода для метки name в topologymetrics
	DephealthName string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// DC_PORT — порт HTTP-сервера (по умолчанию 8080)
	port, err := getEnvInt("DC_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("DC_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("DC_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	// DC_DATA_DIR — обязательный
	cfg.DataDir, err = getEnvRequired("DC_DATA_DIR")
	if err != nil {
		return nil, err
	}

	// DC_WAL_DIR — обязательный
	cfg.WALDir, err = getEnvRequired("DC_WAL_DIR")
	if err != nil {
		return nil, err
	}

	// DC_STORE_BACKEND — бэкенд метаданных (по умолчанию memory)
	cfg.StoreBackend = getEnvDefault("DC_STORE_BACKEND", BackendMemory)
	if cfg.StoreBackend != BackendMemory && cfg.StoreBackend != BackendPostgres {
		return nil, fmt.Errorf("DC_STORE_BACKEND: недопустимое значение %q, допустимые: memory, postgres", cfg.StoreBackend)
	}

	// Параметры PostgreSQL — обязательны только для postgres-бэкенда
	if cfg.StoreBackend == BackendPostgres {
		cfg.DBHost, err = getEnvRequired("DC_DB_HOST")
		if err != nil {
			return nil, err
		}
		cfg.DBPort, err = getEnvInt("DC_DB_PORT", 5432)
		if err != nil {
			return nil, fmt.Errorf("DC_DB_PORT: %w", err)
		}
		cfg.DBName, err = getEnvRequired("DC_DB_NAME")
		if err != nil {
			return nil, err
		}
		cfg.DBUser, err = getEnvRequired("DC_DB_USER")
		if err != nil {
			return nil, err
		}
		cfg.DBPassword, err = getEnvRequired("DC_DB_PASSWORD")
		if err != nil {
			return nil, err
		}
		cfg.DBSSLMode = getEnvDefault("DC_DB_SSL_MODE", "disable")
	}

	// DC_SHARE_TTL — время жизни шары (по умолчанию 1h)
	cfg.ShareTTL, err = getEnvDuration("DC_SHARE_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("DC_SHARE_TTL: %w", err)
	}
	if cfg.ShareTTL <= 0 {
		return nil, fmt.Errorf("DC_SHARE_TTL: значение должно быть положительным")
	}

	// DC_REAPER_INTERVAL — интервал жнеца (по умолчанию 5m)
	cfg.ReaperInterval, err = getEnvDuration("DC_REAPER_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("DC_REAPER_INTERVAL: %w", err)
	}

	// DC_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 1 GB)
	maxFileSize, err := getEnvInt64("DC_MAX_FILE_SIZE", 1073741824)
	if err != nil {
		return nil, fmt.Errorf("DC_MAX_FILE_SIZE: %w", err)
	}
	if maxFileSize <= 0 {
		return nil, fmt.Errorf("DC_MAX_FILE_SIZE: значение должно быть положительным")
	}
	cfg.MaxFileSize = maxFileSize

	// DC_MAX_BATCH_FILES — максимум файлов в батче (по умолчанию 20)
	cfg.MaxBatchFiles, err = getEnvInt("DC_MAX_BATCH_FILES", 20)
	if err != nil {
		return nil, fmt.Errorf("DC_MAX_BATCH_FILES: %w", err)
	}
	if cfg.MaxBatchFiles <= 0 {
		return nil, fmt.Errorf("DC_MAX_BATCH_FILES: значение должно быть положительным")
	}

	// DC_LOOKUP_RATE — скорость лимитера lookup (по умолчанию 1 rps)
	cfg.LookupRate, err = getEnvFloat("DC_LOOKUP_RATE", 1)
	if err != nil {
		return nil, fmt.Errorf("DC_LOOKUP_RATE: %w", err)
	}
	if cfg.LookupRate <= 0 {
		return nil, fmt.Errorf("DC_LOOKUP_RATE: значение должно быть положительным")
	}

	// DC_LOOKUP_BURST — burst лимитера lookup (по умолчанию 10)
	cfg.LookupBurst, err = getEnvInt("DC_LOOKUP_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("DC_LOOKUP_BURST: %w", err)
	}
	if cfg.LookupBurst <= 0 {
		return nil, fmt.Errorf("DC_LOOKUP_BURST: значение должно быть положительным")
	}

	// DC_JWKS_URL — JWKS endpoint для сервисных эндпоинтов (опционально)
	cfg.JWKSUrl = getEnvDefault("DC_JWKS_URL", "")

	// DC_TLS_CERT / DC_TLS_KEY — TLS (опционально, но парой)
	cfg.TLSCert = getEnvDefault("DC_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("DC_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("DC_TLS_CERT и DC_TLS_KEY должны быть заданы вместе")
	}

	// DC_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DC_LOG_LEVEL: %w", err)
	}

	// DC_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// DC_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s).
	// Должен быть меньше K8s terminationGracePeriodSeconds.
	cfg.ShutdownTimeout, err = getEnvDuration("DC_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DC_SHUTDOWN_TIMEOUT: %w", err)
	}

	// DC_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("DC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// DC_DEPHEALTH_GROUP — имя группы в метриках topologymetrics
	cfg.DephealthGroup = getEnvDefault("DC_DEPHEALTH_GROUP", "dropcode")

	// DC_DEPHEALTH_NAME — имя вершины графа текущего приложения
	cfg.DephealthName = getEnvDefault("DC_DEPHEALTH_NAME", "")

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// TLSEnabled сообщает, настроен ли TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
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

// getEnvFloat возвращает float64 значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 5m, 1h)", val)
	}
	return d, nil
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
