package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Intake   IntakeConfig
	Scan     ScanConfig
	Delivery DeliveryConfig
	Status   StatusConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// IntakeConfig controls file admission: storage locations, the size cap and
// the mimetype allow-list applied before a file ever reaches the dispatcher.
type IntakeConfig struct {
	StorageDir       string
	ExtractDir       string
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
	MaxArchiveDepth  int
	URLFetchTimeout  time.Duration
}

// ScanConfig tunes the consensus thresholds and the dispatch worker pool.
type ScanConfig struct {
	CleanAcceptanceIndex float64
	ValidAcceptanceIndex float64
	SoftDeadline         time.Duration
	WorkerConcurrency    int
	QueueBuffer          int
	LegacyLevelProgress  bool
}

// DeliveryConfig carries post-scan delivery targets. Remote credentials are
// operator-level defaults; requests may override the target path.
type DeliveryConfig struct {
	Enabled           bool
	MountDir          string
	ReceiptDir        string
	FTPAddr           string
	FTPUser           string
	FTPPassword       string
	SFTPAddr          string
	SFTPUser          string
	SFTPPassword      string
	WebDAVURL         string
	WebDAVUser        string
	WebDAVPassword    string
	SMTPAddr          string
	SMTPFrom          string
	WorkerConcurrency int
	WorkerRetries     int
}

// StatusConfig governs the cached session status snapshots.
type StatusConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	maxFileSize := v.GetInt64("INTAKE_MAX_FILE_SIZE")
	if maxFileSize <= 0 {
		maxFileSize = 100 * 1024 * 1024
	}
	cfg.Intake = IntakeConfig{
		StorageDir:       v.GetString("INTAKE_STORAGE_DIR"),
		ExtractDir:       v.GetString("INTAKE_EXTRACT_DIR"),
		MaxFileSizeBytes: maxFileSize,
		AllowedMIMEs:     splitAndTrim(v.GetString("INTAKE_ALLOWED_MIME_TYPES")),
		MaxArchiveDepth:  v.GetInt("INTAKE_MAX_ARCHIVE_DEPTH"),
		URLFetchTimeout:  parseDuration(v.GetString("INTAKE_URL_FETCH_TIMEOUT"), 60*time.Second),
	}

	cfg.Scan = ScanConfig{
		CleanAcceptanceIndex: clampIndex(v.GetFloat64("SCAN_CLEAN_ACCEPTANCE_INDEX")),
		ValidAcceptanceIndex: clampIndex(v.GetFloat64("SCAN_VALID_ACCEPTANCE_INDEX")),
		SoftDeadline:         parseDuration(v.GetString("SCAN_SOFT_DEADLINE"), 60*time.Second),
		WorkerConcurrency:    v.GetInt("SCAN_WORKER_CONCURRENCY"),
		QueueBuffer:          v.GetInt("SCAN_QUEUE_BUFFER"),
		LegacyLevelProgress:  v.GetBool("SCAN_LEGACY_LEVEL_PROGRESS"),
	}

	cfg.Delivery = DeliveryConfig{
		Enabled:           v.GetBool("ENABLE_DELIVERY"),
		MountDir:          v.GetString("DELIVERY_MOUNT_DIR"),
		ReceiptDir:        v.GetString("DELIVERY_RECEIPT_DIR"),
		FTPAddr:           v.GetString("DELIVERY_FTP_ADDR"),
		FTPUser:           v.GetString("DELIVERY_FTP_USER"),
		FTPPassword:       v.GetString("DELIVERY_FTP_PASSWORD"),
		SFTPAddr:          v.GetString("DELIVERY_SFTP_ADDR"),
		SFTPUser:          v.GetString("DELIVERY_SFTP_USER"),
		SFTPPassword:      v.GetString("DELIVERY_SFTP_PASSWORD"),
		WebDAVURL:         v.GetString("DELIVERY_WEBDAV_URL"),
		WebDAVUser:        v.GetString("DELIVERY_WEBDAV_USER"),
		WebDAVPassword:    v.GetString("DELIVERY_WEBDAV_PASSWORD"),
		SMTPAddr:          v.GetString("DELIVERY_SMTP_ADDR"),
		SMTPFrom:          v.GetString("DELIVERY_SMTP_FROM"),
		WorkerConcurrency: v.GetInt("DELIVERY_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("DELIVERY_WORKER_RETRIES"),
	}

	cfg.Status = StatusConfig{
		CacheEnabled: v.GetBool("ENABLE_STATUS_CACHE"),
		CacheTTL:     parseDuration(v.GetString("STATUS_CACHE_TTL"), 5*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "multiscan")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("INTAKE_STORAGE_DIR", "./data/files")
	v.SetDefault("INTAKE_EXTRACT_DIR", "./data/extracted")
	v.SetDefault("INTAKE_MAX_FILE_SIZE", 100*1024*1024)
	v.SetDefault("INTAKE_ALLOWED_MIME_TYPES", "")
	v.SetDefault("INTAKE_MAX_ARCHIVE_DEPTH", 8)
	v.SetDefault("INTAKE_URL_FETCH_TIMEOUT", "60s")

	v.SetDefault("SCAN_CLEAN_ACCEPTANCE_INDEX", 0.5)
	v.SetDefault("SCAN_VALID_ACCEPTANCE_INDEX", 0.5)
	v.SetDefault("SCAN_SOFT_DEADLINE", "60s")
	v.SetDefault("SCAN_WORKER_CONCURRENCY", 8)
	v.SetDefault("SCAN_QUEUE_BUFFER", 1024)
	v.SetDefault("SCAN_LEGACY_LEVEL_PROGRESS", false)

	v.SetDefault("ENABLE_DELIVERY", true)
	v.SetDefault("DELIVERY_MOUNT_DIR", "./data/outbox")
	v.SetDefault("DELIVERY_RECEIPT_DIR", "./data/receipts")
	v.SetDefault("DELIVERY_WORKER_CONCURRENCY", 2)
	v.SetDefault("DELIVERY_WORKER_RETRIES", 3)

	v.SetDefault("ENABLE_STATUS_CACHE", true)
	v.SetDefault("STATUS_CACHE_TTL", "5s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

// clampIndex keeps acceptance indices inside (0,1].
func clampIndex(raw float64) float64 {
	if raw <= 0 || raw > 1 {
		return 0.5
	}
	return raw
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
