package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	HTTP            HTTPConfig
	DatabaseURL     string
	Auth            AuthConfig
	Redis           RedisConfig
	Data            DataConfig
	S3              S3Config
	Log             LogConfig
	FrontendDistDir string
	PresetStateFile string
	AuditLogFile    string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	SessionTTL       time.Duration
	UserBackend      string
	SessionBackend   string
	SessionStateFile string
	UserStateFile    string
	// SweepInterval drives the background expiry sweep; 0 disables it.
	SweepInterval time.Duration
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionKey string
}

type DataConfig struct {
	CatalogFile      string
	Dir              string
	DiscoveryPattern string
	Discover         bool
	Watch            bool
}

type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (Config, error) {
	databaseURL := getEnv("DATABASE_URL", "")
	defaultBackend := BackendFile
	if databaseURL != "" {
		defaultBackend = BackendPostgres
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:     time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", 10)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", 60)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SEC", 20)) * time.Second,
		},
		DatabaseURL: databaseURL,
		Auth: AuthConfig{
			SessionTTL:       time.Duration(getEnvInt("AUTH_SESSION_TTL_SEC", 86400)) * time.Second,
			UserBackend:      strings.ToLower(getEnv("AUTH_USER_BACKEND", defaultBackend)),
			SessionBackend:   strings.ToLower(getEnv("AUTH_SESSION_BACKEND", defaultBackend)),
			SessionStateFile: getEnv("AUTH_SESSION_STATE_FILE", "./data/sessions.json"),
			UserStateFile:    getEnv("AUTH_USER_STATE_FILE", "./data/users.json"),
			SweepInterval:    time.Duration(getEnvInt("AUTH_SWEEP_INTERVAL_SEC", 300)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			SessionKey: getEnv("REDIS_SESSION_KEY", "dashboard:sessions"),
		},
		Data: DataConfig{
			CatalogFile:      getEnv("CATALOG_FILE", "./config/projects.yaml"),
			Dir:              getEnv("DATA_DIR", "./data"),
			DiscoveryPattern: getEnv("DATA_DISCOVERY_PATTERN", "**/*.csv"),
			Discover:         getEnvBool("DATA_DISCOVERY", true),
			Watch:            getEnvBool("DATA_WATCH", true),
		},
		S3: S3Config{
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
		FrontendDistDir: getEnv("FRONTEND_DIST_DIR", "./web/dist"),
		PresetStateFile: getEnv("PRESET_STATE_FILE", "./data/presets.json"),
		AuditLogFile:    getEnv("AUDIT_LOG_FILE", "./data/audit.log"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.Auth.SessionTTL <= 0 {
		return fmt.Errorf("AUTH_SESSION_TTL_SEC must be > 0")
	}
	if cfg.Auth.SweepInterval < 0 {
		return fmt.Errorf("AUTH_SWEEP_INTERVAL_SEC must be >= 0")
	}

	switch cfg.Auth.UserBackend {
	case BackendFile:
		if cfg.Auth.UserStateFile == "" {
			return fmt.Errorf("AUTH_USER_STATE_FILE must not be empty")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("AUTH_USER_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("AUTH_USER_BACKEND must be file or postgres, got %q", cfg.Auth.UserBackend)
	}

	switch cfg.Auth.SessionBackend {
	case BackendFile:
		if cfg.Auth.SessionStateFile == "" {
			return fmt.Errorf("AUTH_SESSION_STATE_FILE must not be empty")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("AUTH_SESSION_BACKEND=postgres requires DATABASE_URL")
		}
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("AUTH_SESSION_BACKEND=redis requires REDIS_ADDR")
		}
		if cfg.Redis.SessionKey == "" {
			return fmt.Errorf("REDIS_SESSION_KEY must not be empty")
		}
	default:
		return fmt.Errorf("AUTH_SESSION_BACKEND must be file, postgres or redis, got %q", cfg.Auth.SessionBackend)
	}

	if cfg.Data.Dir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if cfg.FrontendDistDir == "" {
		return fmt.Errorf("FRONTEND_DIST_DIR must not be empty")
	}
	if cfg.DatabaseURL == "" && cfg.PresetStateFile == "" {
		return fmt.Errorf("PRESET_STATE_FILE must not be empty")
	}
	if (cfg.S3.AccessKey == "") != (cfg.S3.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.Log.Format)
	}
	return nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
