// Package config loads StreamGate configuration from an INI file with an
// environment-variable overlay. The INI file is required; environment
// variables with the same key names override its values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the full StreamGate runtime configuration.
type Config struct {
	ServerAddress  string
	ServerPort     int
	ServerIOThreads int

	ThreadPoolSize int
	AuthTimeout    time.Duration

	DBHost      string
	DBPort      int
	DBUser      string
	DBPass      string
	DBName      string
	DBMinSize   int
	DBMaxSize   int
	DBTimeout   time.Duration

	RedisHost     string
	RedisPort     int
	RedisPass     string
	CachePoolSize int
	CacheTTL      time.Duration

	SchedulerTimeout         time.Duration
	SchedulerCleanupInterval time.Duration

	LogLevel    string
	LogToFile   bool
	LogFilePath string

	NodesFile string
}

// Defaults returns a Config populated with baseline values.
func Defaults() *Config {
	return &Config{
		ServerAddress:            "0.0.0.0",
		ServerPort:               8080,
		ServerIOThreads:          2,
		ThreadPoolSize:           4,
		AuthTimeout:              5000 * time.Millisecond,
		DBHost:                   "127.0.0.1",
		DBPort:                   5432,
		DBUser:                   "streamgate",
		DBName:                   "streamgate",
		DBMinSize:                2,
		DBMaxSize:                10,
		DBTimeout:                5000 * time.Millisecond,
		RedisHost:                "127.0.0.1",
		RedisPort:                6379,
		CachePoolSize:            8,
		CacheTTL:                 300 * time.Second,
		SchedulerTimeout:         60 * time.Second,
		SchedulerCleanupInterval: 30 * time.Second,
		LogLevel:                 "info",
	}
}

// Load reads the INI file at path and applies the environment overlay.
// A missing or unreadable INI file is an error; missing environment
// variables are tolerated.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config file %s: %w", path, err)
	}

	cfg := Defaults()
	section := file.Section(ini.DefaultSection)

	readString(section, "SERVER_ADDRESS", &cfg.ServerAddress)
	readInt(section, "SERVER_PORT", &cfg.ServerPort)
	readInt(section, "SERVER_IO_THREADS", &cfg.ServerIOThreads)
	readInt(section, "THREAD_POOL_SIZE", &cfg.ThreadPoolSize)
	readMillis(section, "AUTH_TIMEOUT_MS", &cfg.AuthTimeout)

	readString(section, "DB_HOST", &cfg.DBHost)
	readInt(section, "DB_PORT", &cfg.DBPort)
	readString(section, "DB_USER", &cfg.DBUser)
	readString(section, "DB_PASS", &cfg.DBPass)
	readString(section, "DB_NAME", &cfg.DBName)
	readInt(section, "DB_MIN_SIZE", &cfg.DBMinSize)
	readInt(section, "DB_MAX_SIZE", &cfg.DBMaxSize)
	readMillis(section, "DB_TIMEOUT_MS", &cfg.DBTimeout)

	readString(section, "REDIS_HOST", &cfg.RedisHost)
	readInt(section, "REDIS_PORT", &cfg.RedisPort)
	readString(section, "REDIS_PASS", &cfg.RedisPass)
	readInt(section, "CACHE_POOL_SIZE", &cfg.CachePoolSize)
	readSeconds(section, "CACHE_TTL_SECONDS", &cfg.CacheTTL)

	readSeconds(section, "SCHEDULER_TIMEOUT_SEC", &cfg.SchedulerTimeout)
	readSeconds(section, "SCHEDULER_CLEANUP_INTERVAL_SEC", &cfg.SchedulerCleanupInterval)

	readString(section, "LOG_LEVEL", &cfg.LogLevel)
	readBool(section, "LOG_TO_FILE", &cfg.LogToFile)
	readString(section, "LOG_FILE_PATH", &cfg.LogFilePath)

	readString(section, "NODES_FILE", &cfg.NodesFile)

	cfg.applyEnvOverlay()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverlay() {
	overlayString("SERVER_ADDRESS", &c.ServerAddress)
	overlayInt("SERVER_PORT", &c.ServerPort)
	overlayInt("SERVER_IO_THREADS", &c.ServerIOThreads)
	overlayInt("THREAD_POOL_SIZE", &c.ThreadPoolSize)
	overlayMillis("AUTH_TIMEOUT_MS", &c.AuthTimeout)

	overlayString("DB_HOST", &c.DBHost)
	overlayInt("DB_PORT", &c.DBPort)
	overlayString("DB_USER", &c.DBUser)
	overlayString("DB_PASS", &c.DBPass)
	overlayString("DB_NAME", &c.DBName)
	overlayInt("DB_MIN_SIZE", &c.DBMinSize)
	overlayInt("DB_MAX_SIZE", &c.DBMaxSize)
	overlayMillis("DB_TIMEOUT_MS", &c.DBTimeout)

	overlayString("REDIS_HOST", &c.RedisHost)
	overlayInt("REDIS_PORT", &c.RedisPort)
	overlayString("REDIS_PASS", &c.RedisPass)
	overlayInt("CACHE_POOL_SIZE", &c.CachePoolSize)
	overlaySeconds("CACHE_TTL_SECONDS", &c.CacheTTL)

	overlaySeconds("SCHEDULER_TIMEOUT_SEC", &c.SchedulerTimeout)
	overlaySeconds("SCHEDULER_CLEANUP_INTERVAL_SEC", &c.SchedulerCleanupInterval)

	overlayString("LOG_LEVEL", &c.LogLevel)
	overlayBool("LOG_TO_FILE", &c.LogToFile)
	overlayString("LOG_FILE_PATH", &c.LogFilePath)

	overlayString("NODES_FILE", &c.NodesFile)
}

func (c *Config) validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid SERVER_PORT %d", c.ServerPort)
	}
	if c.DBMinSize < 0 || c.DBMaxSize <= 0 || c.DBMinSize > c.DBMaxSize {
		return fmt.Errorf("invalid pool bounds: min=%d max=%d", c.DBMinSize, c.DBMaxSize)
	}
	if c.ThreadPoolSize <= 0 {
		return fmt.Errorf("THREAD_POOL_SIZE must be positive, got %d", c.ThreadPoolSize)
	}
	return nil
}

// DatabaseURL renders the lib/pq connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}

// RedisAddr renders the host:port Redis address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func readString(s *ini.Section, key string, dst *string) {
	if s.HasKey(key) {
		*dst = s.Key(key).String()
	}
}

func readInt(s *ini.Section, key string, dst *int) {
	if s.HasKey(key) {
		if v, err := s.Key(key).Int(); err == nil {
			*dst = v
		}
	}
}

func readBool(s *ini.Section, key string, dst *bool) {
	if s.HasKey(key) {
		if v, err := s.Key(key).Bool(); err == nil {
			*dst = v
		}
	}
}

func readMillis(s *ini.Section, key string, dst *time.Duration) {
	if s.HasKey(key) {
		if v, err := s.Key(key).Int(); err == nil {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
}

func readSeconds(s *ini.Section, key string, dst *time.Duration) {
	if s.HasKey(key) {
		if v, err := s.Key(key).Int(); err == nil {
			*dst = time.Duration(v) * time.Second
		}
	}
}

func overlayString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overlayInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func overlayBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func overlayMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(parsed) * time.Millisecond
		}
	}
}

func overlaySeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(parsed) * time.Second
		}
	}
}
