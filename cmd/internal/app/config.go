package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"murmur/cmd/internal/upload"
	"murmur/cmd/security/token"

	"gopkg.in/yaml.v3"
)

// Broker kinds accepted by Config.Broker.
const (
	BrokerMemory   = "memory"
	BrokerPostgres = "postgres"
	BrokerNATS     = "nats"
	BrokerRedis    = "redis"
)

// Config contains all runtime configuration of the feed service.
//
// LoadConfig fills it from an optional YAML file named by MURMUR_CONFIG and then
// from MURMUR_* environment variables, which win over the file.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" (default) or "pretty".
	LogFormat string `yaml:"log_format"`

	// PublicBaseURL is how clients reach this server. Derived from HTTPAddr when empty.
	PublicBaseURL string `yaml:"public_base_url"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	DBSchema    string `yaml:"db_schema"`

	// DBMigrate creates the store schema on start.
	DBMigrate bool `yaml:"db_migrate"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	Broker        string `yaml:"broker"`
	FeedQueueSize int    `yaml:"feed_queue_size"`
	NATSURL       string `yaml:"nats_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// UploadDir enables /uploads and /files/ when set.
	UploadDir      string `yaml:"upload_dir"`
	UploadMaxBytes int    `yaml:"upload_max_bytes"`

	WSAllowedOrigins []string `yaml:"ws_allowed_origins"`
	WSOriginRequired bool     `yaml:"ws_origin_required"`
	WSDevInsecure    bool     `yaml:"ws_dev_insecure"`

	// CORS is off while CORSAllowedOrigins is empty. Entries may end in ":*" to allow any port.
	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	// Token keys are read from MURMUR_TOKEN_* only. No keys means dev identity mode.
	Token token.Config `yaml:"-"`
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,
		DBSchema:   "murmur",
		DBMigrate:  true,

		Broker:        BrokerMemory,
		FeedQueueSize: 256,
		NATSURL:       "nats://127.0.0.1:4222",
		RedisAddr:     "127.0.0.1:6379",

		UploadMaxBytes: upload.DefaultMaxBytes,

		WSAllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		WSOriginRequired: true,

		CORSMaxAgeSeconds: 600,

		Token: token.DefaultConfig(),
	}
}

// LoadConfig loads Config from the optional YAML file and environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString("MURMUR_CONFIG", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	tcfg, err := token.FromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Token = tcfg

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvString("MURMUR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("MURMUR_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("MURMUR_LOG_FORMAT", cfg.LogFormat)
	cfg.PublicBaseURL = EnvString("MURMUR_PUBLIC_BASE_URL", cfg.PublicBaseURL)

	cfg.ReadHeaderTimeout = EnvDuration("MURMUR_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("MURMUR_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("MURMUR_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("MURMUR_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("MURMUR_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("MURMUR_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("MURMUR_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("MURMUR_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("MURMUR_DB_SCHEMA", cfg.DBSchema)
	cfg.DBMigrate = EnvBool("MURMUR_DB_MIGRATE", cfg.DBMigrate)
	cfg.ReadinessRequireDB = EnvBool("MURMUR_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.Broker = strings.ToLower(EnvString("MURMUR_BROKER", cfg.Broker))
	if cfg.Broker == "" {
		cfg.Broker = BrokerMemory
	}
	cfg.FeedQueueSize = EnvInt("MURMUR_FEED_QUEUE_SIZE", cfg.FeedQueueSize)
	cfg.NATSURL = EnvString("MURMUR_NATS_URL", cfg.NATSURL)
	cfg.RedisAddr = EnvString("MURMUR_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = EnvString("MURMUR_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = EnvInt("MURMUR_REDIS_DB", cfg.RedisDB)

	cfg.UploadDir = EnvString("MURMUR_UPLOAD_DIR", cfg.UploadDir)
	cfg.UploadMaxBytes = EnvInt("MURMUR_UPLOAD_MAX_BYTES", cfg.UploadMaxBytes)

	cfg.WSAllowedOrigins = EnvList("MURMUR_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSOriginRequired = EnvBool("MURMUR_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSDevInsecure = EnvBool("MURMUR_WS_DEV_INSECURE", cfg.WSDevInsecure)

	cfg.CORSAllowedOrigins = EnvList("MURMUR_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("MURMUR_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("MURMUR_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)
}

// Validate rejects combinations the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: http_addr is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	switch c.Broker {
	case BrokerMemory, BrokerNATS, BrokerRedis:
	case BrokerPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: broker postgres requires database_url")
		}
	default:
		return fmt.Errorf("config: unknown broker %q", c.Broker)
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return errors.New("config: db_min_conns exceeds db_max_conns")
	}
	return nil
}
