package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"`
}

// DSN builds the driver specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path + "?_busy_timeout=5000"
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// StorageConfig describes the S3-compatible bucket processed uploads are archived to.
type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

// Enabled reports whether archiving to object storage is configured.
func (c *StorageConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// ExchangeConfig holds the limits and dialect settings of the 1C exchange endpoint.
type ExchangeConfig struct {
	UploadDir          string        `mapstructure:"upload_dir"`
	FileLimit          int64         `mapstructure:"file_limit"`
	Zip                bool          `mapstructure:"zip"`
	CatalogVersion     string        `mapstructure:"catalog_version"`
	SaleVersion        string        `mapstructure:"sale_version"`
	CookieName         string        `mapstructure:"cookie_name"`
	SessionTTL         time.Duration `mapstructure:"session_ttl"`
	OrdersFilename     string        `mapstructure:"orders_filename"`
	OrdersMaxBytes     int64         `mapstructure:"orders_max_bytes"`
	OrdersMaxDocuments int           `mapstructure:"orders_max_documents"`
	DocumentMaxAge     time.Duration `mapstructure:"document_max_age"`
	StaleSessionAfter  time.Duration `mapstructure:"stale_session_after"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	LockPollInterval   time.Duration `mapstructure:"lock_poll_interval"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	ErrorLimit         int           `mapstructure:"error_limit"`
	Timezone           string        `mapstructure:"timezone"`
	SubmitRetries      int           `mapstructure:"submit_retries"`
	ExportBatchSize    int           `mapstructure:"export_batch_size"`
	SiteName           string        `mapstructure:"site_name"`
	QueryLedgerTTL     time.Duration `mapstructure:"query_ledger_ttl"`
}

// Location resolves the configured timezone, falling back to the local zone.
func (c *ExchangeConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Capacity        int           `mapstructure:"capacity"`
	RefillPerSecond float64       `mapstructure:"refill_per_second"`
	TTL             time.Duration `mapstructure:"ttl"`
}

type WorkerConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	Visibility   time.Duration `mapstructure:"visibility"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("exchange.upload_dir", "EXCHANGE_UPLOAD_DIR")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/exchange.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "exchange1c")

	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "exchange")

	v.SetDefault("exchange.upload_dir", "./data/exchange")
	v.SetDefault("exchange.file_limit", 100*1024*1024)
	v.SetDefault("exchange.zip", false)
	v.SetDefault("exchange.catalog_version", "3.1")
	v.SetDefault("exchange.sale_version", "2.10")
	v.SetDefault("exchange.cookie_name", "sessionid")
	v.SetDefault("exchange.session_ttl", 24*time.Hour)
	v.SetDefault("exchange.orders_filename", "orders.xml")
	v.SetDefault("exchange.orders_max_bytes", 10*1024*1024)
	v.SetDefault("exchange.orders_max_documents", 5000)
	v.SetDefault("exchange.document_max_age", 24*time.Hour)
	v.SetDefault("exchange.stale_session_after", 2*time.Hour)
	v.SetDefault("exchange.lock_timeout", 10*time.Second)
	v.SetDefault("exchange.lock_poll_interval", 50*time.Millisecond)
	v.SetDefault("exchange.chunk_size", 64*1024)
	v.SetDefault("exchange.error_limit", 50)
	v.SetDefault("exchange.timezone", "Europe/Moscow")
	v.SetDefault("exchange.submit_retries", 3)
	v.SetDefault("exchange.export_batch_size", 100)
	v.SetDefault("exchange.site_name", "")
	v.SetDefault("exchange.query_ledger_ttl", 7*24*time.Hour)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.capacity", 120)
	v.SetDefault("ratelimit.refill_per_second", 2.0)
	v.SetDefault("ratelimit.ttl", 10*time.Minute)

	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", time.Second)
	v.SetDefault("worker.backoff_max", 30*time.Second)
	v.SetDefault("worker.visibility", 10*time.Minute)
}
