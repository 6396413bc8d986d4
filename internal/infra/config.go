package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации ядра.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Fees     FeeConfig      `mapstructure:"fees"`
	Lock     LockConfig     `mapstructure:"lock"`
	Events   EventsConfig   `mapstructure:"events"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера (консоль и метрики).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (блокировки и Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки JWT консоли.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// EngineConfig — настройки аудита и фоновых воркеров.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	ReconcileGrace     time.Duration `mapstructure:"reconcile_grace"`
}

// LedgerConfig — адрес исполнителя и настройки обертки надежности.
type LedgerConfig struct {
	Driver      string        `mapstructure:"driver"` // grpc | mock
	Addr        string        `mapstructure:"addr"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`

	// Настройки Circuit Breaker
	CBMaxRequests    uint32        `mapstructure:"cb_max_requests"`
	CBInterval       time.Duration `mapstructure:"cb_interval"`
	CBTimeout        time.Duration `mapstructure:"cb_timeout"`
	CBTripFailures   uint32        `mapstructure:"cb_trip_failures"`
	StatusRetryCount uint          `mapstructure:"status_retry_count"`
}

// EscrowConfig — кастодиальный кошелек и сроки эскроу.
type EscrowConfig struct {
	CustodyWallet  string        `mapstructure:"custody_wallet"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	ExpiryBatch    int           `mapstructure:"expiry_batch"`
}

// FeeConfig — комиссия платформы в базисных пунктах по тарифам.
type FeeConfig struct {
	Tier      string            `mapstructure:"tier"`
	TierBPS   map[string]uint64 `mapstructure:"tier_bps"`
	MinFee    uint64            `mapstructure:"min_fee"`
	Collector string            `mapstructure:"collector_wallet"`
}

// LockConfig выбирает механизм сериализации по кошельку.
type LockConfig struct {
	Driver string        `mapstructure:"driver"` // redis | postgres | memory
	TTL    time.Duration `mapstructure:"ttl"`
	Wait   time.Duration `mapstructure:"wait"`
}

// EventsConfig — доставка терминальных событий агрегатору репутации.
type EventsConfig struct {
	Driver   string `mapstructure:"driver"` // inline | rabbitmq
	AMQPURL  string `mapstructure:"amqp_url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
	Workers  int    `mapstructure:"workers"`
}

// PolicyConfig — источник политик.
type PolicyConfig struct {
	BundlePath string `mapstructure:"bundle_path"`
	Source     string `mapstructure:"source"` // database | bundle
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// BindFlags регистрирует флаги командной строки, общие для бинарников.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file (yaml)")
	fs.String("logger.level", "", "log level override")
	fs.Int("server.port", 0, "console API port override")
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла, ENV и флагов.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. Переменные окружения: LEDGER_ADDR=... перекроет ledger.addr
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Флаги: явный путь к файлу и точечные перекрытия
	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name != "config" && f.Changed {
				_ = v.BindPFlag(f.Name, f)
			}
		})
	}

	// 5. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 6. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 7. Публичный ключ консоли: PEM из ENV или файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.reconcile_interval", 30*time.Second)
	v.SetDefault("engine.reconcile_grace", 10*time.Minute)

	v.SetDefault("ledger.driver", "grpc")
	v.SetDefault("ledger.addr", "localhost:50051")
	v.SetDefault("ledger.call_timeout", 10*time.Second)
	v.SetDefault("ledger.rate_limit", 100)
	v.SetDefault("ledger.rate_burst", 20)
	v.SetDefault("ledger.cb_max_requests", 3)
	v.SetDefault("ledger.cb_interval", 5*time.Second)
	v.SetDefault("ledger.cb_timeout", 30*time.Second)
	v.SetDefault("ledger.cb_trip_failures", 5)
	v.SetDefault("ledger.status_retry_count", 3)

	v.SetDefault("escrow.custody_wallet", "")
	v.SetDefault("escrow.default_ttl", 24*time.Hour)
	v.SetDefault("escrow.expiry_interval", 5*time.Minute)
	v.SetDefault("escrow.expiry_batch", 100)

	v.SetDefault("fees.tier", "free")
	v.SetDefault("fees.tier_bps", map[string]uint64{"free": 50, "pro": 25, "enterprise": 10})
	v.SetDefault("fees.min_fee", 1000)

	v.SetDefault("lock.driver", "redis")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait", 5*time.Second)

	v.SetDefault("events.driver", "inline")
	v.SetDefault("events.queue", "agentpay.outcomes")
	v.SetDefault("events.prefetch", 16)
	v.SetDefault("events.workers", 2)

	v.SetDefault("events.amqp_url", "")
	v.SetDefault("policy.source", "database")
	v.SetDefault("policy.bundle_path", "")
	v.SetDefault("fees.collector_wallet", "")
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("database.url", "")
}

// loadKeyResource — PEM из переменной окружения или из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
