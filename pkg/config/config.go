package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
		// Feature name of the remote kill switch. Processing is paused while it is disabled.
		ProcessingFlag string `mapstructure:"PROCESSING_FLAG"`
	} `mapstructure:"FLAGSMITH"`
	Queue   QueueConfig `mapstructure:"QUEUE"`
	Trigger struct {
		Enable bool `mapstructure:"ENABLE"`
		// Cron spec understood by asynq, e.g. "@every 1m" or "*/2 * * * *".
		Cronspec string `mapstructure:"CRONSPEC"`
		Queue    string `mapstructure:"QUEUE"`
	} `mapstructure:"TRIGGER"`
}

// QueueConfig holds the dispatcher and health monitor knobs.
type QueueConfig struct {
	BatchSize          int           `mapstructure:"BATCH_SIZE"`
	Concurrency        int           `mapstructure:"CONCURRENCY"`
	HandlerTimeout     time.Duration `mapstructure:"HANDLER_TIMEOUT"`
	DefaultMaxAttempts int           `mapstructure:"DEFAULT_MAX_ATTEMPTS"`
	BackoffBase        time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffMax         time.Duration `mapstructure:"BACKOFF_MAX"`
	StuckThreshold     time.Duration `mapstructure:"STUCK_THRESHOLD"`
	OverdueThreshold   time.Duration `mapstructure:"OVERDUE_THRESHOLD"`
	TriggerCadence     time.Duration `mapstructure:"TRIGGER_CADENCE"`
	RecentRuns         int           `mapstructure:"RECENT_RUNS"`
}

// DefaultQueueConfig mirrors the defaults registered with viper.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchSize:          25,
		Concurrency:        5,
		HandlerTimeout:     2 * time.Minute,
		DefaultMaxAttempts: 3,
		BackoffBase:        time.Minute,
		BackoffMax:         30 * time.Minute,
		StuckThreshold:     20 * time.Minute,
		OverdueThreshold:   15 * time.Minute,
		TriggerCadence:     5 * time.Minute,
		RecentRuns:         20,
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	q := DefaultQueueConfig()

	// keys without a meaningful default are still registered so AutomaticEnv can see them
	for _, key := range []string{
		"APP_VERSION", "TLS.CERT_PATH", "TLS.KEY_PATH", "OTEL.ADDR", "PYROSCOPE.ADDR",
		"DATABASE.HOST", "DATABASE.PORT", "DATABASE.DBNAME", "DATABASE.USER", "DATABASE.PASSWORD",
		"REDIS.ADDR", "REDIS.PASSWORD", "FLAGSMITH.ADDR", "FLAGSMITH.API_KEY",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("TLS.ENABLE", false)
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("TRIGGER.ENABLE", false)

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "jobqueue")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("HTTP_SERVER.ADDR", ":8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 10*time.Minute)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("FLAGSMITH.PROCESSING_FLAG", "job_processing")
	v.SetDefault("QUEUE.BATCH_SIZE", q.BatchSize)
	v.SetDefault("QUEUE.CONCURRENCY", q.Concurrency)
	v.SetDefault("QUEUE.HANDLER_TIMEOUT", q.HandlerTimeout)
	v.SetDefault("QUEUE.DEFAULT_MAX_ATTEMPTS", q.DefaultMaxAttempts)
	v.SetDefault("QUEUE.BACKOFF_BASE", q.BackoffBase)
	v.SetDefault("QUEUE.BACKOFF_MAX", q.BackoffMax)
	v.SetDefault("QUEUE.STUCK_THRESHOLD", q.StuckThreshold)
	v.SetDefault("QUEUE.OVERDUE_THRESHOLD", q.OverdueThreshold)
	v.SetDefault("QUEUE.TRIGGER_CADENCE", q.TriggerCadence)
	v.SetDefault("QUEUE.RECENT_RUNS", q.RecentRuns)
	v.SetDefault("TRIGGER.CRONSPEC", "@every 1m")
	v.SetDefault("TRIGGER.QUEUE", "critical")
}

// LoadConfig reads config.yaml from the working directory (optional) and
// overlays environment variables, e.g. QUEUE_BATCH_SIZE or DATABASE_HOST.
func LoadConfig() (*Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, paths ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.TLS.Enable && (cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "") {
		return nil, fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}
	if err := cfg.Queue.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects queue settings that would unbound handler runs or make the
// health report meaningless.
func (q QueueConfig) Validate() error {
	for _, c := range []struct {
		key string
		val int
	}{
		{"QUEUE.BATCH_SIZE", q.BatchSize},
		{"QUEUE.CONCURRENCY", q.Concurrency},
		{"QUEUE.DEFAULT_MAX_ATTEMPTS", q.DefaultMaxAttempts},
		{"QUEUE.RECENT_RUNS", q.RecentRuns},
	} {
		if c.val <= 0 {
			return fmt.Errorf("%s must be positive, got %d", c.key, c.val)
		}
	}

	for _, c := range []struct {
		key string
		val time.Duration
	}{
		{"QUEUE.HANDLER_TIMEOUT", q.HandlerTimeout},
		{"QUEUE.BACKOFF_BASE", q.BackoffBase},
		{"QUEUE.BACKOFF_MAX", q.BackoffMax},
		{"QUEUE.STUCK_THRESHOLD", q.StuckThreshold},
		{"QUEUE.OVERDUE_THRESHOLD", q.OverdueThreshold},
		{"QUEUE.TRIGGER_CADENCE", q.TriggerCadence},
	} {
		if c.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", c.key, c.val)
		}
	}

	if q.BackoffMax < q.BackoffBase {
		return fmt.Errorf("QUEUE.BACKOFF_MAX (%s) must not be below QUEUE.BACKOFF_BASE (%s)", q.BackoffMax, q.BackoffBase)
	}
	return nil
}
