package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. INGESTQ_REDIS_ADDR.
const EnvPrefix = "INGESTQ"

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":           "server.addr",
	"api-key":        "server.api_key",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"db-driver":      "database.driver",
	"db-dsn":         "database.dsn",
	"auto-migrate":   "database.auto_migrate",
	"redis-addr":     "redis.addr",
	"redis-ns":       "redis.namespace",
	"max-retries":    "queue.default_max_retries",
	"backoff-cap":    "queue.backoff_cap",
	"stuck-after":    "queue.stuck_after",
	"worker-id":      "worker.id",
	"concurrency":    "worker.concurrency",
	"poll-interval":  "worker.poll_interval",
	"metrics-addr":   "worker.metrics_addr",
	"dlq-batch-size": "worker.dlq_batch_size",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:ingestq.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.connect_retry", 30*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "ingestq")
	v.SetDefault("redis.record_ttl", 7*24*time.Hour)

	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_cap", 30*time.Second)
	v.SetDefault("queue.stuck_after", 30*time.Minute)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.metrics_addr", ":8080")
	v.SetDefault("worker.rate_limit", 10)
	v.SetDefault("worker.rate_burst", 20)
	v.SetDefault("worker.sweep_schedule", "@every 1m")
	v.SetDefault("worker.reconcile_schedule", "@every 5m")
	v.SetDefault("worker.dlq_schedule", "")
	v.SetDefault("worker.dlq_batch_size", 10)
}

// Load reads configuration. file may be empty; flags may be nil. Only flags
// the user actually set override lower layers.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	if flags != nil {
		if err := BindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// BindFlags binds every known flag present in fs to its configuration key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	if err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
