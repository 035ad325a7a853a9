package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Конечная структура конфигурации приложения.
// Расширяем по мере роста проекта.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	Fleet struct {
		SharedSecret string `mapstructure:"shared_secret"` // секрет для регистрации устройств

		HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`   // порог «молчания» устройства
		HeartbeatSweep    time.Duration `mapstructure:"heartbeat_sweep"`     // период sweep-а liveness
		HeartbeatRetain   time.Duration `mapstructure:"heartbeat_retention"` // горизонт хранения heartbeat-ов
		RetentionSweep    time.Duration `mapstructure:"retention_sweep"`     // период чистки ретеншена
		UpdateSweep       time.Duration `mapstructure:"update_sweep"`        // период диспетчеризации отложенных апдейтов
		ForcedDrainSweep  time.Duration `mapstructure:"forced_drain_sweep"`  // период принудительного drain-а
		DrainBatchSize    int           `mapstructure:"drain_batch_size"`
		DeliveryRetries   int           `mapstructure:"delivery_retries"`
		DefaultQueueBytes int64         `mapstructure:"default_queue_bytes"`
	} `mapstructure:"fleet"`

	Sink struct {
		BaseURL string        `mapstructure:"base_url"` // downstream event sink
		Token   string        `mapstructure:"token"`    // bearer, опционально
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"sink"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла, пусто — только stdout
	} `mapstructure:"logs"`

	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" | "mysql" | "" (in-memory)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
}

// Load читает конфиг из env/файла с дефолтами.
func Load() (*Config, error) {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Дефолты (минимальный рабочий набор)
	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")
	viper.SetDefault("fleet.shared_secret", "CHANGE_ME")

	viper.SetDefault("fleet.heartbeat_timeout", "5m")
	viper.SetDefault("fleet.heartbeat_sweep", "30s")
	viper.SetDefault("fleet.heartbeat_retention", "24h")
	viper.SetDefault("fleet.retention_sweep", "1h")
	viper.SetDefault("fleet.update_sweep", "1m")
	viper.SetDefault("fleet.forced_drain_sweep", "2m")
	viper.SetDefault("fleet.drain_batch_size", 50)
	viper.SetDefault("fleet.delivery_retries", 3)
	viper.SetDefault("fleet.default_queue_bytes", 50*1024*1024)

	viper.SetDefault("sink.base_url", "")
	viper.SetDefault("sink.token", "")
	viper.SetDefault("sink.timeout", "10s")

	// Логи — дефолты
	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")

	// DB: по умолчанию — in-memory (пустой driver)
	viper.SetDefault("database.driver", "")
	viper.SetDefault("database.dsn", "")

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "fleetd"))
		}
		viper.AddConfigPath("/etc/fleetd")
	}

	// Чтение файла (опционально)
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Fleet.SharedSecret) == "" || c.Fleet.SharedSecret == "CHANGE_ME" {
		return errors.New("fleet.shared_secret must be set (not empty and not CHANGE_ME)")
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if c.Fleet.HeartbeatTimeout <= 0 {
		return errors.New("fleet.heartbeat_timeout must be positive")
	}
	if c.Fleet.DrainBatchSize <= 0 {
		return errors.New("fleet.drain_batch_size must be positive")
	}
	if c.Fleet.DeliveryRetries < 0 {
		return errors.New("fleet.delivery_retries must not be negative")
	}
	if c.Fleet.DefaultQueueBytes <= 0 {
		return errors.New("fleet.default_queue_bytes must be positive")
	}
	return nil
}
