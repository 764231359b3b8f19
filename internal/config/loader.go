package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/validata-io/validata/internal/db"
)

// Load reads configuration from config.yaml in the given path, with
// environment overrides (VALIDATA_DATABASE_HOST and friends). Missing
// sections fall back to defaults; a missing tables section falls back to the
// built-in customer and order profiles.
func Load(configPath string) (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Database: db.DefaultConfig(),
		Pipeline: PipelineConfig{
			UploadDir:         "./uploads",
			BatchSize:         500,
			MaxConcurrentRuns: 4,
			QueueDepth:        64,
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("VALIDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("log.level")
	v.BindEnv("log.format")
	v.BindEnv("pipeline.upload_dir")
	v.BindEnv("pipeline.batch_size")
	v.BindEnv("pipeline.max_concurrent_runs")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		slog.Info("no config.yaml found, using defaults and env vars")
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if len(cfg.Tables) == 0 {
		cfg.Tables = DefaultTables()
	}

	for _, table := range cfg.Tables {
		if err := table.Validate(); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}
