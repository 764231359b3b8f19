package config

import (
	"fmt"
	"strings"

	"github.com/validata-io/validata/internal/db"
	"github.com/validata-io/validata/internal/rules"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database db.Config      `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Tables   []TableConfig  `mapstructure:"tables"`
}

// ServerConfig holds HTTP surface settings.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig holds run-wide pipeline settings.
type PipelineConfig struct {
	UploadDir         string `mapstructure:"upload_dir"`
	BatchSize         int    `mapstructure:"batch_size"`
	MaxConcurrentRuns int    `mapstructure:"max_concurrent_runs"`
	QueueDepth        int    `mapstructure:"queue_depth"`
}

// ColumnConfig binds a source field to a target table column.
type ColumnConfig struct {
	Field  string `mapstructure:"field"`
	Column string `mapstructure:"column"`
}

// TableConfig describes one target table: where rows land, how fields map
// to columns, and the ordered rule list applied to every row.
type TableConfig struct {
	Name      string         `mapstructure:"name"`
	Table     string         `mapstructure:"table"`
	BatchSize int            `mapstructure:"batch_size"`
	Columns   []ColumnConfig `mapstructure:"columns"`
	Rules     []rules.Config `mapstructure:"rules"`
}

// Validate performs the structural checks that do not need rule compilation.
func (t TableConfig) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table config needs a name")
	}
	if strings.TrimSpace(t.Table) == "" {
		return fmt.Errorf("table config %s needs a target table", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table config %s needs at least one column mapping", t.Name)
	}
	for _, col := range t.Columns {
		if strings.TrimSpace(col.Field) == "" || strings.TrimSpace(col.Column) == "" {
			return fmt.Errorf("table config %s has an incomplete column mapping", t.Name)
		}
	}
	return nil
}
