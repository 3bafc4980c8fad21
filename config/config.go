// Package config loads and defaults the storage engine's configuration,
// following the teacher's YAML-with-defaults idiom: Load builds a struct
// of hard-coded defaults, then lets a YAML document override any subset of
// fields.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configuration for the control-API listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerConfig holds the control-API server's network configuration.
type ServerConfig struct {
	GRPCPort            int       `yaml:"grpc_port"`
	HealthCheckInterval string    `yaml:"health_check_interval"`
	TLS                 TLSConfig `yaml:"tls"`
}

// BlockConfig controls the fixed row layout shared by every block in the
// engine (spec.md §3 "Block").
type BlockConfig struct {
	Capacity int `yaml:"capacity"`
}

// PartitionConfig controls how sub-groups bucket rows into time partitions
// (spec.md §4.4/§4.5).
type PartitionConfig struct {
	Interval          string `yaml:"interval"`
	MaxOpenPartitions int    `yaml:"max_open_partitions"`
	DefaultDedupMode  string `yaml:"default_dedup_mode"`
}

// SegmentConfig controls segment sealing and the compression applied to
// sealed, compacted segments (spec.md §4.3).
type SegmentConfig struct {
	Compression          string  `yaml:"compression"`
	SealOnRowCount        uint32  `yaml:"seal_on_row_count"`
	CompactionCheckInterval string `yaml:"compaction_check_interval"`
}

// TagTableConfig controls the tag table's hash index sizing (spec.md §4.6).
type TagTableConfig struct {
	InitialBucketCount int     `yaml:"initial_bucket_count"`
	MaxLoadFactor      float64 `yaml:"max_load_factor"`
}

// StringHeapConfig controls a segment's variable-length string heap
// (spec.md §4.1).
type StringHeapConfig struct {
	InitialSizeBytes int64 `yaml:"initial_size_bytes"`
	GrowthFactor     float64 `yaml:"growth_factor"`
}

// WALConfig holds write-ahead log configuration for the MTR protocol
// (spec.md §4.10).
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	PurgeKeepSegments   int    `yaml:"purge_keep_segments"`
}

// EngineConfig groups all storage-engine-level tunables.
type EngineConfig struct {
	DataDir            string           `yaml:"data_dir"`
	RetentionPeriod    string           `yaml:"retention_period"`
	CheckpointInterval string           `yaml:"checkpoint_interval"`
	Block              BlockConfig      `yaml:"block"`
	Partition          PartitionConfig  `yaml:"partition"`
	Segment            SegmentConfig    `yaml:"segment"`
	TagTable           TagTableConfig   `yaml:"tag_table"`
	StringHeap         StringHeapConfig `yaml:"string_heap"`
	WAL                WALConfig        `yaml:"wal"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// SecurityConfig holds security-related configuration like auth.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	UserFilePath string `yaml:"user_file_path"`
}

// DebugConfig holds debugging-related configuration.
type DebugConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listen_address"`
	PProfEnabled   bool   `yaml:"pprof_enabled"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// SnapshotConfig controls the snapshot subsystem (spec.md §6 "Snapshots").
type SnapshotConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"`
}

// Config is the top-level configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Debug    DebugConfig    `yaml:"debug"`
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty, "0" or invalid, logging a warning in the last case.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, layering it over hard-coded
// defaults. Separated from LoadConfig for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			GRPCPort:            50051,
			HealthCheckInterval: "5s",
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Engine: EngineConfig{
			DataDir:            "./data",
			RetentionPeriod:    "",
			CheckpointInterval: "300s",
			Block: BlockConfig{
				Capacity: 1000,
			},
			Partition: PartitionConfig{
				Interval:          "24h",
				MaxOpenPartitions: 16,
				DefaultDedupMode:  "keep",
			},
			Segment: SegmentConfig{
				Compression:             "snappy",
				SealOnRowCount:          1000,
				CompactionCheckInterval: "120s",
			},
			TagTable: TagTableConfig{
				InitialBucketCount: 1024,
				MaxLoadFactor:      0.75,
			},
			StringHeap: StringHeapConfig{
				InitialSizeBytes: 1 * 1024 * 1024,
				GrowthFactor:     2.0,
			},
			WAL: WALConfig{
				SyncMode:            "always",
				MaxSegmentSizeBytes: 32 * 1024 * 1024,
				PurgeKeepSegments:   4,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "kwdbts2.log",
		},
		Security: SecurityConfig{
			Enabled:      false,
			UserFilePath: "users.db",
		},
		Snapshot: SnapshotConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:        false,
			ListenAddress:  "0.0.0.0:6060",
			PProfEnabled:   false,
			MetricsEnabled: true,
		},
	}

	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path, falling back to
// defaults if the file does not exist.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
