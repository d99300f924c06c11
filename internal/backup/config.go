package backup

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

// UnnamedCluster is the cluster name used when none is configured. Replicas
// stored under it are never reused after a restart.
const UnnamedCluster = "__unnamed__"

// Config holds the backup service parameters.
type Config struct {
	// ClusterName scopes stored replicas to one deployment. Backups only
	// reuse on-storage replicas whose recorded cluster name matches; with the
	// default unnamed cluster nothing is ever reused.
	ClusterName string `yaml:"cluster_name"`

	// SegmentSize is the byte capacity of each replica frame; it must match
	// the masters' segment size.
	SegmentSize uint32 `yaml:"segment_size"`

	// NumFrames bounds how many replicas this backup stores.
	NumFrames int `yaml:"num_frames"`

	// GC enables the background replica garbage collectors.
	GC bool `yaml:"gc"`

	// ListenAddr is the address the backup's RPC listener binds to.
	ListenAddr string `yaml:"listen_addr"`

	// StoragePath is the bbolt file holding the frames. Empty means
	// in-memory storage.
	StoragePath string `yaml:"storage_path"`

	// Logger for the service. Defaults to a no-op logger.
	Logger cluster.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		ClusterName: UnnamedCluster,
		SegmentSize: 8 << 20,
		NumFrames:   256,
		GC:          true,
		ListenAddr:  "127.0.0.1:8410",
		Logger:      cluster.NoopLogger{},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if config.ClusterName == "" {
		return fmt.Errorf("ClusterName is required")
	}
	if config.SegmentSize == 0 {
		return fmt.Errorf("SegmentSize must be positive")
	}
	if config.NumFrames < 1 {
		return fmt.Errorf("NumFrames must be at least 1")
	}
	return nil
}
