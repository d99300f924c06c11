package replication

import (
	"fmt"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

// Config holds the replication engine parameters.
type Config struct {
	// NumReplicas is the number of backups each segment must be durably
	// buffered on.
	NumReplicas int `yaml:"num_replicas"`

	// MaxBytesPerWriteRPC bounds the payload of a single write RPC. Smaller
	// writes unclog backups a bit, at the cost of more round trips before a
	// certificate can be emitted.
	MaxBytesPerWriteRPC uint32 `yaml:"max_bytes_per_write_rpc"`

	// MaxWriteRPCsInFlight caps concurrent write RPCs across all segments of
	// this master.
	MaxWriteRPCsInFlight int `yaml:"max_write_rpcs_in_flight"`

	// Logger for the engine. Defaults to a no-op logger.
	Logger cluster.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		NumReplicas:          3,
		MaxBytesPerWriteRPC:  1 << 20,
		MaxWriteRPCsInFlight: 4,
		Logger:               cluster.NoopLogger{},
	}
}

func validateConfig(config *Config) error {
	if config.NumReplicas < 0 {
		return fmt.Errorf("NumReplicas must not be negative")
	}
	if config.MaxBytesPerWriteRPC == 0 {
		return fmt.Errorf("MaxBytesPerWriteRPC must be positive")
	}
	if config.MaxWriteRPCsInFlight < 1 {
		return fmt.Errorf("MaxWriteRPCsInFlight must be at least 1")
	}
	return nil
}
