package coordinator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/tgen/common/go/logging"
	"github.com/yanet-platform/tgen/common/go/numa"
	"github.com/yanet-platform/tgen/controlplane/dispatch"
	"github.com/yanet-platform/tgen/coordinator/internal/profile"
	"github.com/yanet-platform/tgen/dataplane/worker"
)

// Clock modes.
const (
	// ClockVirtual runs the schedule as fast as possible.
	ClockVirtual = "virtual"
	// ClockRealtime paces the schedule by the wall clock.
	ClockRealtime = "realtime"
)

// Config represents the main configuration structure for the generator.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Clock is either "virtual" or "realtime".
	Clock string `yaml:"clock"`
	// Duration stops every port after the given time, zero runs the
	// programs to their end.
	Duration time.Duration `yaml:"duration"`
	// Cores lists the worker threads.
	Cores []CoreConfig `yaml:"cores"`
	// Worker holds the settings shared by every worker.
	Worker worker.Config `yaml:"worker"`
	// Metrics endpoint configuration.
	Metrics MetricsConfig `yaml:"metrics"`
	// Output is the pcap file transmitted packets are written to. Packets
	// are discarded when empty.
	Output string `yaml:"output"`
	// Dispatch configures command delivery to the workers.
	Dispatch dispatch.Config `yaml:"dispatch"`
	// Profile is the traffic to generate.
	Profile profile.Config `yaml:"profile"`
}

// CoreConfig places a worker.
type CoreConfig struct {
	// CPU the worker is pinned to; negative disables pinning.
	CPU int `yaml:"cpu"`
	// Socket is the NUMA socket the worker allocates buffers from.
	Socket numa.SocketID `yaml:"socket"`
}

// MetricsConfig contains settings of the HTTP endpoint exposing metrics and
// the control API.
type MetricsConfig struct {
	// Endpoint to listen on, disabled when empty.
	Endpoint string `yaml:"endpoint"`
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start with default configuration.
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings that are not checked by the components.
func (m *Config) Validate() error {
	switch m.Clock {
	case ClockVirtual, ClockRealtime:
	default:
		return fmt.Errorf("unknown clock %q", m.Clock)
	}
	if m.Duration < 0 {
		return fmt.Errorf("negative duration %s", m.Duration)
	}
	if len(m.Cores) == 0 {
		return fmt.Errorf("no cores")
	}
	for idx, core := range m.Cores {
		if !m.Worker.Buffers.Sockets.Contains(core.Socket) {
			return fmt.Errorf("core %d: socket %d is not in %s", idx, core.Socket, m.Worker.Buffers.Sockets)
		}
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	w := worker.DefaultConfig()
	w.ExitIdle = true

	return &Config{
		Logging: logging.DefaultConfig(),
		Clock:   ClockVirtual,
		Cores: []CoreConfig{
			{CPU: -1, Socket: 0},
		},
		Worker:   w,
		Dispatch: dispatch.DefaultConfig(),
	}
}
