package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
	// Encoding is either "console" or "json".
	Encoding string `yaml:"encoding"`
	// Output is the list of sinks, "stderr" when empty.
	Output []string `yaml:"output"`
}

// DefaultConfig returns the logging configuration used when nothing is
// specified.
func DefaultConfig() Config {
	return Config{
		Level:    zapcore.InfoLevel,
		Encoding: "console",
		Output:   []string{"stderr"},
	}
}
