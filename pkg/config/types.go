package config

import (
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/froyo-agent/pkg/backend"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
	"github.com/openfroyo/froyo-agent/pkg/transports/amqp"
)

// Environment variables that override file settings.
const (
	EnvBrokerPassword = "FROYO_AGENT_BROKER_PASSWORD"
	EnvPlansDir       = "FROYO_AGENT_PLANS_DIR"
	EnvLogLevel       = "LOG_LEVEL"
)

// Config is the complete agent configuration.
type Config struct {
	// PlansDir holds plan, checkpoint, result and stamp files.
	PlansDir string `yaml:"plans_dir" validate:"required"`

	// EngineKey is the inline public key used to verify plan signatures.
	EngineKey string `yaml:"engine_key" validate:"excluded_with=EngineKeyFile"`

	// EngineKeyFile is a path to the public key. With neither key set every
	// message is accepted.
	EngineKeyFile string `yaml:"engine_key_file" validate:"omitempty,file"`

	Broker    amqp.Config      `yaml:"broker"`
	Backend   backend.Config   `yaml:"backend"`
	Reboot    RebootConfig     `yaml:"reboot"`
	Policy    PolicyConfig     `yaml:"policy"`
	Journal   JournalConfig    `yaml:"journal"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// RebootConfig controls the reboot requested by a finished plan.
type RebootConfig struct {
	// Command is the reboot command line. A single element runs through the
	// shell; otherwise the first element is the program.
	Command []string `yaml:"command" validate:"min=1,dive,required"`

	// Wait is how long the agent idles after issuing the command.
	Wait time.Duration `yaml:"wait" validate:"gte=0"`
}

// PolicyConfig configures plan admission policies.
type PolicyConfig struct {
	// Path is a .rego/.json file or a directory of them. Empty means only
	// the built-in policies apply.
	Path string `yaml:"path"`

	// Watch reloads policies when files under Path change.
	Watch bool `yaml:"watch"`
}

// JournalConfig configures the execution journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`

	// Retention prunes finished runs older than this at startup. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// DefaultConfig returns a Config populated with the agent defaults.
func DefaultConfig() *Config {
	return &Config{
		PlansDir: "/var/lib/froyo-agent/plans",
		Broker:   *amqp.DefaultConfig(),
		Backend:  backend.DefaultConfig(),
		Reboot: RebootConfig{
			Command: []string{"shutdown", "-r", "now"},
			Wait:    5 * time.Minute,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "/var/lib/froyo-agent/journal.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// EngineKeyData returns the configured verification key, or nil when
// signatures are not checked.
func (c *Config) EngineKeyData() ([]byte, error) {
	if c.EngineKey != "" {
		return []byte(c.EngineKey), nil
	}
	if c.EngineKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.EngineKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine key: %w", err)
	}
	return data, nil
}

// ValidationError describes one problem found while loading a config file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// LoadError collects the validation errors of a config file.
type LoadError struct {
	Source string
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid config %s: %s", e.Source, e.Errors[0])
	}
	return fmt.Sprintf("invalid config %s: %s (and %d more errors)", e.Source, e.Errors[0], len(e.Errors)-1)
}
