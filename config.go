package rdt

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Protocol selects the ARQ discipline. Both disciplines share the
// packet format and the engine interfaces; which one runs is purely a
// configuration choice.
type Protocol string

const (
	GoBackN         Protocol = "gbn"
	SelectiveRepeat Protocol = "sr"
)

// RTOMode selects how the retransmission timeout is derived.
// RTOAdaptive applies Jacobson/Karels smoothing with Karn's exclusion
// of retransmitted samples; RTOFixed keeps InitialRTO for the whole
// transfer.
type RTOMode string

const (
	RTOAdaptive RTOMode = "adaptive"
	RTOFixed    RTOMode = "fixed"
)

type Config struct {
	Protocol   Protocol `yaml:"protocol"`
	MSS        int      `yaml:"mss"`
	WindowSize int      `yaml:"window_size"`

	RTOMode     RTOMode       `yaml:"rto_mode"`
	InitialRTO  time.Duration `yaml:"initial_rto"`
	MaxTimeouts int           `yaml:"max_timeouts"`

	// LossProbability simulates loss on the receive path. Zero
	// disables the simulator entirely.
	LossProbability float64 `yaml:"loss_probability"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the canonical parameters for a discipline:
// go-back-n times the whole window with an adaptive RTO, selective
// repeat runs per-segment timers with a fixed one.
func DefaultConfig(protocol Protocol) Config {
	cfg := Config{
		Protocol:    protocol,
		MSS:         defaultMSS,
		WindowSize:  defaultWindowSize,
		RTOMode:     RTOAdaptive,
		InitialRTO:  defaultRTO,
		MaxTimeouts: defaultGBNTimeouts,
		LogLevel:    "info",
	}
	if protocol == SelectiveRepeat {
		cfg.RTOMode = RTOFixed
		cfg.InitialRTO = 250 * time.Millisecond
		cfg.MaxTimeouts = defaultSRTimeouts
	}
	return cfg
}

// LoadConfig reads a yaml file and fills unset fields with the
// discipline defaults.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config file")
	}
	cfg := Config{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing config file")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Protocol == "" {
		cfg.Protocol = GoBackN
	}
	defaults := DefaultConfig(cfg.Protocol)
	if cfg.MSS == 0 {
		cfg.MSS = defaults.MSS
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.RTOMode == "" {
		cfg.RTOMode = defaults.RTOMode
	}
	if cfg.InitialRTO == 0 {
		cfg.InitialRTO = defaults.InitialRTO
	}
	if cfg.MaxTimeouts == 0 {
		cfg.MaxTimeouts = defaults.MaxTimeouts
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
}

func (cfg *Config) Validate() error {
	switch cfg.Protocol {
	case GoBackN, SelectiveRepeat:
	default:
		return errors.Errorf("unknown protocol %q", cfg.Protocol)
	}
	switch cfg.RTOMode {
	case RTOAdaptive, RTOFixed:
	default:
		return errors.Errorf("unknown rto mode %q", cfg.RTOMode)
	}
	if cfg.MSS < 1 {
		return errors.Errorf("mss must be at least 1, got %d", cfg.MSS)
	}
	if cfg.WindowSize < 1 {
		return errors.Errorf("window size must be at least 1, got %d", cfg.WindowSize)
	}
	if cfg.InitialRTO <= 0 {
		return errors.Errorf("initial rto must be positive, got %s", cfg.InitialRTO)
	}
	if cfg.MaxTimeouts < 1 {
		return errors.Errorf("max timeouts must be at least 1, got %d", cfg.MaxTimeouts)
	}
	if cfg.LossProbability < 0 || cfg.LossProbability >= 1 {
		return errors.Errorf("loss probability must be in [0,1), got %g", cfg.LossProbability)
	}
	return nil
}
