package robot

import (
	"encoding/json"
	"fmt"
	"os"
)

const DefaultConfigFile = "alohamini.json"

// Defaults shared by host and client loops.
const (
	DefaultTickRate       = 30   // Hz, control loop frequency
	DefaultWatchdogTicks  = 15   // command-less ticks before replies go stale
	DefaultMaxStep        = 0.05 // normalized units a joint may move per tick
	DefaultCurrentLimitMA = 1500
)

// Config holds the full hardware description for one side of the system.
// It is resolved once at startup and injected into the loops; ports are
// never rediscovered mid-session.
type Config struct {
	Host HostConfig           `json:"host"`
	Arms map[Side][]ArmConfig `json:"arms"`
	Lift *LiftConfig          `json:"lift,omitempty"`
}

// HostConfig holds the settings shared across the teleoperation link.
type HostConfig struct {
	Addr           string  `json:"addr"`
	TickRate       int     `json:"tick_rate,omitempty"`
	WatchdogTicks  int     `json:"watchdog_ticks,omitempty"`
	MaxStep        float64 `json:"max_step,omitempty"`
	CurrentLimitMA float64 `json:"current_limit_ma,omitempty"`
	CurrentScale   float64 `json:"current_scale,omitempty"`
}

// ArmConfig holds configuration for a single arm.
type ArmConfig struct {
	Role        Role        `json:"role"`
	Port        string      `json:"port"`
	Calibration Calibration `json:"calibration,omitempty"`

	// CalibratedPort records which port the calibration was taken on.
	// Raw ranges are cable/servo-instance specific, so a calibration is
	// only trusted while the port binding is unchanged.
	CalibratedPort string `json:"calibrated_port,omitempty"`
}

// IsCalibrated returns true if the arm has calibration data taken on its
// currently configured port.
func (a *ArmConfig) IsCalibrated() bool {
	return len(a.Calibration) > 0 && a.CalibratedPort == a.Port
}

// SetCalibration stores a finished calibration bound to the current port.
func (a *ArmConfig) SetCalibration(cal Calibration) {
	a.Calibration = cal
	a.CalibratedPort = a.Port
}

// Arm returns the configured arm with the given role and side.
func (c *Config) Arm(role Role, side Side) (*ArmConfig, bool) {
	for i := range c.Arms[side] {
		if c.Arms[side][i].Role == role {
			return &c.Arms[side][i], true
		}
	}
	return nil, false
}

// Validate fills defaults and rejects configurations the loops cannot run.
func (c *Config) Validate() error {
	if c.Host.TickRate <= 0 {
		c.Host.TickRate = DefaultTickRate
	}
	if c.Host.WatchdogTicks <= 0 {
		c.Host.WatchdogTicks = DefaultWatchdogTicks
	}
	if c.Host.MaxStep <= 0 {
		c.Host.MaxStep = DefaultMaxStep
	}
	if c.Host.CurrentLimitMA <= 0 {
		c.Host.CurrentLimitMA = DefaultCurrentLimitMA
	}
	if c.Host.CurrentScale <= 0 {
		c.Host.CurrentScale = 1
	}
	if len(c.Arms) == 0 {
		return fmt.Errorf("no arms configured")
	}
	for side, arms := range c.Arms {
		for i := range arms {
			if arms[i].Port == "" {
				return fmt.Errorf("%s %s arm: port is required", side, arms[i].Role)
			}
		}
	}
	return nil
}

// LoadConfig loads configuration from the default config file.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the default config file exists.
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
