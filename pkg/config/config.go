package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Power supply kinds.
const (
	// PowerBattery is a fixed-voltage source; no voltage search is possible.
	PowerBattery = "battery"
	// PowerSupply is a programmable supply. Voltage search is enabled and
	// M/N may not share an electrode with A/B.
	PowerSupply = "power_supply"
)

// Config represents the application configuration.
type Config struct {
	Serial        SerialConfig      `yaml:"serial"`
	MaxElectrodes int               `yaml:"max_electrodes"`
	Boards        []BoardConfig     `yaml:"boards"`
	Injection     InjectionConfig   `yaml:"injection"`
	Acquisition   AcquisitionConfig `yaml:"acquisition"`
	Mock          MockConfig        `yaml:"mock"`
	Remote        RemoteConfig      `yaml:"remote"`
	Log           LogConfig         `yaml:"log"`
}

// SerialConfig contains configuration of the serial link to the bridge MCU.
type SerialConfig struct {
	Port     string        `yaml:"port"`
	BaudRate int           `yaml:"baud_rate"`
	Timeout  time.Duration `yaml:"timeout"` // Reply timeout per command
}

// BoardConfig describes one multiplexer board instance.
type BoardConfig struct {
	ID         int               `yaml:"id"`
	MuxAddress uint8             `yaml:"mux_address"` // I2C address multiplexer, 0 if none
	MuxChannel int               `yaml:"mux_channel"`
	Expanders  []int             `yaml:"expanders"`         // Expander I2C addresses, indexed by expander number
	Offset     int               `yaml:"offset"`            // Global electrode = offset + local electrode
	Electrodes int               `yaml:"electrodes"`        // Board-local electrode count
	Roles      map[string]string `yaml:"roles"`             // A/B/M/N -> X/Y/XX/YY
	Cabling    []CablingConfig   `yaml:"cabling,omitempty"` // Optional explicit cabling, generated when empty
}

// CablingConfig is a single explicit cabling entry.
type CablingConfig struct {
	Electrode int    `yaml:"electrode"`
	Role      string `yaml:"role"`
	Expander  int    `yaml:"expander"`
	Pin       int    `yaml:"pin"`
}

// InjectionConfig contains current injection and voltage search parameters.
type InjectionConfig struct {
	PowerSupply     string        `yaml:"power_supply"`
	ShuntResistance float64       `yaml:"shunt_resistance"` // Ohm
	CurrentGain     float64       `yaml:"current_gain"`     // Shunt amplifier gain
	Strategy        string        `yaml:"strategy"`         // vmax, vmin or constant
	SeedVoltage     float64       `yaml:"seed_voltage"`     // V
	ConstantVoltage float64       `yaml:"constant_voltage"` // V
	VoltageStep     float64       `yaml:"voltage_step"`     // V
	MaxVoltage      float64       `yaml:"max_voltage"`      // V, hardware limit
	MaxSteps        int           `yaml:"max_steps"`
	MaxRetries      int           `yaml:"max_retries"`
	TargetCurrent   float64       `yaml:"target_current"` // A, vmax target
	TargetVoltage   float64       `yaml:"target_voltage"` // V, vmax target
	MinCurrent      float64       `yaml:"min_current"`    // A, vmin floor
	MinVoltage      float64       `yaml:"min_voltage"`    // V, vmin floor
	CurrentLimit    float64       `yaml:"current_limit"`  // A, hard limit
	VoltageLimit    float64       `yaml:"voltage_limit"`  // V, hard limit on Vmn
	SettleTime      time.Duration `yaml:"settle_time"`
}

// AcquisitionConfig contains the default run settings.
type AcquisitionConfig struct {
	InjectionDuration time.Duration `yaml:"injection_duration"`
	NbStack           int           `yaml:"nb_stack"`
	NbMeas            int           `yaml:"nb_meas"`
	SequenceDelay     time.Duration `yaml:"sequence_delay"`
	ExportPath        string        `yaml:"export_path"`
	SamplingInterval  time.Duration `yaml:"sampling_interval"`
	FullWaveform      bool          `yaml:"full_waveform"`
	WaveformPoints    int           `yaml:"waveform_points"` // Stored waveform is decimated to this many points
	SequenceFile      string        `yaml:"sequence_file"`
}

// MockConfig contains simulated ground parameters.
type MockConfig struct {
	ContactResistance  float64 `yaml:"contact_resistance"`  // Ohm, between A and B
	TransferResistance float64 `yaml:"transfer_resistance"` // Ohm, Vmn/I
	SelfPotential      float64 `yaml:"self_potential"`      // V
	NoiseLevel         float64 `yaml:"noise_level"`         // V
}

// RemoteConfig contains the remote command transport configuration.
type RemoteConfig struct {
	URL                string `yaml:"url"`
	Namespace          string `yaml:"namespace"`
	CommandEvent       string `yaml:"command_event"`
	AckEvent           string `yaml:"ack_event"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 115200,
			Timeout:  500 * time.Millisecond,
		},
		MaxElectrodes: 16,
		Boards: []BoardConfig{
			{
				ID:         1,
				Expanders:  []int{0x22, 0x23},
				Offset:     0,
				Electrodes: 8,
				Roles:      map[string]string{"A": "X", "B": "Y", "M": "XX", "N": "YY"},
			},
			{
				ID:         2,
				Expanders:  []int{0x24, 0x25},
				Offset:     8,
				Electrodes: 8,
				Roles:      map[string]string{"A": "X", "B": "Y", "M": "XX", "N": "YY"},
			},
		},
		Injection: InjectionConfig{
			PowerSupply:     PowerSupply,
			ShuntResistance: 2.0,
			CurrentGain:     50.0,
			Strategy:        "vmax",
			SeedVoltage:     5.0,
			ConstantVoltage: 12.0,
			VoltageStep:     2.0,
			MaxVoltage:      50.0,
			MaxSteps:        25,
			MaxRetries:      25,
			TargetCurrent:   0.045,
			TargetVoltage:   2.0,
			MinCurrent:      0.001,
			MinVoltage:      0.01,
			CurrentLimit:    0.048,
			VoltageLimit:    4.5,
			SettleTime:      100 * time.Millisecond,
		},
		Acquisition: AcquisitionConfig{
			InjectionDuration: time.Second,
			NbStack:           1,
			NbMeas:            1,
			SequenceDelay:     0,
			ExportPath:        "data/measurements.db",
			SamplingInterval:  20 * time.Millisecond,
			FullWaveform:      false,
			WaveformPoints:    500,
		},
		Mock: MockConfig{
			ContactResistance:  1000.0,
			TransferResistance: 50.0,
			SelfPotential:      0.01,
			NoiseLevel:         0.0005,
		},
		Remote: RemoteConfig{
			URL:          "http://localhost:3000/socket.io/",
			Namespace:    "/",
			CommandEvent: "ert/ctrl",
			AckEvent:     "ert/ack",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks numeric ranges. Board topology is validated when the
// address table is built.
func (c *Config) Validate() error {
	switch c.Injection.PowerSupply {
	case PowerBattery, PowerSupply:
	default:
		return fmt.Errorf("unknown power supply %q", c.Injection.PowerSupply)
	}
	if c.MaxElectrodes <= 0 {
		return fmt.Errorf("max_electrodes must be positive, got %d", c.MaxElectrodes)
	}
	if c.Injection.ShuntResistance <= 0 {
		return fmt.Errorf("shunt_resistance must be positive, got %g", c.Injection.ShuntResistance)
	}
	if c.Injection.VoltageStep <= 0 {
		return fmt.Errorf("voltage_step must be positive, got %g", c.Injection.VoltageStep)
	}
	if c.Injection.SeedVoltage > c.Injection.MaxVoltage {
		return fmt.Errorf("seed_voltage %g exceeds max_voltage %g", c.Injection.SeedVoltage, c.Injection.MaxVoltage)
	}
	if c.Acquisition.NbStack <= 0 {
		return fmt.Errorf("nb_stack must be positive, got %d", c.Acquisition.NbStack)
	}
	if c.Acquisition.SamplingInterval <= 0 {
		return fmt.Errorf("sampling_interval must be positive, got %v", c.Acquisition.SamplingInterval)
	}
	if c.Acquisition.InjectionDuration < c.Acquisition.SamplingInterval {
		return fmt.Errorf("injection_duration %v is shorter than sampling_interval %v",
			c.Acquisition.InjectionDuration, c.Acquisition.SamplingInterval)
	}
	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
// Fields where zero is meaningful, such as max_retries, are left as loaded.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = def.Serial.Timeout
	}

	if c.MaxElectrodes == 0 {
		c.MaxElectrodes = def.MaxElectrodes
	}
	if len(c.Boards) == 0 {
		c.Boards = def.Boards
	}

	if c.Injection.PowerSupply == "" {
		c.Injection.PowerSupply = def.Injection.PowerSupply
	}
	if c.Injection.ShuntResistance == 0 {
		c.Injection.ShuntResistance = def.Injection.ShuntResistance
	}
	if c.Injection.CurrentGain == 0 {
		c.Injection.CurrentGain = def.Injection.CurrentGain
	}
	if c.Injection.Strategy == "" {
		c.Injection.Strategy = def.Injection.Strategy
	}
	if c.Injection.SeedVoltage == 0 {
		c.Injection.SeedVoltage = def.Injection.SeedVoltage
	}
	if c.Injection.ConstantVoltage == 0 {
		c.Injection.ConstantVoltage = def.Injection.ConstantVoltage
	}
	if c.Injection.VoltageStep == 0 {
		c.Injection.VoltageStep = def.Injection.VoltageStep
	}
	if c.Injection.MaxVoltage == 0 {
		c.Injection.MaxVoltage = def.Injection.MaxVoltage
	}
	if c.Injection.MaxSteps == 0 {
		c.Injection.MaxSteps = def.Injection.MaxSteps
	}
	if c.Injection.TargetCurrent == 0 {
		c.Injection.TargetCurrent = def.Injection.TargetCurrent
	}
	if c.Injection.TargetVoltage == 0 {
		c.Injection.TargetVoltage = def.Injection.TargetVoltage
	}
	if c.Injection.MinCurrent == 0 {
		c.Injection.MinCurrent = def.Injection.MinCurrent
	}
	if c.Injection.MinVoltage == 0 {
		c.Injection.MinVoltage = def.Injection.MinVoltage
	}
	if c.Injection.CurrentLimit == 0 {
		c.Injection.CurrentLimit = def.Injection.CurrentLimit
	}
	if c.Injection.VoltageLimit == 0 {
		c.Injection.VoltageLimit = def.Injection.VoltageLimit
	}
	if c.Injection.SettleTime == 0 {
		c.Injection.SettleTime = def.Injection.SettleTime
	}

	if c.Acquisition.InjectionDuration == 0 {
		c.Acquisition.InjectionDuration = def.Acquisition.InjectionDuration
	}
	if c.Acquisition.NbStack == 0 {
		c.Acquisition.NbStack = def.Acquisition.NbStack
	}
	if c.Acquisition.NbMeas == 0 {
		c.Acquisition.NbMeas = def.Acquisition.NbMeas
	}
	if c.Acquisition.ExportPath == "" {
		c.Acquisition.ExportPath = def.Acquisition.ExportPath
	}
	if c.Acquisition.SamplingInterval == 0 {
		c.Acquisition.SamplingInterval = def.Acquisition.SamplingInterval
	}
	if c.Acquisition.WaveformPoints == 0 {
		c.Acquisition.WaveformPoints = def.Acquisition.WaveformPoints
	}

	if c.Remote.URL == "" {
		c.Remote.URL = def.Remote.URL
	}
	if c.Remote.Namespace == "" {
		c.Remote.Namespace = def.Remote.Namespace
	}
	if c.Remote.CommandEvent == "" {
		c.Remote.CommandEvent = def.Remote.CommandEvent
	}
	if c.Remote.AckEvent == "" {
		c.Remote.AckEvent = def.Remote.AckEvent
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}
