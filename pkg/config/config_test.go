package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 16, cfg.MaxElectrodes)
	assert.Len(t, cfg.Boards, 2)
	assert.Equal(t, []int{0x22, 0x23}, cfg.Boards[0].Expanders)
	assert.Equal(t, PowerSupply, cfg.Injection.PowerSupply)
	assert.Equal(t, "vmax", cfg.Injection.Strategy)
	assert.Equal(t, 2.0, cfg.Injection.VoltageStep)
	assert.Equal(t, 25, cfg.Injection.MaxRetries)
	assert.Equal(t, time.Second, cfg.Acquisition.InjectionDuration)
	assert.Equal(t, 1, cfg.Acquisition.NbStack)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyUSB0"
  timeout: 250ms

max_electrodes: 64

boards:
  - id: 1
    mux_address: 0x70
    mux_channel: 0
    expanders: [0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27]
    electrodes: 64
    roles: {A: X, B: Y}
  - id: 2
    mux_address: 0x70
    mux_channel: 1
    expanders: [0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27]
    electrodes: 64
    roles: {M: X, N: Y}

injection:
  power_supply: battery
  strategy: constant
  constant_voltage: 12

acquisition:
  injection_duration: 2s
  nb_stack: 4
  sequence_delay: 10m
  export_path: /tmp/ert.db
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.Timeout)
	assert.Equal(t, 64, cfg.MaxElectrodes)
	require.Len(t, cfg.Boards, 2)
	assert.Equal(t, uint8(0x70), cfg.Boards[1].MuxAddress)
	assert.Equal(t, 1, cfg.Boards[1].MuxChannel)
	assert.Len(t, cfg.Boards[0].Expanders, 8)
	assert.Equal(t, "Y", cfg.Boards[1].Roles["N"])
	assert.Equal(t, PowerBattery, cfg.Injection.PowerSupply)
	assert.Equal(t, "constant", cfg.Injection.Strategy)
	assert.Equal(t, 12.0, cfg.Injection.ConstantVoltage)
	assert.Equal(t, 2*time.Second, cfg.Acquisition.InjectionDuration)
	assert.Equal(t, 4, cfg.Acquisition.NbStack)
	assert.Equal(t, 10*time.Minute, cfg.Acquisition.SequenceDelay)
	assert.Equal(t, "/tmp/ert.db", cfg.Acquisition.ExportPath)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyUSB0"
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.Len(t, cfg.Boards, 2)                                           // default
	assert.Equal(t, 20*time.Millisecond, cfg.Acquisition.SamplingInterval) // default
	assert.Equal(t, 25, cfg.Injection.MaxRetries)                          // default
}

func TestLoad_ZeroRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("injection:\n  max_retries: 0\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Injection.MaxRetries)
	assert.Equal(t, 25, cfg.Injection.MaxSteps)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("injection:\n  power_supply: solar\n"), 0644))

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"negative shunt", func(c *Config) { c.Injection.ShuntResistance = -1 }},
		{"zero step", func(c *Config) { c.Injection.VoltageStep = 0 }},
		{"seed above max", func(c *Config) { c.Injection.SeedVoltage = 100 }},
		{"zero stacks", func(c *Config) { c.Acquisition.NbStack = 0 }},
		{"injection shorter than interval", func(c *Config) { c.Acquisition.InjectionDuration = time.Millisecond }},
		{"no electrodes", func(c *Config) { c.MaxElectrodes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Acquisition.NbStack = 3

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Serial.Port)
	assert.Equal(t, 3, loaded.Acquisition.NbStack)
	assert.Equal(t, cfg.Boards, loaded.Boards)
}
