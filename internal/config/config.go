// Package config loads the gateway's YAML configuration (spec.md §6),
// using gopkg.in/yaml.v3 the way the rest of the corpus's server-manager
// tooling does.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/levitree/vfdgw/internal/vfd"
)

// Device is one entry under modbus_devices. Only type: VFD is operative;
// anything else is skipped with a warning by Load's caller.
type Device struct {
	Type        string `yaml:"type"`
	SlaveID     int    `yaml:"slave_id"`
	DisplayName string `yaml:"display_name"`
	Name        string `yaml:"name"`
	Model       string `yaml:"model"`
}

// Config is the root of config.yaml.
type Config struct {
	ModbusPath    string   `yaml:"modbus_path"`
	ModbusBaud    int      `yaml:"modbus_baud"`
	BindAddr      string   `yaml:"bind_addr"`
	MQTTBroker    string   `yaml:"mqtt_broker"`
	MQTTTopic     string   `yaml:"mqtt_topic_prefix"`
	ModbusDevices []Device `yaml:"modbus_devices"`
}

// Load reads and parses path. Missing or unparseable config, or a config
// without modbus_path, is an unrecoverable startup error (spec.md §6 exit
// codes); these are the only ways this package fails.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.ModbusPath == "" {
		return nil, fmt.Errorf("config: modbus_path is required")
	}
	if cfg.ModbusBaud == 0 {
		cfg.ModbusBaud = 9600
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8080"
	}
	return &cfg, nil
}

// Drives converts the operative (type: VFD) devices into vfd.Drive
// descriptors. The caller is expected to log a warning for each skipped
// device; Drives reports which were skipped via the returned skipped slice.
func (c *Config) Drives() (drives []vfd.Drive, skipped []Device) {
	for _, d := range c.ModbusDevices {
		if d.Type != "VFD" {
			skipped = append(skipped, d)
			continue
		}
		model := vfd.Model(d.Model)
		drives = append(drives, vfd.Drive{
			ID:          d.Name,
			DisplayName: d.DisplayName,
			SlaveID:     d.SlaveID,
			Model:       model,
		})
	}
	return drives, skipped
}
