// Package config loads the daemon configuration file. The file is
// YAML; every field has a default so an empty path (no file at all)
// configures a single-node daemon with the in-process transport. A
// path that names a file which cannot be read is an error.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Network describes the group-messaging transport binding. An empty
// MulticastAddr selects the in-process solo transport.
type Network struct {
	MulticastAddr string `yaml:"mcastaddr"`
	MulticastPort int    `yaml:"mcastport"`
	BindAddr      string `yaml:"bindnetaddr"`
}

// Pools configures the slab allocator: Classes[i] buffers of 1<<i
// bytes are preallocated.
type Pools struct {
	Classes []int `yaml:"classes"`
}

// Group names the process group every executive joins.
type Group struct {
	Name string `yaml:"name"`
}

// Logging selects the log level by name.
type Logging struct {
	Level string `yaml:"level"`
}

// Config is the full daemon configuration.
type Config struct {
	Network Network `yaml:"network"`
	Pools   Pools   `yaml:"pools"`
	Group   Group   `yaml:"group"`
	Logging Logging `yaml:"logging"`
}

// DefaultPoolClasses mirrors the executive's historical pool sizing:
// plenty of small buffers for frame headers and replies, a handful of
// large slabs for checkpoint payloads.
var DefaultPoolClasses = []int{
	0, 0, 0, 0, 0, 4096, 0, 1, 0, /* up to 256 */
	1024, 0, 1, 4096, 0, 0, 0, 0, /* up to 64Ki */
	1, 1, 1, 1, 1, 1, 1, 1, /* up to 16Mi */
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Network: Network{MulticastPort: 5405},
		Pools:   Pools{Classes: append([]int(nil), DefaultPoolClasses...)},
		Group:   Group{Name: "0123"},
		Logging: Logging{Level: "info"},
	}
}

// Load reads and parses path. An empty path returns Default. Partial
// files are filled in with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %v", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %v", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Group.Name == "" {
		return fmt.Errorf("group name must not be empty")
	}
	if c.Network.MulticastAddr != "" {
		if c.Network.MulticastPort <= 0 || c.Network.MulticastPort > 65535 {
			return fmt.Errorf("mcastport %d out of range", c.Network.MulticastPort)
		}
	}
	if len(c.Pools.Classes) == 0 {
		c.Pools.Classes = append([]int(nil), DefaultPoolClasses...)
	}
	for i, n := range c.Pools.Classes {
		if n < 0 {
			return fmt.Errorf("pool class %d has negative count %d", i, n)
		}
	}
	return nil
}
