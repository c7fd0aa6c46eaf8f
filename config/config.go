// Package config loads and validates the YAML configuration surface of a
// node: networking parameters, DHT tuning, onion/circuit limits, mixing
// and cover traffic, and mesh topology.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MeshType selects how a node admits peers into its connection set.
type MeshType string

const (
	// MeshStructured splits nodes by Role: a supernode admits any inbound
	// peer, while a leaf admits no inbound peers and dials only the
	// configured SupernodeList.
	MeshStructured MeshType = "structured"
	// MeshUnstructured admits any peer discovered through the DHT or an
	// incoming connection, up to MaxConnections.
	MeshUnstructured MeshType = "unstructured"
)

// Config is a node's full configuration, loaded from YAML on disk and
// defaulted where the file is silent.
type Config struct {
	Port int `yaml:"port"`

	K              int `yaml:"k"`
	Alpha          int `yaml:"alpha"`
	CircuitLength  int `yaml:"circuit_length"`
	MaxCircuits    int `yaml:"max_circuits"`
	MaxConnections int `yaml:"max_peer_connections"`

	MixingDelayMaxMS   int  `yaml:"mixing_delay_max_ms"`
	CoverTrafficEnable bool `yaml:"cover_traffic_enabled"`

	MeshType      MeshType `yaml:"mesh_type"`
	Role          string   `yaml:"role"`
	SupernodeList []string `yaml:"supernode_list"`

	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// Defaults returns a Config with every documented default value set.
func Defaults() Config {
	return Config{
		Port:               3000,
		K:                  20,
		Alpha:              3,
		CircuitLength:      3,
		MaxCircuits:        64,
		MaxConnections:     8,
		MixingDelayMaxMS:   100,
		CoverTrafficEnable: true,
		MeshType:           MeshUnstructured,
		Role:               "peer",
	}
}

// Load reads and parses the YAML file at path, applying Defaults() to any
// field the file omits. A field the file sets explicitly keeps the file's
// value, even when that value is zero.
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working node.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.K <= 0 {
		return fmt.Errorf("k must be positive, got %d", c.K)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("alpha must be positive, got %d", c.Alpha)
	}
	if c.CircuitLength <= 0 {
		return fmt.Errorf("circuit_length must be positive, got %d", c.CircuitLength)
	}
	if c.MeshType != MeshStructured && c.MeshType != MeshUnstructured {
		return fmt.Errorf("mesh_type must be %q or %q, got %q", MeshStructured, MeshUnstructured, c.MeshType)
	}
	if c.MeshType == MeshStructured && len(c.SupernodeList) == 0 {
		return fmt.Errorf("mesh_type %q requires a non-empty supernode_list", MeshStructured)
	}
	return nil
}
