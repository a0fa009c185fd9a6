// Package config provides configuration management for the opflex
// agent.
//
// The agent configuration is a JSON document; parsing goes through the
// YAML decoder, which accepts JSON as a subset and tolerates unknown
// keys, so options this build does not recognize are ignored silently.
// Missing optional sections fall back to defaults.
//
// Configuration Priority (highest to lowest):
// 1. Environment variable overrides (OPFLEX_AGENT_*)
// 2. Configuration file
// 3. Default values
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration structure
type Config struct {
	// Log contains logging configuration
	Log LogConfig `yaml:"log"`

	// Opflex contains the opflex protocol and local-IPC settings
	Opflex OpflexConfig `yaml:"opflex"`

	// EndpointSources lists the endpoint declaration sources
	EndpointSources SourcesConfig `yaml:"endpoint-sources"`

	// ServiceSources lists the service declaration sources
	ServiceSources SourcesConfig `yaml:"service-sources"`

	// DropLogConfigSources lists the packet drop-log configuration
	// sources
	DropLogConfigSources SourcesConfig `yaml:"drop-log-config-sources"`

	// Plugins selects the renderer plugins to load
	Plugins PluginsConfig `yaml:"plugins"`

	// Renderers carries per-renderer configuration, keyed by renderer
	// name; sections for renderers that are not loaded are ignored
	Renderers map[string]yaml.Node `yaml:"renderers"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Level is the log level: debug, info, warn, error
	// Default: info
	Level string `yaml:"level"`
}

// OpflexConfig contains opflex protocol settings
type OpflexConfig struct {
	// Name identifies this agent to the policy repository
	Name string `yaml:"name"`

	// Domain is the opflex administrative domain
	Domain string `yaml:"domain"`

	// Peers are the policy repository endpoints
	Peers []PeerConfig `yaml:"peers"`

	// SSL configures the repository connection security
	SSL SSLConfig `yaml:"ssl"`

	// Inspector configures the local inspector socket
	Inspector InspectorConfig `yaml:"inspector"`

	// Notif configures the local notification socket
	Notif NotifConfig `yaml:"notif"`

	// IDCacheDir is the directory holding id-generator persistence
	// files
	IDCacheDir string `yaml:"idcache-dir"`
}

// PeerConfig identifies one policy repository peer
type PeerConfig struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

// SSLConfig contains SSL settings for the repository connection
type SSLConfig struct {
	// Mode is one of disabled, encrypted, secure
	// Default: disabled
	Mode string `yaml:"mode"`

	// CAStore is the path to the CA certificate store
	CAStore string `yaml:"ca-store"`

	// ClientCert is the client certificate configuration
	ClientCert ClientCertConfig `yaml:"client-cert"`
}

// ClientCertConfig locates the client certificate
type ClientCertConfig struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
}

// InspectorConfig configures the inspector socket
type InspectorConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	SocketName string `yaml:"socket-name"`
}

// NotifConfig configures the notification socket
type NotifConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	SocketName        string `yaml:"socket-name"`
	SocketOwner       string `yaml:"socket-owner"`
	SocketGroup       string `yaml:"socket-group"`
	SocketPermissions string `yaml:"socket-permissions"`
}

// SourcesConfig lists declaration sources of one kind
type SourcesConfig struct {
	// Filesystem lists watched directories
	Filesystem []string `yaml:"filesystem"`

	// ModelLocal lists inventory source names
	ModelLocal []string `yaml:"model-local"`
}

// PluginsConfig selects renderer plugins
type PluginsConfig struct {
	Renderer []string `yaml:"renderer"`
}

// OVSRendererConfig is the configuration of the openvswitch renderer
type OVSRendererConfig struct {
	// IntBridgeName is the integration bridge
	// Default: br-int
	IntBridgeName string `yaml:"int-bridge-name"`

	// AccessBridgeName is the access bridge
	// Default: br-access
	AccessBridgeName string `yaml:"access-bridge-name"`

	// OvsdbSocket is the OVSDB server address, "unix:<path>" or
	// "tcp:<host>:<port>"
	// Default: unix:/var/run/openvswitch/db.sock
	OvsdbSocket string `yaml:"ovsdb-socket"`

	// FlowIDCacheDir overrides Opflex.IDCacheDir for flow ids
	FlowIDCacheDir string `yaml:"flowid-cache-dir"`

	// UplinkIface is the encapsulation uplink interface
	UplinkIface string `yaml:"uplink-iface"`

	// UplinkVlan is the VLAN tag on the uplink, 0 for untagged
	UplinkVlan uint16 `yaml:"uplink-vlan"`

	// EncapIP overrides uplink address discovery
	EncapIP string `yaml:"encap-ip"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Opflex: OpflexConfig{
			SSL: SSLConfig{Mode: "disabled"},
		},
	}
}

// Load reads and parses the configuration file, applying defaults and
// environment overrides
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies OPFLEX_AGENT_* environment variables
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPFLEX_AGENT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("OPFLEX_AGENT_NOTIF_SOCKET"); v != "" {
		c.Opflex.Notif.SocketName = v
	}
	if v := os.Getenv("OPFLEX_AGENT_IDCACHE_DIR"); v != "" {
		c.Opflex.IDCacheDir = v
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch c.Opflex.SSL.Mode {
	case "", "disabled", "encrypted", "secure":
	default:
		return fmt.Errorf("invalid opflex.ssl.mode %q", c.Opflex.SSL.Mode)
	}
	for _, p := range c.Opflex.Peers {
		if p.Hostname == "" {
			return fmt.Errorf("opflex.peers entry missing hostname")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("opflex.peers entry for %s: invalid port %d",
				p.Hostname, p.Port)
		}
	}
	if c.Opflex.Notif.SocketPermissions != "" {
		if _, err := strconv.ParseUint(c.Opflex.Notif.SocketPermissions, 8, 32); err != nil {
			return fmt.Errorf("invalid opflex.notif.socket-permissions %q",
				c.Opflex.Notif.SocketPermissions)
		}
	}
	return nil
}

// NotifEnabled reports whether the notification server should run
func (c *Config) NotifEnabled() bool {
	if c.Opflex.Notif.Enabled != nil {
		return *c.Opflex.Notif.Enabled
	}
	return c.Opflex.Notif.SocketName != ""
}

// OVSRenderer decodes the openvswitch renderer section, applying
// defaults for missing options
func (c *Config) OVSRenderer() (*OVSRendererConfig, error) {
	out := &OVSRendererConfig{
		IntBridgeName:    "br-int",
		AccessBridgeName: "br-access",
		OvsdbSocket:      "unix:/var/run/openvswitch/db.sock",
	}
	node, ok := c.Renderers["openvswitch"]
	if !ok {
		return out, nil
	}
	if err := node.Decode(out); err != nil {
		return nil, fmt.Errorf("parsing renderers.openvswitch: %w", err)
	}
	return out, nil
}
