// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opflex-agent.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoadJSON parses the historical JSON configuration format
func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, `{
		"log": {"level": "debug"},
		"opflex": {
			"name": "example-agent",
			"domain": "example-domain",
			"peers": [{"hostname": "10.0.0.30", "port": 8009}],
			"ssl": {"mode": "encrypted", "ca-store": "/etc/ssl/certs/"},
			"notif": {
				"socket-name": "/var/run/opflex-agent-notif.sock",
				"socket-owner": "root",
				"socket-permissions": "600"
			}
		},
		"endpoint-sources": {
			"filesystem": ["/var/lib/opflex-agent/endpoints"],
			"model-local": ["default"]
		},
		"service-sources": {"filesystem": ["/var/lib/opflex-agent/services"]},
		"renderers": {
			"openvswitch": {
				"int-bridge-name": "br-fabric",
				"ovsdb-socket": "unix:/var/run/openvswitch/db.sock",
				"flowid-cache-dir": "/var/lib/opflex-agent/ids",
				"uplink-iface": "bond0",
				"uplink-vlan": 4093
			}
		},
		"this-option-is-unknown": {"and": "ignored"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Opflex.Name != "example-agent" || cfg.Opflex.Domain != "example-domain" {
		t.Errorf("opflex identity = %q/%q", cfg.Opflex.Name, cfg.Opflex.Domain)
	}
	if len(cfg.Opflex.Peers) != 1 || cfg.Opflex.Peers[0].Port != 8009 {
		t.Errorf("peers = %v", cfg.Opflex.Peers)
	}
	if cfg.Opflex.SSL.Mode != "encrypted" {
		t.Errorf("ssl mode = %q", cfg.Opflex.SSL.Mode)
	}
	if !cfg.NotifEnabled() {
		t.Error("notif not enabled despite socket-name")
	}
	want := []string{"/var/lib/opflex-agent/endpoints"}
	if !reflect.DeepEqual(cfg.EndpointSources.Filesystem, want) {
		t.Errorf("endpoint sources = %v", cfg.EndpointSources.Filesystem)
	}

	ovs, err := cfg.OVSRenderer()
	if err != nil {
		t.Fatal(err)
	}
	if ovs.IntBridgeName != "br-fabric" {
		t.Errorf("int bridge = %q", ovs.IntBridgeName)
	}
	if ovs.AccessBridgeName != "br-access" {
		t.Errorf("access bridge default = %q", ovs.AccessBridgeName)
	}
	if ovs.UplinkVlan != 4093 {
		t.Errorf("uplink vlan = %d", ovs.UplinkVlan)
	}
}

// TestDefaults verifies an empty configuration gets defaults
func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level = %q", cfg.Log.Level)
	}
	if cfg.NotifEnabled() {
		t.Error("notif enabled by default")
	}
	ovs, _ := cfg.OVSRenderer()
	if ovs.OvsdbSocket != "unix:/var/run/openvswitch/db.sock" {
		t.Errorf("default ovsdb socket = %q", ovs.OvsdbSocket)
	}
}

// TestValidation rejects inconsistent configurations
func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad log level", `{"log": {"level": "noisy"}}`},
		{"bad ssl mode", `{"opflex": {"ssl": {"mode": "plaintext"}}}`},
		{"bad peer port", `{"opflex": {"peers": [{"hostname": "h", "port": 99999}]}}`},
		{"peer missing hostname", `{"opflex": {"peers": [{"port": 8009}]}}`},
		{"bad socket permissions", `{"opflex": {"notif": {"socket-permissions": "rwx"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.data)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// TestEnvOverride verifies environment overrides win over the file
func TestEnvOverride(t *testing.T) {
	t.Setenv("OPFLEX_AGENT_LOG_LEVEL", "warn")
	cfg, err := Load(writeConfig(t, `{"log": {"level": "info"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want env override warn", cfg.Log.Level)
	}
}
