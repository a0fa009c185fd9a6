// Package agent composition tests.
package agent

import (
	"testing"

	"github.com/opendaylight/opflex-agent/pkg/config"
	"github.com/opendaylight/opflex-agent/pkg/logging"
	"github.com/opendaylight/opflex-agent/pkg/model"
)

func testAgent(t *testing.T, cfg *config.Config) *Agent {
	t.Helper()
	log, err := logging.NewLogger(logging.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// TestStartStop verifies the agent lifecycle with minimal
// configuration
func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.EndpointSources.Filesystem = []string{t.TempDir()}
	cfg.Opflex.IDCacheDir = t.TempDir()

	a := testAgent(t, cfg)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	// namespaces are initialized with the full id space
	for _, ns := range IDNamespaces {
		if remaining := a.IDGen.RemainingIDs(ns); remaining == 0 {
			t.Errorf("namespace %s not initialized", ns)
		}
	}

	// the managers are live
	a.EndpointManager.UpdateEndpoint(&model.Endpoint{UUID: "u1"})
	if got := a.EndpointManager.EndpointCount(); got != 1 {
		t.Errorf("endpoint count = %d", got)
	}
}

// TestStopIsIdempotent verifies repeated stops are harmless
func TestStopIsIdempotent(t *testing.T) {
	a := testAgent(t, config.DefaultConfig())
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	a.Stop()
	a.Stop()
}
