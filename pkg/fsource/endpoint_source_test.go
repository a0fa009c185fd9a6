// Package fsource tests exercise the source handlers directly with
// files in a temporary directory; the watcher plumbing is a thin layer
// over fsnotify and is covered by the dispatch test.
package fsource

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/opendaylight/opflex-agent/pkg/epmanager"
	"github.com/opendaylight/opflex-agent/pkg/model"
	"github.com/opendaylight/opflex-agent/pkg/servicemanager"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestEndpointSourceLifecycle verifies update/delete flow into the
// manager
func TestEndpointSourceLifecycle(t *testing.T) {
	dir := t.TempDir()
	mgr := epmanager.NewManager()
	src := NewEndpointSource(NewWatcher(), dir, mgr)

	path := writeFile(t, dir, "ep1.ep", `{
		"uuid": "u1", "interface-name": "veth0",
		"endpoint-group": "/PolicyUniverse/PolicySpace/t/GbpEpGroup/g/"
	}`)
	src.Updated(path)

	if ep, _ := mgr.GetEndpoint("u1"); ep == nil {
		t.Fatal("endpoint not ingested")
	}

	src.Deleted(path)
	if ep, _ := mgr.GetEndpoint("u1"); ep != nil {
		t.Fatal("endpoint not removed")
	}
}

// TestEndpointSourceUUIDChange verifies a file rewritten with a new
// uuid yields one removal of the old uuid and one update of the new
// uuid, in that order.
func TestEndpointSourceUUIDChange(t *testing.T) {
	dir := t.TempDir()
	mgr := epmanager.NewManager()
	src := NewEndpointSource(NewWatcher(), dir, mgr)

	var events []string
	mgr.RegisterListener(epmanager.ListenerFunc(func(uuid string) {
		events = append(events, uuid)
	}))

	path := writeFile(t, dir, "ep1.ep", `{"uuid": "old", "interface-name": "veth0"}`)
	src.Updated(path)

	writeFile(t, dir, "ep1.ep", `{"uuid": "new", "interface-name": "veth0"}`)
	src.Updated(path)

	want := []string{"old", "old", "new"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	// no window in which both uuids share the interface binding
	if got := mgr.GetEndpointsByIface("veth0"); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("iface binding = %v, want [new]", got)
	}
}

// TestEndpointSourceMalformed verifies a bad file leaves state
// untouched
func TestEndpointSourceMalformed(t *testing.T) {
	dir := t.TempDir()
	mgr := epmanager.NewManager()
	src := NewEndpointSource(NewWatcher(), dir, mgr)

	good := writeFile(t, dir, "ep1.ep", `{"uuid": "u1"}`)
	src.Updated(good)

	bad := writeFile(t, dir, "ep1.ep", `{"uuid": `)
	src.Updated(bad)

	if ep, _ := mgr.GetEndpoint("u1"); ep == nil {
		t.Error("existing endpoint lost after malformed update")
	}
}

// TestEndpointSourceSuffixes verifies suffix matching
func TestEndpointSourceSuffixes(t *testing.T) {
	src := NewEndpointSource(NewWatcher(), t.TempDir(), epmanager.NewManager())
	tests := map[string]bool{
		"a.ep":      true,
		"a.extep":   true,
		"a.service": false,
		"a.eptmp":   false,
	}
	for name, want := range tests {
		if got := src.Matches(name); got != want {
			t.Errorf("Matches(%q) = %v, want %v", name, got, want)
		}
	}
}

// TestServiceSourceLifecycle verifies service files flow into the
// service manager
func TestServiceSourceLifecycle(t *testing.T) {
	dir := t.TempDir()
	mgr := servicemanager.NewManager()
	src := NewServiceSource(NewWatcher(), dir, mgr)

	path := writeFile(t, dir, "svc1.service", `{
		"uuid": "s1", "interface-name": "veth-svc",
		"service-mode": "local-anycast"
	}`)
	src.Updated(path)

	svc := mgr.GetService("s1")
	if svc == nil {
		t.Fatal("service not ingested")
	}
	if scope, _ := svc.Attributes.Get(model.ServiceScopeAttr); scope != model.ServiceScopeCluster {
		t.Errorf("scope = %q", scope)
	}

	src.Deleted(path)
	if mgr.GetService("s1") != nil {
		t.Fatal("service not removed")
	}
}

// dropRecorder records drop-log listener calls
type dropRecorder struct {
	configs []*model.PacketDropLogConfig
	flows   []*model.PacketDropFlowSpec
	deleted []string
}

func (r *dropRecorder) DropLogConfigUpdated(cfg *model.PacketDropLogConfig) {
	r.configs = append(r.configs, cfg)
}
func (r *dropRecorder) DropFlowUpdated(spec *model.PacketDropFlowSpec) {
	r.flows = append(r.flows, spec)
}
func (r *dropRecorder) DropFlowDeleted(uuid string) {
	r.deleted = append(r.deleted, uuid)
}

// TestDropLogSource verifies both drop-log file kinds
func TestDropLogSource(t *testing.T) {
	dir := t.TempDir()
	rec := &dropRecorder{}
	src := NewDropLogSource(NewWatcher(), dir, rec)

	cfgPath := writeFile(t, dir, "a.droplogcfg",
		`{"drop-log-enable": true, "drop-log-mode": "flow-based"}`)
	src.Updated(cfgPath)
	if len(rec.configs) != 1 || !rec.configs[0].Enable {
		t.Fatalf("configs = %v", rec.configs)
	}

	flowPath := writeFile(t, dir, "f.dropflowcfg",
		`{"uuid": "flow1", "outer-src-ip-address": "1.2.3.4"}`)
	src.Updated(flowPath)
	if len(rec.flows) != 1 || rec.flows[0].UUID != "flow1" {
		t.Fatalf("flows = %v", rec.flows)
	}

	// deleting the config file arrives as disabled
	src.Deleted(cfgPath)
	if last := rec.configs[len(rec.configs)-1]; last.Enable {
		t.Error("deleted config not delivered as disabled")
	}

	src.Deleted(flowPath)
	if len(rec.deleted) != 1 || rec.deleted[0] != "flow1" {
		t.Errorf("deleted = %v", rec.deleted)
	}
}

// TestWatcherDispatch verifies hidden files and foreign suffixes are
// filtered at the watcher layer
func TestWatcherDispatch(t *testing.T) {
	dir := t.TempDir()
	mgr := epmanager.NewManager()
	w := NewWatcher()
	NewEndpointSource(w, dir, mgr)

	writeFile(t, dir, ".hidden.ep", `{"uuid": "hidden"}`)
	writeFile(t, dir, "seen.ep", `{"uuid": "seen"}`)
	writeFile(t, dir, "other.txt", `{"uuid": "other"}`)

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if ep, _ := mgr.GetEndpoint("seen"); ep == nil {
		t.Error("matching file not replayed at start")
	}
	if ep, _ := mgr.GetEndpoint("hidden"); ep != nil {
		t.Error("hidden file was ingested")
	}
	if ep, _ := mgr.GetEndpoint("other"); ep != nil {
		t.Error("foreign suffix was ingested")
	}
}
