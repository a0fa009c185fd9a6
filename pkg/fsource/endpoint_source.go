package fsource

import (
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/opendaylight/opflex-agent/pkg/epmanager"
	"github.com/opendaylight/opflex-agent/pkg/model"
)

// Recognized endpoint file suffixes
const (
	epSuffix    = ".ep"
	extEpSuffix = ".extep"
)

// EndpointSource translates .ep and .extep files into endpoint updates
// against the endpoint manager
type EndpointSource struct {
	manager *epmanager.Manager

	mu sync.Mutex

	// known maps file path to the uuid it last declared, so a file
	// rewritten with a new uuid first withdraws the old record
	known map[string]string
}

// NewEndpointSource creates an endpoint source feeding the manager and
// registers it on the watcher for the directory
func NewEndpointSource(watcher *Watcher, dir string, manager *epmanager.Manager) *EndpointSource {
	s := &EndpointSource{
		manager: manager,
		known:   make(map[string]string),
	}
	watcher.AddWatch(dir, s)
	return s
}

// Matches implements Handler
func (s *EndpointSource) Matches(name string) bool {
	return strings.HasSuffix(name, epSuffix) || strings.HasSuffix(name, extEpSuffix)
}

// Updated implements Handler
func (s *EndpointSource) Updated(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		klog.Errorf("Could not read endpoint file %s: %v", path, err)
		return
	}
	external := strings.HasSuffix(path, extEpSuffix)
	ep, err := model.ParseEndpoint(data, external)
	if err != nil {
		klog.Errorf("Could not parse endpoint file %s: %v", path, err)
		return
	}

	s.mu.Lock()
	oldUUID, had := s.known[path]
	s.known[path] = ep.UUID
	s.mu.Unlock()

	if had && oldUUID != ep.UUID {
		s.manager.RemoveEndpoint(oldUUID)
	}
	s.manager.UpdateEndpoint(ep)
	klog.V(4).Infof("Updated endpoint %s from %s", ep.UUID, path)
}

// Deleted implements Handler
func (s *EndpointSource) Deleted(path string) {
	s.mu.Lock()
	uuid, ok := s.known[path]
	delete(s.known, path)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.manager.RemoveEndpoint(uuid)
	klog.V(4).Infof("Removed endpoint %s for %s", uuid, path)
}
