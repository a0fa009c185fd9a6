package fsource

import (
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/opendaylight/opflex-agent/pkg/model"
	"github.com/opendaylight/opflex-agent/pkg/servicemanager"
)

// Recognized service file suffixes
const (
	asSuffix      = ".as"
	serviceSuffix = ".service"
)

// ServiceSource translates .as and .service files into service updates
// against the service manager
type ServiceSource struct {
	manager *servicemanager.Manager

	mu    sync.Mutex
	known map[string]string
}

// NewServiceSource creates a service source feeding the manager and
// registers it on the watcher for the directory
func NewServiceSource(watcher *Watcher, dir string, manager *servicemanager.Manager) *ServiceSource {
	s := &ServiceSource{
		manager: manager,
		known:   make(map[string]string),
	}
	watcher.AddWatch(dir, s)
	return s
}

// Matches implements Handler
func (s *ServiceSource) Matches(name string) bool {
	return strings.HasSuffix(name, asSuffix) || strings.HasSuffix(name, serviceSuffix)
}

// Updated implements Handler
func (s *ServiceSource) Updated(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		klog.Errorf("Could not read service file %s: %v", path, err)
		return
	}
	svc, err := model.ParseService(data)
	if err != nil {
		klog.Errorf("Could not parse service file %s: %v", path, err)
		return
	}

	s.mu.Lock()
	oldUUID, had := s.known[path]
	s.known[path] = svc.UUID
	s.mu.Unlock()

	if had && oldUUID != svc.UUID {
		s.manager.RemoveService(oldUUID)
	}
	s.manager.UpdateService(svc)
	klog.V(4).Infof("Updated service %s from %s", svc.UUID, path)
}

// Deleted implements Handler
func (s *ServiceSource) Deleted(path string) {
	s.mu.Lock()
	uuid, ok := s.known[path]
	delete(s.known, path)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.manager.RemoveService(uuid)
	klog.V(4).Infof("Removed service %s for %s", uuid, path)
}
