// Package servicemanager maintains the canonical in-memory service set
// for the policy agent.
//
// Service declarations arrive from the filesystem source; the manager
// indexes them by interface name and routing-domain URI and notifies
// listeners on change. An update is processed as delete-then-insert
// because upstream never rewrites a service file in place: a changed
// declaration is a new object identity, and external registries keyed
// on that identity must observe the removal first.
package servicemanager

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/opendaylight/opflex-agent/pkg/model"
)

// ServiceListener receives change notifications for services
type ServiceListener interface {
	ServiceUpdated(uuid string)
}

// ListenerFunc adapts a function to the ServiceListener interface
type ListenerFunc func(uuid string)

// ServiceUpdated implements ServiceListener
func (f ListenerFunc) ServiceUpdated(uuid string) { f(uuid) }

// Manager holds the canonical service set with its reverse indices
type Manager struct {
	mu sync.Mutex

	services map[string]*model.Service

	// reverse indices; values are service uuids
	ifaceSvcs  map[string]sets.Set[string]
	domainSvcs map[string]sets.Set[string]

	listenerMu sync.Mutex
	listeners  []ServiceListener
}

// NewManager creates an empty service manager
func NewManager() *Manager {
	return &Manager{
		services:   make(map[string]*model.Service),
		ifaceSvcs:  make(map[string]sets.Set[string]),
		domainSvcs: make(map[string]sets.Set[string]),
	}
}

// RegisterListener adds a listener for service change notifications
func (m *Manager) RegisterListener(l ServiceListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// UnregisterListener removes a previously registered listener
func (m *Manager) UnregisterListener(l ServiceListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, reg := range m.listeners {
		if reg == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyListeners(uuid string) {
	m.listenerMu.Lock()
	listeners := append([]ServiceListener(nil), m.listeners...)
	m.listenerMu.Unlock()
	for _, l := range listeners {
		l.ServiceUpdated(uuid)
	}
}

// UpdateService upserts a service by uuid. An existing service with the
// same uuid is removed first, and the removal is delivered to listeners
// as a distinct event before the insert notification.
func (m *Manager) UpdateService(svc *model.Service) {
	if svc == nil || svc.UUID == "" {
		return
	}
	svc = svc.Copy()

	m.mu.Lock()
	existed := false
	if old, ok := m.services[svc.UUID]; ok {
		m.removeIndexesLocked(old)
		delete(m.services, svc.UUID)
		existed = true
	}
	m.mu.Unlock()
	if existed {
		m.notifyListeners(svc.UUID)
	}

	m.mu.Lock()
	m.services[svc.UUID] = svc
	m.installIndexesLocked(svc)
	m.mu.Unlock()

	m.notifyListeners(svc.UUID)
}

// RemoveService removes a service from the forward map and every
// reverse index and notifies listeners.
func (m *Manager) RemoveService(uuid string) {
	m.mu.Lock()
	svc, ok := m.services[uuid]
	if ok {
		m.removeIndexesLocked(svc)
		delete(m.services, uuid)
	}
	m.mu.Unlock()

	if ok {
		m.notifyListeners(uuid)
	}
}

func (m *Manager) installIndexesLocked(svc *model.Service) {
	if svc.InterfaceName != "" {
		indexAdd(m.ifaceSvcs, svc.InterfaceName, svc.UUID)
	}
	if domain := svc.ResolvedDomainURI(); domain != "" {
		indexAdd(m.domainSvcs, domain, svc.UUID)
	}
}

func (m *Manager) removeIndexesLocked(svc *model.Service) {
	if svc.InterfaceName != "" {
		indexDel(m.ifaceSvcs, svc.InterfaceName, svc.UUID)
	}
	if domain := svc.ResolvedDomainURI(); domain != "" {
		indexDel(m.domainSvcs, domain, svc.UUID)
	}
}

// GetService returns a snapshot of the service, or nil if unknown
func (m *Manager) GetService(uuid string) *model.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[uuid]; ok {
		return svc.Copy()
	}
	return nil
}

// GetServicesByIface returns the uuids of services bound to an
// interface name
func (m *Manager) GetServicesByIface(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.ifaceSvcs[name])
}

// GetServicesByDomain returns the uuids of services in a routing domain
func (m *Manager) GetServicesByDomain(domainURI string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.domainSvcs[domainURI])
}

// ServiceCount returns the number of services in the model
func (m *Manager) ServiceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.services)
}

func indexAdd(idx map[string]sets.Set[string], key, uuid string) {
	set, ok := idx[key]
	if !ok {
		set = sets.New[string]()
		idx[key] = set
	}
	set.Insert(uuid)
}

func indexDel(idx map[string]sets.Set[string], key, uuid string) {
	if set, ok := idx[key]; ok {
		set.Delete(uuid)
		if set.Len() == 0 {
			delete(idx, key)
		}
	}
}
