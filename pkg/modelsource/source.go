// Package modelsource feeds the endpoint manager from a replicated
// managed-object inventory.
//
// The inventory is the second declaration source next to the watched
// filesystem directories. Both sources share the same capability
// interface toward the manager — Updated(key) and Deleted(key) — and
// the manager cannot tell which source produced a record; records from
// both sources share the manager's state by uuid.
package modelsource

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/opendaylight/opflex-agent/pkg/epmanager"
	"github.com/opendaylight/opflex-agent/pkg/model"
)

// InventoryEndpoint is the inventory's endpoint record shape
type InventoryEndpoint struct {
	// UUID identifies the endpoint
	UUID string

	// MAC is the endpoint MAC-48 address in text form
	MAC string

	// IPs are the endpoint addresses
	IPs []string

	// EgURI is the endpoint group reference, already in URI form
	EgURI string

	// SecurityGroupURIs are the security group references
	SecurityGroupURIs []string

	// InterfaceName is the integration bridge port binding
	InterfaceName string

	// Promiscuous and DiscoveryProxy mirror the endpoint flags
	Promiscuous    bool
	DiscoveryProxy bool

	// Attributes is operator metadata in declaration order
	Attributes [][2]string
}

// Store resolves inventory object URIs to endpoint records
type Store interface {
	// GetEndpoint returns the record at the URI, or false if the
	// object is absent or not an endpoint
	GetEndpoint(uri string) (*InventoryEndpoint, bool)
}

// Source translates inventory object changes into endpoint manager
// updates
type Source struct {
	manager *epmanager.Manager
	store   Store

	mu sync.Mutex

	// known maps object URI to the uuid it last declared
	known map[string]string
}

// New creates an inventory source feeding the manager
func New(manager *epmanager.Manager, store Store) *Source {
	return &Source{
		manager: manager,
		store:   store,
		known:   make(map[string]string),
	}
}

// Updated ingests a created or modified inventory object
func (s *Source) Updated(uri string) {
	rec, ok := s.store.GetEndpoint(uri)
	if !ok {
		klog.V(4).Infof("Inventory object %s is not an endpoint", uri)
		return
	}
	ep, err := translate(rec)
	if err != nil {
		klog.Errorf("Could not translate inventory endpoint %s: %v", uri, err)
		return
	}

	s.mu.Lock()
	oldUUID, had := s.known[uri]
	s.known[uri] = ep.UUID
	s.mu.Unlock()

	if had && oldUUID != ep.UUID {
		s.manager.RemoveEndpoint(oldUUID)
	}
	s.manager.UpdateEndpoint(ep)
	klog.V(4).Infof("Updated endpoint %s from inventory %s", ep.UUID, uri)
}

// Deleted ingests a removed inventory object
func (s *Source) Deleted(uri string) {
	s.mu.Lock()
	uuid, ok := s.known[uri]
	delete(s.known, uri)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.manager.RemoveEndpoint(uuid)
	klog.V(4).Infof("Removed endpoint %s for inventory %s", uuid, uri)
}

// translate builds the uniform endpoint record from the inventory
// shape
func translate(rec *InventoryEndpoint) (*model.Endpoint, error) {
	attrs := model.NewAttrMap()
	for _, kv := range rec.Attributes {
		attrs.Set(kv[0], kv[1])
	}
	ep := &model.Endpoint{
		UUID:           rec.UUID,
		MAC:            rec.MAC,
		IPs:            append([]string(nil), rec.IPs...),
		EgURI:          rec.EgURI,
		InterfaceName:  rec.InterfaceName,
		Promiscuous:    rec.Promiscuous,
		DiscoveryProxy: rec.DiscoveryProxy,
		Attributes:     attrs,
	}
	for _, uri := range rec.SecurityGroupURIs {
		// inventory security groups arrive with pre-built URIs
		ep.SecurityGroups = append(ep.SecurityGroups, model.SecGroup{Name: uri})
	}
	if err := ep.Normalize(); err != nil {
		return nil, err
	}
	return ep, nil
}
