package epmanager

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/opendaylight/opflex-agent/pkg/model"
)

// GroupInfo describes the forwarding contexts of a resolved endpoint
// group. It is published into the manager by whoever resolves policy
// (the inventory adapter in this agent).
type GroupInfo struct {
	// BridgeDomainURI is the L2 forwarding context owning the group
	BridgeDomainURI string

	// RoutingDomainURI is the L3 forwarding context owning the group
	RoutingDomainURI string

	// RoutingDisabled suppresses L3 registry entries for endpoints in
	// the group
	RoutingDisabled bool
}

// L2Key identifies an endpoint in the L2 discovery registry
type L2Key struct {
	BridgeDomainURI string
	MAC             string
}

// L3Key identifies an endpoint address in the L3 discovery registry
type L3Key struct {
	RoutingDomainURI string
	IP               string
}

// endpointState is the tracked state for one endpoint uuid
type endpointState struct {
	endpoint *model.Endpoint

	// egURI is the resolved effective group; empty while unresolved
	egURI string

	l2Keys []L2Key
	l3Keys []L3Key
}

// Manager holds the canonical endpoint set with its reverse indices and
// the L2/L3 discovery registries.
type Manager struct {
	mu sync.Mutex

	endpoints map[string]*endpointState

	// reverse indices; all values are endpoint uuids
	groupEps        map[string]sets.Set[string]
	ifaceEps        map[string]sets.Set[string]
	accessIfaceEps  map[string]sets.Set[string]
	accessUplinkEps map[string]sets.Set[string]
	ipmGroupEps     map[string]sets.Set[string]
	ipmNextHopEps   map[string]sets.Set[string]

	// attribute-mapping state
	mappings map[string]*EpgMapping
	aliasEps map[string]sets.Set[string]
	extAttrs map[string]*model.AttrMap

	// group forwarding contexts, keyed by group URI
	groupInfo map[string]GroupInfo

	// discovery registries
	l2Registry map[L2Key]string
	l3Registry map[L3Key]string

	listenerMu sync.Mutex
	listeners  []EndpointListener
}

// NewManager creates an empty endpoint manager
func NewManager() *Manager {
	return &Manager{
		endpoints:       make(map[string]*endpointState),
		groupEps:        make(map[string]sets.Set[string]),
		ifaceEps:        make(map[string]sets.Set[string]),
		accessIfaceEps:  make(map[string]sets.Set[string]),
		accessUplinkEps: make(map[string]sets.Set[string]),
		ipmGroupEps:     make(map[string]sets.Set[string]),
		ipmNextHopEps:   make(map[string]sets.Set[string]),
		mappings:        make(map[string]*EpgMapping),
		aliasEps:        make(map[string]sets.Set[string]),
		extAttrs:        make(map[string]*model.AttrMap),
		groupInfo:       make(map[string]GroupInfo),
		l2Registry:      make(map[L2Key]string),
		l3Registry:      make(map[L3Key]string),
	}
}

// RegisterListener adds a listener for endpoint change notifications
func (m *Manager) RegisterListener(l EndpointListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// UnregisterListener removes a previously registered listener
func (m *Manager) UnregisterListener(l EndpointListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, reg := range m.listeners {
		if reg == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners runs outside the state mutex
func (m *Manager) notifyListeners(uuids ...string) {
	m.listenerMu.Lock()
	listeners := append([]EndpointListener(nil), m.listeners...)
	m.listenerMu.Unlock()
	for _, l := range listeners {
		for _, uuid := range uuids {
			l.EndpointUpdated(uuid)
		}
	}
}

// UpdateEndpoint upserts an endpoint by uuid. Existing index and
// registry entries for the uuid are withdrawn before the new state is
// installed, then the endpoint is resolved to its effective group and
// republished. Listeners are notified with the uuid.
func (m *Manager) UpdateEndpoint(ep *model.Endpoint) {
	if ep == nil || ep.UUID == "" {
		return
	}
	ep = ep.Copy()

	m.mu.Lock()
	if old, ok := m.endpoints[ep.UUID]; ok {
		m.removeIndexesLocked(old)
	}
	state := &endpointState{endpoint: ep}
	m.endpoints[ep.UUID] = state
	m.installIndexesLocked(state)
	m.mu.Unlock()

	m.notifyListeners(ep.UUID)
}

// RemoveEndpoint removes an endpoint from the forward map and every
// reverse index, withdraws its registry entries and notifies listeners.
// Removing an unknown uuid is a no-op and notifies no listener.
func (m *Manager) RemoveEndpoint(uuid string) {
	m.mu.Lock()
	state, ok := m.endpoints[uuid]
	if ok {
		m.removeIndexesLocked(state)
		delete(m.endpoints, uuid)
	}
	m.mu.Unlock()

	if ok {
		m.notifyListeners(uuid)
	}
}

// installIndexesLocked resolves the endpoint and installs every reverse
// index and registry entry. Caller holds m.mu.
func (m *Manager) installIndexesLocked(state *endpointState) {
	ep := state.endpoint
	uuid := ep.UUID

	if ep.EgMappingAlias != "" {
		indexAdd(m.aliasEps, ep.EgMappingAlias, uuid)
	}
	if ep.InterfaceName != "" {
		indexAdd(m.ifaceEps, ep.InterfaceName, uuid)
	}
	if ep.AccessInterface != "" {
		indexAdd(m.accessIfaceEps, ep.AccessInterface, uuid)
	}
	if ep.AccessUplinkInterface != "" {
		indexAdd(m.accessUplinkEps, ep.AccessUplinkInterface, uuid)
	}
	for i := range ep.IPAddressMappings {
		ipm := &ep.IPAddressMappings[i]
		if g := ipm.GroupURI(); g != "" {
			indexAdd(m.ipmGroupEps, g, uuid)
		}
		if ipm.NextHopIf != "" {
			indexAdd(m.ipmNextHopEps, ipm.NextHopIf, uuid)
		}
	}

	state.egURI = m.resolveGroupLocked(ep)
	if state.egURI != "" {
		indexAdd(m.groupEps, state.egURI, uuid)
		m.publishRegistryLocked(state)
	}
}

// removeIndexesLocked withdraws every reverse index and registry entry
// for the endpoint. Caller holds m.mu.
func (m *Manager) removeIndexesLocked(state *endpointState) {
	ep := state.endpoint
	uuid := ep.UUID

	if ep.EgMappingAlias != "" {
		indexDel(m.aliasEps, ep.EgMappingAlias, uuid)
	}
	if ep.InterfaceName != "" {
		indexDel(m.ifaceEps, ep.InterfaceName, uuid)
	}
	if ep.AccessInterface != "" {
		indexDel(m.accessIfaceEps, ep.AccessInterface, uuid)
	}
	if ep.AccessUplinkInterface != "" {
		indexDel(m.accessUplinkEps, ep.AccessUplinkInterface, uuid)
	}
	for i := range ep.IPAddressMappings {
		ipm := &ep.IPAddressMappings[i]
		if g := ipm.GroupURI(); g != "" {
			indexDel(m.ipmGroupEps, g, uuid)
		}
		if ipm.NextHopIf != "" {
			indexDel(m.ipmNextHopEps, ipm.NextHopIf, uuid)
		}
	}

	if state.egURI != "" {
		indexDel(m.groupEps, state.egURI, uuid)
	}
	m.withdrawRegistryLocked(state)
	state.egURI = ""
}

// resolveGroupLocked determines the effective endpoint group:
//  1. an explicit group URI on the endpoint wins
//  2. otherwise the named attribute mapping is applied to the union of
//     endpoint attributes and externally registered attributes
//  3. otherwise the endpoint is unresolved (empty URI)
//
// Resolution never fails; unusable inputs yield "unresolved".
func (m *Manager) resolveGroupLocked(ep *model.Endpoint) string {
	if uri := ep.ExplicitEgURI(); uri != "" {
		return uri
	}
	if ep.EgMappingAlias == "" {
		return ""
	}
	mapping, ok := m.mappings[ep.EgMappingAlias]
	if !ok {
		klog.V(4).Infof("Endpoint %s references unknown eg-mapping %q",
			ep.UUID, ep.EgMappingAlias)
		return ""
	}

	attrs := model.NewAttrMap()
	ep.Attributes.Each(attrs.Set)
	if ext, ok := m.extAttrs[ep.UUID]; ok {
		ext.Each(attrs.Set)
	}
	return mapping.resolve(attrs)
}

// publishRegistryLocked republishes the endpoint into the L2/L3
// discovery registries for its resolved group. Routing-disabled bridge
// domains suppress L3 entries. Caller holds m.mu.
func (m *Manager) publishRegistryLocked(state *endpointState) {
	info, ok := m.groupInfo[state.egURI]
	if !ok {
		return
	}
	ep := state.endpoint

	if info.BridgeDomainURI != "" && ep.MAC != "" {
		key := L2Key{BridgeDomainURI: info.BridgeDomainURI, MAC: ep.MAC}
		m.l2Registry[key] = ep.UUID
		state.l2Keys = append(state.l2Keys, key)
	}
	if info.RoutingDomainURI != "" && !info.RoutingDisabled {
		for _, ip := range ep.IPs {
			key := L3Key{RoutingDomainURI: info.RoutingDomainURI, IP: ip}
			m.l3Registry[key] = ep.UUID
			state.l3Keys = append(state.l3Keys, key)
		}
	}
}

// withdrawRegistryLocked removes the endpoint's registry entries.
// Caller holds m.mu.
func (m *Manager) withdrawRegistryLocked(state *endpointState) {
	for _, key := range state.l2Keys {
		if m.l2Registry[key] == state.endpoint.UUID {
			delete(m.l2Registry, key)
		}
	}
	for _, key := range state.l3Keys {
		if m.l3Registry[key] == state.endpoint.UUID {
			delete(m.l3Registry, key)
		}
	}
	state.l2Keys = nil
	state.l3Keys = nil
}

// reresolveLocked recomputes group resolution for a set of endpoints
// and returns the uuids whose state was touched. Caller holds m.mu.
func (m *Manager) reresolveLocked(uuids sets.Set[string]) []string {
	touched := make([]string, 0, uuids.Len())
	for uuid := range uuids {
		state, ok := m.endpoints[uuid]
		if !ok {
			continue
		}
		if state.egURI != "" {
			indexDel(m.groupEps, state.egURI, uuid)
		}
		m.withdrawRegistryLocked(state)
		state.egURI = m.resolveGroupLocked(state.endpoint)
		if state.egURI != "" {
			indexAdd(m.groupEps, state.egURI, uuid)
			m.publishRegistryLocked(state)
		}
		touched = append(touched, uuid)
	}
	return touched
}

// UpdateEpgMapping installs or replaces a named attribute mapping and
// re-resolves every endpoint that references it.
func (m *Manager) UpdateEpgMapping(mapping *EpgMapping) {
	if mapping == nil || mapping.Name == "" {
		return
	}
	mapping = copyMapping(mapping)

	m.mu.Lock()
	m.mappings[mapping.Name] = mapping
	touched := m.reresolveLocked(m.aliasEps[mapping.Name])
	m.mu.Unlock()

	m.notifyListeners(touched...)
}

// RemoveEpgMapping removes a named attribute mapping; endpoints that
// referenced it become unresolved unless explicitly grouped.
func (m *Manager) RemoveEpgMapping(name string) {
	m.mu.Lock()
	delete(m.mappings, name)
	touched := m.reresolveLocked(m.aliasEps[name])
	m.mu.Unlock()

	m.notifyListeners(touched...)
}

// UpdateExternalAttributes registers externally sourced attributes for
// an endpoint uuid. They are unioned with the endpoint's own attributes
// during mapping resolution, external values taking precedence.
func (m *Manager) UpdateExternalAttributes(uuid string, attrs *model.AttrMap) {
	m.mu.Lock()
	if attrs == nil || attrs.Len() == 0 {
		delete(m.extAttrs, uuid)
	} else {
		m.extAttrs[uuid] = attrs.Copy()
	}
	var touched []string
	if state, ok := m.endpoints[uuid]; ok && state.endpoint.EgMappingAlias != "" {
		touched = m.reresolveLocked(sets.New(uuid))
	}
	m.mu.Unlock()

	m.notifyListeners(touched...)
}

// SetGroupInfo publishes the forwarding contexts for an endpoint group
// and republishes registry entries for the group's endpoints.
func (m *Manager) SetGroupInfo(egURI string, info GroupInfo) {
	m.mu.Lock()
	m.groupInfo[egURI] = info
	var touched []string
	for uuid := range m.groupEps[egURI] {
		state, ok := m.endpoints[uuid]
		if !ok {
			continue
		}
		m.withdrawRegistryLocked(state)
		m.publishRegistryLocked(state)
		touched = append(touched, uuid)
	}
	m.mu.Unlock()

	m.notifyListeners(touched...)
}

// GetEndpoint returns a snapshot of the endpoint and its resolved
// group URI, or nil if unknown.
func (m *Manager) GetEndpoint(uuid string) (*model.Endpoint, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.endpoints[uuid]
	if !ok {
		return nil, ""
	}
	return state.endpoint.Copy(), state.egURI
}

// GetEndpointsForGroup returns the uuids resolved into the group
func (m *Manager) GetEndpointsForGroup(egURI string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.groupEps[egURI])
}

// GetEndpointsByIface returns the uuids bound to an integration-bridge
// interface name
func (m *Manager) GetEndpointsByIface(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.ifaceEps[name])
}

// GetEndpointsByAccessIface returns the uuids bound to an access
// interface name
func (m *Manager) GetEndpointsByAccessIface(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.accessIfaceEps[name])
}

// GetEndpointsByAccessUplink returns the uuids bound to an access
// uplink interface name
func (m *Manager) GetEndpointsByAccessUplink(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.accessUplinkEps[name])
}

// GetEndpointsByIpmNextHopIf returns the uuids whose IP-address
// mappings reference the next-hop interface
func (m *Manager) GetEndpointsByIpmNextHopIf(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.ipmNextHopEps[name])
}

// GetEndpointsByIpmGroup returns the uuids whose IP-address mappings
// reference the endpoint group
func (m *Manager) GetEndpointsByIpmGroup(egURI string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.ipmGroupEps[egURI])
}

// LookupL2 resolves a (bridge domain, mac) key in the L2 discovery
// registry to an endpoint uuid
func (m *Manager) LookupL2(bridgeDomainURI, mac string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uuid, ok := m.l2Registry[L2Key{BridgeDomainURI: bridgeDomainURI, MAC: mac}]
	return uuid, ok
}

// LookupL3 resolves a (routing domain, ip) key in the L3 discovery
// registry to an endpoint uuid
func (m *Manager) LookupL3(routingDomainURI, ip string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uuid, ok := m.l3Registry[L3Key{RoutingDomainURI: routingDomainURI, IP: ip}]
	return uuid, ok
}

// EndpointCount returns the number of endpoints in the model
func (m *Manager) EndpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints)
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
