// Package tunnelep discovers the local tunnel termination endpoint.
//
// Encapsulated traffic to remote hosts is sourced from the uplink
// interface; this package resolves the uplink's IPv4 address and MAC
// through netlink and republishes them on change. Downstream consumers
// read the termination address keyed by a generated tunnel-endpoint
// uuid that stays stable for the life of the process.
package tunnelep

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"
)

// Listener receives tunnel endpoint change notifications
type Listener interface {
	TunnelEpUpdated(uuid string)
}

// Manager resolves and tracks the tunnel termination endpoint
type Manager struct {
	// uplinkIface is the configured encapsulation interface
	uplinkIface string

	// uplinkVlan, when nonzero, selects the tagged subinterface
	// <iface>.<vlan>
	uplinkVlan uint16

	mu sync.Mutex

	// uuid identifies the tunnel endpoint to downstream consumers
	uuid string

	terminationIP  string
	terminationMAC string

	listenerMu sync.Mutex
	listeners  []Listener

	stopCh chan struct{}
	wg     sync.WaitGroup

	// linkByName and addrList are replaceable for tests
	linkByName func(name string) (netlink.Link, error)
	addrList   func(link netlink.Link, family int) ([]netlink.Addr, error)
}

// NewManager creates a manager for the given uplink
func NewManager(uplinkIface string, uplinkVlan uint16) *Manager {
	return &Manager{
		uplinkIface: uplinkIface,
		uplinkVlan:  uplinkVlan,
		uuid:        uuid.New().String(),
		linkByName:  netlink.LinkByName,
		addrList:    netlink.AddrList,
	}
}

// RegisterListener adds a change listener
func (m *Manager) RegisterListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notifyListeners(uuid string) {
	m.listenerMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenerMu.Unlock()
	for _, l := range listeners {
		l.TunnelEpUpdated(uuid)
	}
}

// ifaceName returns the interface the termination address lives on
func (m *Manager) ifaceName() string {
	if m.uplinkVlan != 0 {
		return fmt.Sprintf("%s.%d", m.uplinkIface, m.uplinkVlan)
	}
	return m.uplinkIface
}

// Discover resolves the uplink address and MAC, notifying listeners if
// either changed
func (m *Manager) Discover() error {
	if m.uplinkIface == "" {
		return nil
	}
	name := m.ifaceName()
	link, err := m.linkByName(name)
	if err != nil {
		return fmt.Errorf("uplink %s: %w", name, err)
	}
	mac := link.Attrs().HardwareAddr.String()

	addrs, err := m.addrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("addresses of %s: %w", name, err)
	}
	var ip string
	for _, addr := range addrs {
		if addr.IP.To4() != nil && addr.IP.IsGlobalUnicast() {
			ip = addr.IP.String()
			break
		}
	}
	if ip == "" {
		return fmt.Errorf("uplink %s has no usable IPv4 address", name)
	}

	m.mu.Lock()
	changed := ip != m.terminationIP || mac != m.terminationMAC
	m.terminationIP = ip
	m.terminationMAC = mac
	epUUID := m.uuid
	m.mu.Unlock()

	if changed {
		klog.Infof("Tunnel termination endpoint %s on %s: %s (%s)",
			epUUID, name, ip, mac)
		m.notifyListeners(epUUID)
	}
	return nil
}

// Start begins periodic rediscovery of the uplink address
func (m *Manager) Start(interval time.Duration) {
	if err := m.Discover(); err != nil {
		klog.Warningf("Tunnel endpoint discovery: %v", err)
	}
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.Discover(); err != nil {
					klog.V(4).Infof("Tunnel endpoint discovery: %v", err)
				}
			}
		}
	}()
}

// Stop terminates periodic rediscovery
func (m *Manager) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.stopCh = nil
}

// UUID returns the tunnel endpoint uuid
func (m *Manager) UUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uuid
}

// Termination returns the current termination IP and MAC
func (m *Manager) Termination() (ip, mac string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminationIP, m.terminationMAC
}

// SetTermination overrides discovery with a configured address
// (the "encap-ip" renderer option)
func (m *Manager) SetTermination(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("bad encap address %q", ip)
	}
	m.mu.Lock()
	changed := ip != m.terminationIP
	m.terminationIP = ip
	epUUID := m.uuid
	m.mu.Unlock()
	if changed {
		m.notifyListeners(epUUID)
	}
	return nil
}
