package model

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
)

// VirtualIP is a (mac, ip) pair announced on behalf of an endpoint.
// A missing MAC defaults to the endpoint's own MAC during normalization.
type VirtualIP struct {
	MAC string `json:"mac,omitempty"`
	IP  string `json:"ip"`
}

// SecGroup names a security group by policy space and name
type SecGroup struct {
	PolicySpace string `json:"policy-space"`
	Name        string `json:"name"`
}

// URI returns the security-group URI for the pair. A group with no
// policy space carries a pre-built URI in Name.
func (s SecGroup) URI() string {
	if s.PolicySpace == "" {
		return s.Name
	}
	return BuildSecGroupURI(s.PolicySpace, s.Name)
}

// DHCPStaticRoute is a classless static route pushed via DHCPv4.
// An absent dest-prefix defaults to 32 (a host route).
type DHCPStaticRoute struct {
	Dest       string `json:"dest"`
	DestPrefix *uint8 `json:"dest-prefix,omitempty"`
	NextHop    string `json:"next-hop"`
}

// DHCPv4Config holds the DHCPv4 parameters served for an endpoint
type DHCPv4Config struct {
	IP           string            `json:"ip,omitempty"`
	PrefixLen    *uint8            `json:"prefix-len,omitempty"`
	ServerIP     string            `json:"server-ip,omitempty"`
	ServerMAC    string            `json:"server-mac,omitempty"`
	Routers      []string          `json:"routers,omitempty"`
	DNSServers   []string          `json:"dns-servers,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	InterfaceMTU uint16            `json:"interface-mtu,omitempty"`
	LeaseTime    uint32            `json:"lease-time,omitempty"`
	StaticRoutes []DHCPStaticRoute `json:"static-routes,omitempty"`
}

// DHCPv6Config holds the DHCPv6 parameters served for an endpoint
type DHCPv6Config struct {
	DNSServers        []string `json:"dns-servers,omitempty"`
	SearchList        []string `json:"search-list,omitempty"`
	T1                uint32   `json:"t1,omitempty"`
	T2                uint32   `json:"t2,omitempty"`
	PreferredLifetime uint32   `json:"preferred-lifetime,omitempty"`
	ValidLifetime     uint32   `json:"valid-lifetime,omitempty"`
}

// IPAddressMapping is a floating-IP/NAT translation entry
type IPAddressMapping struct {
	UUID          string `json:"uuid"`
	MappedIP      string `json:"mapped-ip,omitempty"`
	FloatingIP    string `json:"floating-ip,omitempty"`
	EgURI         string `json:"endpoint-group,omitempty"`
	EgPolicySpace string `json:"policy-space-name,omitempty"`
	EgName        string `json:"endpoint-group-name,omitempty"`
	NextHopIf     string `json:"next-hop-if,omitempty"`
	NextHopMAC    string `json:"next-hop-mac,omitempty"`
}

// GroupURI resolves the mapping's endpoint-group URI, building it from
// the (policy space, name) pair when no explicit URI was given.
func (m *IPAddressMapping) GroupURI() string {
	if m.EgURI != "" {
		return m.EgURI
	}
	if m.EgPolicySpace != "" && m.EgName != "" {
		return BuildEpGroupURI(m.EgPolicySpace, m.EgName)
	}
	return ""
}

// Endpoint describes one local or remote workload attachment. It is the
// normalized form shared by all sources; the uuid uniquely identifies
// the endpoint in the agent.
type Endpoint struct {
	UUID string `json:"uuid"`

	// MAC is the endpoint's MAC-48 address in text form
	MAC string `json:"mac,omitempty"`

	// IPs are the endpoint's addresses; IPv4 or IPv6 is inferred from
	// syntax
	IPs              []string    `json:"ip,omitempty"`
	AnycastReturnIPs []string    `json:"anycast-return-ip,omitempty"`
	VirtualIPs       []VirtualIP `json:"virtual-ip,omitempty"`

	// Grouping: either an explicit group URI, a (policy space, group
	// name) pair, or an alias naming an attribute-to-group mapping to
	// be applied during resolution
	EgURI          string `json:"endpoint-group,omitempty"`
	EgPolicySpace  string `json:"policy-space-name,omitempty"`
	EgName         string `json:"endpoint-group-name,omitempty"`
	EgMappingAlias string `json:"eg-mapping-alias,omitempty"`

	SecurityGroups []SecGroup `json:"security-group,omitempty"`

	// Interface bindings on the integration and access bridges
	InterfaceName         string  `json:"interface-name,omitempty"`
	AccessInterface       string  `json:"access-interface,omitempty"`
	AccessInterfaceVlan   *uint16 `json:"access-interface-vlan,omitempty"`
	AccessUplinkInterface string  `json:"access-uplink-interface,omitempty"`

	Promiscuous    bool `json:"promiscuous-mode,omitempty"`
	DiscoveryProxy bool `json:"discovery-proxy-mode,omitempty"`
	NatMode        bool `json:"nat-mode,omitempty"`

	Attributes *AttrMap `json:"attributes,omitempty"`

	DHCPv4 *DHCPv4Config `json:"dhcp4,omitempty"`
	DHCPv6 *DHCPv6Config `json:"dhcp6,omitempty"`

	IPAddressMappings []IPAddressMapping `json:"ip-address-mapping,omitempty"`

	SnatIP string `json:"snat-ip,omitempty"`

	// External-endpoint variant only
	ExtInterfaceURI string `json:"path-attachment,omitempty"`
	ExtNodeURI      string `json:"node-attachment,omitempty"`

	// External marks endpoints declared through the .extep variant
	External bool `json:"-"`
}

// ParseEndpoint decodes an endpoint declaration and normalizes it per
// the rules below. It returns an error for malformed JSON or a missing
// uuid; all other oddities are normalized away.
//
// Normalization:
//   - virtual-ip entries default their MAC to the endpoint MAC
//   - ip-address-mapping entries without a mapped-ip are dropped
//   - absent DHCPv4 prefix lengths default to 32
//   - a vm-name attribute of the form "snat|..." sets nat-mode
//   - the external variant copies path-attachment into the group URI
func ParseEndpoint(data []byte, external bool) (*Endpoint, error) {
	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, err
	}
	ep.External = external
	if err := ep.Normalize(); err != nil {
		return nil, err
	}
	return &ep, nil
}

// Normalize validates required fields and applies the defaulting rules
// described on ParseEndpoint. Sources that build endpoints directly
// must call it before handing the record to the manager.
func (e *Endpoint) Normalize() error {
	if e.UUID == "" {
		return fmt.Errorf("endpoint missing required uuid")
	}
	if e.MAC != "" {
		if _, err := net.ParseMAC(e.MAC); err != nil {
			return fmt.Errorf("endpoint %s: bad mac %q: %w", e.UUID, e.MAC, err)
		}
	}
	for i := range e.VirtualIPs {
		if e.VirtualIPs[i].MAC == "" {
			e.VirtualIPs[i].MAC = e.MAC
		}
	}

	if e.DHCPv4 != nil {
		if e.DHCPv4.PrefixLen == nil {
			def := uint8(32)
			e.DHCPv4.PrefixLen = &def
		}
		for i := range e.DHCPv4.StaticRoutes {
			if e.DHCPv4.StaticRoutes[i].DestPrefix == nil {
				def := uint8(32)
				e.DHCPv4.StaticRoutes[i].DestPrefix = &def
			}
		}
	}

	// entries with no mapped-ip cannot be programmed and are dropped
	kept := e.IPAddressMappings[:0]
	for _, m := range e.IPAddressMappings {
		if m.MappedIP != "" {
			kept = append(kept, m)
		}
	}
	e.IPAddressMappings = kept

	if vm, ok := e.Attributes.Get("vm-name"); ok && strings.HasPrefix(vm, "snat|") {
		e.NatMode = true
	}

	if e.External {
		e.VirtualIPs = nil
		e.IPAddressMappings = nil
		if e.ExtInterfaceURI != "" {
			e.EgURI = e.ExtInterfaceURI
		}
	}
	return nil
}

// ExplicitEgURI returns the endpoint's declared group URI: the explicit
// URI if present, otherwise one built from the (policy space, name)
// pair, otherwise empty. Mapping aliases are resolved by the endpoint
// manager, not here.
func (e *Endpoint) ExplicitEgURI() string {
	if e.EgURI != "" {
		return e.EgURI
	}
	if e.EgPolicySpace != "" && e.EgName != "" {
		return BuildEpGroupURI(e.EgPolicySpace, e.EgName)
	}
	return ""
}

// SecurityGroupURIs returns the ordered security group URIs
func (e *Endpoint) SecurityGroupURIs() []string {
	if len(e.SecurityGroups) == 0 {
		return nil
	}
	uris := make([]string, 0, len(e.SecurityGroups))
	for _, sg := range e.SecurityGroups {
		uris = append(uris, sg.URI())
	}
	return uris
}

// IPSet returns the endpoint's addresses that parse as valid IPs
func (e *Endpoint) IPSet() []net.IP {
	ips := make([]net.IP, 0, len(e.IPs))
	for _, s := range e.IPs {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// Copy returns a deep copy of the endpoint
func (e *Endpoint) Copy() *Endpoint {
	out := *e
	out.IPs = append([]string(nil), e.IPs...)
	out.AnycastReturnIPs = append([]string(nil), e.AnycastReturnIPs...)
	out.VirtualIPs = append([]VirtualIP(nil), e.VirtualIPs...)
	out.SecurityGroups = append([]SecGroup(nil), e.SecurityGroups...)
	out.IPAddressMappings = append([]IPAddressMapping(nil), e.IPAddressMappings...)
	if e.Attributes != nil {
		out.Attributes = e.Attributes.Copy()
	}
	if e.DHCPv4 != nil {
		v4 := *e.DHCPv4
		v4.Routers = append([]string(nil), e.DHCPv4.Routers...)
		v4.DNSServers = append([]string(nil), e.DHCPv4.DNSServers...)
		v4.StaticRoutes = append([]DHCPStaticRoute(nil), e.DHCPv4.StaticRoutes...)
		if e.DHCPv4.PrefixLen != nil {
			pl := *e.DHCPv4.PrefixLen
			v4.PrefixLen = &pl
		}
		for i := range v4.StaticRoutes {
			if v4.StaticRoutes[i].DestPrefix != nil {
				dp := *v4.StaticRoutes[i].DestPrefix
				v4.StaticRoutes[i].DestPrefix = &dp
			}
		}
		out.DHCPv4 = &v4
	}
	if e.DHCPv6 != nil {
		v6 := *e.DHCPv6
		v6.DNSServers = append([]string(nil), e.DHCPv6.DNSServers...)
		v6.SearchList = append([]string(nil), e.DHCPv6.SearchList...)
		out.DHCPv6 = &v6
	}
	return &out
}
