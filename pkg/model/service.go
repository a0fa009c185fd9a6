package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Service modes
const (
	ServiceModeLocalAnycast = "local-anycast"
	ServiceModeLoadBalancer = "loadbalancer"
)

// Service types
const (
	ServiceTypeClusterIP    = "clusterIp"
	ServiceTypeNodePort     = "nodePort"
	ServiceTypeLoadBalancer = "loadBalancer"
)

// Service scope attribute values. External services carry the uuid
// suffix "-external"; everything else is cluster scoped.
const (
	ServiceScopeAttr    = "scope"
	ServiceScopeExt     = "ext"
	ServiceScopeCluster = "cluster"

	externalUUIDSuffix = "-external"
)

// ServiceMapping maps one service address to its next hops
type ServiceMapping struct {
	ServiceIP        string   `json:"service-ip,omitempty"`
	ServiceProto     string   `json:"service-proto,omitempty"`
	ServicePort      uint16   `json:"service-port,omitempty"`
	GatewayIP        string   `json:"gateway-ip,omitempty"`
	NextHopIP        string   `json:"next-hop-ip,omitempty"`
	NextHopIPs       []string `json:"next-hop-ips,omitempty"`
	NextHopPort      uint16   `json:"next-hop-port,omitempty"`
	NodePort         uint16   `json:"node-port,omitempty"`
	ConntrackEnabled bool     `json:"conntrack-enabled,omitempty"`
}

// Service describes a local anycast or load-balanced service attachment
type Service struct {
	UUID string `json:"uuid"`

	ServiceMAC    string  `json:"service-mac,omitempty"`
	InterfaceName string  `json:"interface-name,omitempty"`
	InterfaceVlan *uint16 `json:"interface-vlan,omitempty"`
	InterfaceIP   string  `json:"interface-ip,omitempty"`

	// Domain: explicit URI or (name, policy space) pair resolved to a
	// GbpRoutingDomain URI
	DomainURI         string `json:"domain,omitempty"`
	DomainName        string `json:"domain-name,omitempty"`
	DomainPolicySpace string `json:"domain-policy-space,omitempty"`

	ServiceMode string `json:"service-mode,omitempty"`
	ServiceType string `json:"service-type,omitempty"`

	Attributes *AttrMap `json:"attributes,omitempty"`

	ServiceMappings []ServiceMapping `json:"service-mapping,omitempty"`
}

// ParseService decodes a service declaration and normalizes it
func ParseService(data []byte) (*Service, error) {
	var s Service
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Service) normalize() error {
	if s.UUID == "" {
		return fmt.Errorf("service missing required uuid")
	}
	switch s.ServiceMode {
	case "", ServiceModeLocalAnycast, ServiceModeLoadBalancer:
	default:
		return fmt.Errorf("service %s: unknown service-mode %q", s.UUID, s.ServiceMode)
	}

	// operators rarely attribute anycast services; synthesize a name
	if s.Attributes.Len() == 0 {
		s.Attributes = NewAttrMap()
		if s.InterfaceName != "" {
			s.Attributes.Set("name", s.InterfaceName)
		}
	}
	if strings.HasSuffix(s.UUID, externalUUIDSuffix) {
		s.Attributes.Set(ServiceScopeAttr, ServiceScopeExt)
	} else {
		s.Attributes.Set(ServiceScopeAttr, ServiceScopeCluster)
	}
	return nil
}

// ResolvedDomainURI returns the routing-domain URI for the service
func (s *Service) ResolvedDomainURI() string {
	if s.DomainURI != "" {
		return s.DomainURI
	}
	if s.DomainPolicySpace != "" && s.DomainName != "" {
		return BuildRoutingDomainURI(s.DomainPolicySpace, s.DomainName)
	}
	return ""
}

// Copy returns a deep copy of the service
func (s *Service) Copy() *Service {
	out := *s
	out.ServiceMappings = append([]ServiceMapping(nil), s.ServiceMappings...)
	for i := range out.ServiceMappings {
		out.ServiceMappings[i].NextHopIPs =
			append([]string(nil), s.ServiceMappings[i].NextHopIPs...)
	}
	if s.Attributes != nil {
		out.Attributes = s.Attributes.Copy()
	}
	return &out
}
