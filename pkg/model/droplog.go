package model

import (
	"encoding/json"
	"fmt"
	"net"
)

// Drop-log modes
const (
	DropLogModeUnfiltered = "unfiltered"
	DropLogModeFlowBased  = "flow-based"
)

// PacketDropLogConfig enables or disables packet drop logging on the
// switch and selects between unfiltered and flow-based capture.
type PacketDropLogConfig struct {
	Enable bool   `json:"drop-log-enable"`
	Mode   string `json:"drop-log-mode,omitempty"`
}

// ParsePacketDropLogConfig decodes a .droplogcfg declaration
func ParsePacketDropLogConfig(data []byte) (*PacketDropLogConfig, error) {
	var c PacketDropLogConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	switch c.Mode {
	case "", DropLogModeUnfiltered, DropLogModeFlowBased:
	default:
		return nil, fmt.Errorf("unknown drop-log-mode %q", c.Mode)
	}
	return &c, nil
}

// PacketDropFlowSpec selects which dropped flows are logged when the
// drop log runs in flow-based mode. Outer addresses describe the tunnel
// header and must be IPv4; inner addresses may be either family.
type PacketDropFlowSpec struct {
	UUID string `json:"uuid"`

	OuterSrcIP string `json:"outer-src-ip-address,omitempty"`
	OuterDstIP string `json:"outer-dst-ip-address,omitempty"`

	InnerSrcIP  string `json:"inner-src-ip-address,omitempty"`
	InnerDstIP  string `json:"inner-dst-ip-address,omitempty"`
	InnerSrcMAC string `json:"inner-src-mac,omitempty"`
	InnerDstMAC string `json:"inner-dst-mac,omitempty"`

	InnerEthType uint16 `json:"inner-eth-type,omitempty"`
	InnerIPProto uint8  `json:"inner-ip-proto,omitempty"`
	InnerSrcPort uint16 `json:"inner-src-port,omitempty"`
	InnerDstPort uint16 `json:"inner-dst-port,omitempty"`

	TunnelID uint32 `json:"tunnel-id,omitempty"`
}

// ParsePacketDropFlowSpec decodes and validates a .dropflowcfg
// declaration
func ParsePacketDropFlowSpec(data []byte) (*PacketDropFlowSpec, error) {
	var s PacketDropFlowSpec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.UUID == "" {
		return nil, fmt.Errorf("drop-flow spec missing required uuid")
	}
	for _, outer := range []string{s.OuterSrcIP, s.OuterDstIP} {
		if outer == "" {
			continue
		}
		ip := net.ParseIP(outer)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("drop-flow %s: outer address %q is not IPv4", s.UUID, outer)
		}
	}
	for _, inner := range []string{s.InnerSrcIP, s.InnerDstIP} {
		if inner != "" && net.ParseIP(inner) == nil {
			return nil, fmt.Errorf("drop-flow %s: bad inner address %q", s.UUID, inner)
		}
	}
	for _, mac := range []string{s.InnerSrcMAC, s.InnerDstMAC} {
		if mac != "" {
			if _, err := net.ParseMAC(mac); err != nil {
				return nil, fmt.Errorf("drop-flow %s: bad mac %q: %w", s.UUID, mac, err)
			}
		}
	}
	return &s, nil
}
