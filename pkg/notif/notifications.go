package notif

import (
	"sort"
)

// Notification types published by the agent
const (
	TypeVirtualIP = "virtual-ip"
	TypeMacIP     = "mac-ip"
)

// endpointEvent is the payload shape shared by the virtual-ip and
// mac-ip notifications
type endpointEvent struct {
	UUIDs []string `json:"uuid"`
	MAC   string   `json:"mac"`
	IP    string   `json:"ip"`
}

func sortedUUIDs(uuids map[string]struct{}) []string {
	out := make([]string, 0, len(uuids))
	for uuid := range uuids {
		out = append(out, uuid)
	}
	sort.Strings(out)
	return out
}

// DispatchVirtualIP publishes a virtual-ip notification for the
// endpoints announcing the (mac, ip) pair. Duplicate announcements
// within the rate window are elided.
func (s *Server) DispatchVirtualIP(uuids map[string]struct{}, mac, ip string) {
	if !s.limiter.event(TypeVirtualIP + "|" + mac + "|" + ip) {
		return
	}
	s.Dispatch(TypeVirtualIP, endpointEvent{
		UUIDs: sortedUUIDs(uuids),
		MAC:   mac,
		IP:    ip,
	})
}

// DispatchMacIP publishes a mac-ip notification for the endpoints
// owning the (mac, ip) pair. Duplicate announcements within the rate
// window are elided.
func (s *Server) DispatchMacIP(uuids map[string]struct{}, mac, ip string) {
	if !s.limiter.event(TypeMacIP + "|" + mac + "|" + ip) {
		return
	}
	s.Dispatch(TypeMacIP, endpointEvent{
		UUIDs: sortedUUIDs(uuids),
		MAC:   mac,
		IP:    ip,
	})
}
