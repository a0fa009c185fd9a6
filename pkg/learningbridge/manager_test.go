// Package learningbridge tests for the VLAN range index.
package learningbridge

import (
	"reflect"
	"testing"
)

// partition captures the stored index for comparison
func partition(m *Manager) map[VlanRange][]string {
	out := make(map[VlanRange][]string)
	m.ForEachVlanRange(func(r VlanRange, uuids []string) {
		out[r] = uuids
	})
	return out
}

func checkPartition(t *testing.T, m *Manager, want map[VlanRange][]string) {
	t.Helper()
	got := partition(m)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("partition = %v, want %v", got, want)
	}
}

// TestOverlapSplit verifies splitting when two interfaces claim
// overlapping ranges, and re-partitioning when a claim shrinks.
func TestOverlapSplit(t *testing.T) {
	m := NewManager()

	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{10, 20}}})
	m.UpdateIface(&Iface{UUID: "B", TrunkVlans: []VlanRange{{15, 25}}})

	checkPartition(t, m, map[VlanRange][]string{
		{10, 14}: {"A"},
		{15, 20}: {"A", "B"},
		{21, 25}: {"B"},
	})

	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{10, 17}}})

	checkPartition(t, m, map[VlanRange][]string{
		{10, 14}: {"A"},
		{15, 17}: {"A", "B"},
		{18, 25}: {"B"},
	})
}

// TestRemoveIface verifies claims are withdrawn and empty sub-ranges
// dropped.
func TestRemoveIface(t *testing.T) {
	m := NewManager()
	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{10, 20}}})
	m.UpdateIface(&Iface{UUID: "B", TrunkVlans: []VlanRange{{15, 25}}})

	m.RemoveIface("A")

	// the surviving B sub-ranges are adjacent with identical members
	// and merge back together
	checkPartition(t, m, map[VlanRange][]string{
		{15, 25}: {"B"},
	})

	m.RemoveIface("B")
	if len(partition(m)) != 0 {
		t.Fatalf("partition not empty after removing all interfaces: %v", partition(m))
	}
}

// TestDisjointClaims verifies non-overlapping claims stay separate
func TestDisjointClaims(t *testing.T) {
	m := NewManager()
	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{1, 5}, {100, 200}}})
	m.UpdateIface(&Iface{UUID: "B", TrunkVlans: []VlanRange{{50, 60}}})

	checkPartition(t, m, map[VlanRange][]string{
		{1, 5}:     {"A"},
		{50, 60}:   {"B"},
		{100, 200}: {"A"},
	})
}

// TestNestedClaim verifies a claim strictly inside another splits it in
// three.
func TestNestedClaim(t *testing.T) {
	m := NewManager()
	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{10, 30}}})
	m.UpdateIface(&Iface{UUID: "B", TrunkVlans: []VlanRange{{15, 20}}})

	checkPartition(t, m, map[VlanRange][]string{
		{10, 14}: {"A"},
		{15, 20}: {"A", "B"},
		{21, 30}: {"A"},
	})
}

// TestIfacesByVlanRange verifies the exact-match query semantics
func TestIfacesByVlanRange(t *testing.T) {
	m := NewManager()
	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{10, 20}}})
	m.UpdateIface(&Iface{UUID: "B", TrunkVlans: []VlanRange{{15, 25}}})

	if got := m.IfacesByVlanRange(VlanRange{15, 20}); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("exact query = %v, want [A B]", got)
	}
	// spanning query does not match any single stored sub-range
	if got := m.IfacesByVlanRange(VlanRange{10, 20}); got != nil {
		t.Errorf("spanning query = %v, want nil", got)
	}
}

// TestVlanRangesByIface enumerates the stored sub-ranges per interface
func TestVlanRangesByIface(t *testing.T) {
	m := NewManager()
	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{10, 20}}})
	m.UpdateIface(&Iface{UUID: "B", TrunkVlans: []VlanRange{{15, 25}}})

	want := []VlanRange{{10, 14}, {15, 20}}
	if got := m.VlanRangesByIface("A"); !reflect.DeepEqual(got, want) {
		t.Errorf("VlanRangesByIface(A) = %v, want %v", got, want)
	}
}

// TestIfaceNameIndex verifies the interface-name reverse index follows
// renames
func TestIfaceNameIndex(t *testing.T) {
	m := NewManager()
	m.UpdateIface(&Iface{UUID: "A", InterfaceName: "veth0"})
	if got := m.GetIfacesByName("veth0"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("GetIfacesByName = %v", got)
	}

	m.UpdateIface(&Iface{UUID: "A", InterfaceName: "veth1"})
	if got := m.GetIfacesByName("veth0"); len(got) != 0 {
		t.Errorf("stale name index entry: %v", got)
	}
	if got := m.GetIfacesByName("veth1"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("GetIfacesByName after rename = %v", got)
	}
}

// recordingListener collects notifications
type recordingListener struct {
	ifaces []string
	ranges []VlanRange
}

func (l *recordingListener) LBIfaceUpdated(uuid string) {
	l.ifaces = append(l.ifaces, uuid)
}

func (l *recordingListener) LBVlanRangeUpdated(r VlanRange) {
	l.ranges = append(l.ranges, r)
}

// TestUpdateNotifications verifies affected sub-ranges are delivered
func TestUpdateNotifications(t *testing.T) {
	m := NewManager()
	m.UpdateIface(&Iface{UUID: "A", TrunkVlans: []VlanRange{{10, 20}}})

	l := &recordingListener{}
	m.RegisterListener(l)
	m.UpdateIface(&Iface{UUID: "B", TrunkVlans: []VlanRange{{15, 25}}})

	if len(l.ifaces) != 1 || l.ifaces[0] != "B" {
		t.Errorf("iface notifications = %v, want [B]", l.ifaces)
	}
	seen := make(map[VlanRange]bool)
	for _, r := range l.ranges {
		seen[r] = true
	}
	for _, want := range []VlanRange{{15, 20}, {21, 25}} {
		if !seen[want] {
			t.Errorf("missing range notification for %v (got %v)", want, l.ranges)
		}
	}
}
