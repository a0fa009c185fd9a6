// Package learningbridge maintains the trunk-VLAN range index for
// learning-bridge interfaces.
//
// Each interface claims an ordered set of trunk-VLAN sub-ranges. The
// manager maintains a partition of the claimed VLAN space into maximal
// disjoint sub-ranges, each mapped to the exact set of interface uuids
// whose claims cover it. Updates are all-or-nothing per interface and
// produce the set of affected sub-ranges for listener notification.
//
// The partition is held as a slice of entries ordered by range start;
// ranges compare by start, so an update touches O(k) entries where k is
// the number of overlapping sub-ranges.
package learningbridge

import (
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// VlanRange is a contiguous inclusive range of VLAN ids
type VlanRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether r covers o entirely
func (r VlanRange) Contains(o VlanRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Iface is a learning-bridge interface claiming trunk VLAN ranges
type Iface struct {
	// UUID uniquely identifies the interface
	UUID string

	// InterfaceName is the switch port name, if bound
	InterfaceName string

	// TrunkVlans are the claimed sub-ranges
	TrunkVlans []VlanRange
}

// Copy returns a deep copy of the interface
func (i *Iface) Copy() *Iface {
	out := *i
	out.TrunkVlans = append([]VlanRange(nil), i.TrunkVlans...)
	return &out
}

// Listener receives learning-bridge change notifications. Both methods
// run after the manager's lock is released.
type Listener interface {
	// LBIfaceUpdated reports a change to one interface
	LBIfaceUpdated(uuid string)

	// LBVlanRangeUpdated reports a sub-range whose membership changed
	LBVlanRangeUpdated(r VlanRange)
}

// rangeEntry is one stored sub-range and its member set
type rangeEntry struct {
	r   VlanRange
	set sets.Set[string]
}

// Manager is the learning-bridge interface registry and VLAN range
// index
type Manager struct {
	mu sync.Mutex

	// ifaces maps uuid to current interface state
	ifaces map[string]*Iface

	// byName maps interface name to uuids
	byName map[string]sets.Set[string]

	// entries is the partition, ordered by range start
	entries []rangeEntry

	listenerMu sync.Mutex
	listeners  []Listener
}

// NewManager creates an empty learning-bridge manager
func NewManager() *Manager {
	return &Manager{
		ifaces: make(map[string]*Iface),
		byName: make(map[string]sets.Set[string]),
	}
}

// RegisterListener adds a change listener
func (m *Manager) RegisterListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// UnregisterListener removes a change listener
func (m *Manager) UnregisterListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, reg := range m.listeners {
		if reg == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(uuid string, ranges map[VlanRange]struct{}) {
	m.listenerMu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenerMu.Unlock()

	ordered := make([]VlanRange, 0, len(ranges))
	for r := range ranges {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Start < ordered[j].Start
	})

	for _, l := range listeners {
		l.LBIfaceUpdated(uuid)
		for _, r := range ordered {
			l.LBVlanRangeUpdated(r)
		}
	}
}

// UpdateIface atomically replaces the interface's claims. The old
// claims are withdrawn from the partition and the new ones added in one
// critical section; affected sub-ranges are delivered to listeners
// after the lock is released.
func (m *Manager) UpdateIface(iface *Iface) {
	if iface == nil || iface.UUID == "" {
		return
	}
	iface = iface.Copy()
	notifyRanges := make(map[VlanRange]struct{})

	m.mu.Lock()
	old := m.ifaces[iface.UUID]
	if old != nil && old.InterfaceName != iface.InterfaceName {
		m.removeNameLocked(old)
	}
	if iface.InterfaceName != "" {
		set, ok := m.byName[iface.InterfaceName]
		if !ok {
			set = sets.New[string]()
			m.byName[iface.InterfaceName] = set
		}
		set.Insert(iface.UUID)
	}

	if old != nil && !rangesEqual(old.TrunkVlans, iface.TrunkVlans) {
		m.removeVlansLocked(old, notifyRanges)
	}
	m.addVlansLocked(iface, notifyRanges)
	m.coalesceLocked(notifyRanges)
	m.ifaces[iface.UUID] = iface
	m.mu.Unlock()

	m.notify(iface.UUID, notifyRanges)
}

// RemoveIface removes the interface and withdraws all its claims
func (m *Manager) RemoveIface(uuid string) {
	notifyRanges := make(map[VlanRange]struct{})

	m.mu.Lock()
	iface, ok := m.ifaces[uuid]
	if ok {
		m.removeNameLocked(iface)
		m.removeVlansLocked(iface, notifyRanges)
		m.coalesceLocked(notifyRanges)
		delete(m.ifaces, uuid)
	}
	m.mu.Unlock()

	m.notify(uuid, notifyRanges)
}

func (m *Manager) removeNameLocked(iface *Iface) {
	if iface.InterfaceName == "" {
		return
	}
	if set, ok := m.byName[iface.InterfaceName]; ok {
		set.Delete(iface.UUID)
		if set.Len() == 0 {
			delete(m.byName, iface.InterfaceName)
		}
	}
}

// lowerBound returns the index of the first entry whose range ends at
// or after vlan
func (m *Manager) lowerBound(vlan uint16) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].r.End >= vlan
	})
}

// addVlansLocked merges each claimed range into the partition,
// splitting stored entries on the claim's boundaries. Every emitted or
// replaced sub-range is added to notify. Caller holds m.mu.
func (m *Manager) addVlansLocked(iface *Iface, notify map[VlanRange]struct{}) {
	uuid := iface.UUID
	for _, r := range iface.TrunkVlans {
		if r.End < r.Start {
			continue
		}
		idx := m.lowerBound(r.Start)

		// collect replacement segments for the overlapped window
		var repl []rangeEntry
		cur := r.Start
		done := false
		for idx < len(m.entries) && !done {
			l := m.entries[idx]
			if l.r.Start > r.End {
				break
			}
			notify[l.r] = struct{}{}

			if cur < l.r.Start {
				nr := VlanRange{Start: cur, End: l.r.Start - 1}
				repl = append(repl, rangeEntry{r: nr, set: sets.New(uuid)})
				notify[nr] = struct{}{}
			}
			if l.r.Start < cur {
				// prefix of l outside the claim keeps its members
				nr := VlanRange{Start: l.r.Start, End: cur - 1}
				repl = append(repl, rangeEntry{r: nr, set: l.set.Clone()})
				notify[nr] = struct{}{}
			}

			lo := maxVlan(l.r.Start, cur)
			hi := minVlan(l.r.End, r.End)
			ovl := VlanRange{Start: lo, End: hi}
			repl = append(repl, rangeEntry{r: ovl, set: l.set.Clone().Insert(uuid)})
			notify[ovl] = struct{}{}

			if l.r.End > r.End {
				nr := VlanRange{Start: r.End + 1, End: l.r.End}
				repl = append(repl, rangeEntry{r: nr, set: l.set.Clone()})
				notify[nr] = struct{}{}
				done = true
			}

			m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
			if hi == r.End {
				done = true
			}
			cur = hi + 1
		}
		if !done && cur <= r.End {
			nr := VlanRange{Start: cur, End: r.End}
			repl = append(repl, rangeEntry{r: nr, set: sets.New(uuid)})
			notify[nr] = struct{}{}
		}

		// splice the replacement segments back in at idx
		m.entries = append(m.entries[:idx],
			append(repl, m.entries[idx:]...)...)
	}
}

// removeVlansLocked withdraws the interface from every stored sub-range
// overlapping its claims, dropping entries whose member set becomes
// empty. Caller holds m.mu.
func (m *Manager) removeVlansLocked(iface *Iface, notify map[VlanRange]struct{}) {
	uuid := iface.UUID
	for _, r := range iface.TrunkVlans {
		idx := m.lowerBound(r.Start)
		for idx < len(m.entries) {
			l := &m.entries[idx]
			if l.r.Start > r.End {
				break
			}
			notify[l.r] = struct{}{}
			l.set.Delete(uuid)
			if l.set.Len() == 0 {
				m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
			} else {
				idx++
			}
		}
	}
}

// coalesceLocked merges adjacent sub-ranges with identical member
// sets so the partition stays maximal. Merged ranges are added to
// notify. Caller holds m.mu.
func (m *Manager) coalesceLocked(notify map[VlanRange]struct{}) {
	for i := 0; i+1 < len(m.entries); {
		cur, next := &m.entries[i], &m.entries[i+1]
		if cur.r.End+1 == next.r.Start && cur.set.Equal(next.set) {
			merged := VlanRange{Start: cur.r.Start, End: next.r.End}
			notify[merged] = struct{}{}
			cur.r = merged
			m.entries = append(m.entries[:i+1], m.entries[i+2:]...)
			continue
		}
		i++
	}
}

// GetIface returns a snapshot of the interface, or nil if unknown
func (m *Manager) GetIface(uuid string) *Iface {
	m.mu.Lock()
	defer m.mu.Unlock()
	if iface, ok := m.ifaces[uuid]; ok {
		return iface.Copy()
	}
	return nil
}

// GetIfacesByName returns the uuids bound to an interface name
func (m *Manager) GetIfacesByName(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sets.List(m.byName[name])
}

// IfacesByVlanRange returns the member set for a stored sub-range.
// Only an exact range match hits; queries spanning multiple stored
// sub-ranges return nothing.
func (m *Manager) IfacesByVlanRange(r VlanRange) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.lowerBound(r.Start)
	if idx < len(m.entries) &&
		m.entries[idx].r.Start == r.Start && m.entries[idx].r.End == r.End {
		return sets.List(m.entries[idx].set)
	}
	return nil
}

// VlanRangesByIface enumerates the stored sub-ranges whose member set
// contains the interface
func (m *Manager) VlanRangesByIface(uuid string) []VlanRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []VlanRange
	for _, e := range m.entries {
		if e.set.Has(uuid) {
			out = append(out, e.r)
		}
	}
	return out
}

// ForEachVlanRange calls fn for every stored sub-range in ascending
// order with a copy of its member set
func (m *Manager) ForEachVlanRange(fn func(r VlanRange, uuids []string)) {
	m.mu.Lock()
	type snap struct {
		r     VlanRange
		uuids []string
	}
	snaps := make([]snap, 0, len(m.entries))
	for _, e := range m.entries {
		snaps = append(snaps, snap{r: e.r, uuids: sets.List(e.set)})
	}
	m.mu.Unlock()

	for _, s := range snaps {
		fn(s.r, s.uuids)
	}
}

func rangesEqual(a, b []VlanRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func minVlan(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func maxVlan(a, b uint16) uint16 {
	if a > b {
		return a
	}
	return b
}
