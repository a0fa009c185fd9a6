// Package idgen allocates compact 32-bit integer ids for opaque string
// keys (policy URIs), for use as on-wire tags such as register values
// and tunnel ids.
//
// Ids are allocated per namespace from an ordered set of free ranges.
// Allocations survive process restarts through a per-namespace
// persistence file, and erased ids are only recycled after a grace
// period so transient churn does not reshuffle tags.
//
// All operations are protected by a single mutex; persistence writes
// happen inline on the calling goroutine under that mutex.
package idgen

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// MaxIDValue is the default upper bound of an id namespace
const MaxIDValue = uint32(1) << 31

// DefaultCleanupInterval is the grace period before an erased id is
// returned to the free set
const DefaultCleanupInterval = 5 * time.Minute

var (
	// ErrUnknownNamespace is returned for operations on a namespace
	// that was never initialized
	ErrUnknownNamespace = errors.New("unknown id namespace")

	// ErrNoFreeIDs is returned when a namespace is exhausted
	ErrNoFreeIDs = errors.New("no free ids in namespace")

	// ErrHookVeto is returned when the allocation hook rejects an
	// assignment
	ErrHookVeto = errors.New("id allocation canceled by allocation hook")
)

// AllocHook may veto an id assignment before it is committed. It is
// invoked with the key and the tentative id; returning false aborts the
// allocation.
type AllocHook func(key string, id uint32) bool

// idRange is an inclusive range of ids
type idRange struct {
	start uint32
	end   uint32
}

// idMap is the per-namespace state
type idMap struct {
	minID uint32
	maxID uint32

	// ids maps key to assigned id; reverse is its inverse
	ids     map[string]uint32
	reverse map[uint32]string

	// free is the ordered, disjoint, non-adjacent set of free ranges
	free []idRange

	// erased holds keys pending cleanup with their erase time
	erased map[string]time.Time

	hook AllocHook
}

// Generator allocates stable ids in named namespaces
type Generator struct {
	mu sync.Mutex

	namespaces map[string]*idMap

	// persistDir, when set, enables per-namespace persistence files
	persistDir string

	cleanupInterval time.Duration

	// now is replaceable for tests
	now func() time.Time
}

// NewGenerator creates a Generator with the default cleanup interval
func NewGenerator() *Generator {
	return NewGeneratorWithInterval(DefaultCleanupInterval)
}

// NewGeneratorWithInterval creates a Generator with a custom grace
// period for erased ids
func NewGeneratorWithInterval(cleanupInterval time.Duration) *Generator {
	return &Generator{
		namespaces:      make(map[string]*idMap),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
	}
}

// SetPersistDir configures the directory holding <namespace>.id files.
// It must be called before namespaces are initialized.
func (g *Generator) SetPersistDir(dir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.persistDir = dir
}

// SetAllocHook installs an allocation hook for a namespace
func (g *Generator) SetAllocHook(ns string, hook AllocHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	im, ok := g.namespaces[ns]
	if !ok {
		klog.Errorf("Cannot set hook for uninitialized namespace: %s", ns)
		return
	}
	im.hook = hook
}

// InitNamespace creates or resets a namespace covering [minID, maxID]
// and, if persistence is configured, loads previously assigned ids from
// the namespace file. A corrupt or unreadable file leaves the namespace
// empty; ids are reissued and external reconciliation corrects state.
func (g *Generator) InitNamespace(ns string, minID, maxID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	im := &idMap{
		minID:   minID,
		maxID:   maxID,
		ids:     make(map[string]uint32),
		reverse: make(map[uint32]string),
		free:    []idRange{{start: minID, end: maxID}},
		erased:  make(map[string]time.Time),
	}
	g.namespaces[ns] = im

	if g.persistDir == "" {
		return
	}
	g.loadLocked(ns, im)
}

// InitNamespaceDefault initializes a namespace covering [1, 2^31]
func (g *Generator) InitNamespaceDefault(ns string) {
	g.InitNamespace(ns, 1, MaxIDValue)
}

// GetID returns the id assigned to key in the namespace, allocating
// the smallest free id if the key is new. A key pending erase is
// revived with its existing id unchanged.
func (g *Generator) GetID(ns, key string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	im, ok := g.namespaces[ns]
	if !ok {
		klog.Errorf("ID requested for unknown namespace: %s", ns)
		return 0, ErrUnknownNamespace
	}

	delete(im.erased, key)

	if id, ok := im.ids[key]; ok {
		return id, nil
	}

	if len(im.free) == 0 {
		klog.Errorf("No free IDs in namespace: %s", ns)
		return 0, ErrNoFreeIDs
	}
	r := im.free[0]
	newID := r.start
	if im.hook != nil && !im.hook(key, newID) {
		klog.Errorf("ID allocation canceled by allocation hook")
		return 0, ErrHookVeto
	}

	if r.start < r.end {
		im.free[0] = idRange{start: r.start + 1, end: r.end}
	} else {
		im.free = im.free[1:]
	}
	im.ids[key] = newID
	im.reverse[newID] = key

	klog.V(4).Infof("Assigned %s:%d to id: %s", ns, newID, key)
	g.persistLocked(ns, im)
	return newID, nil
}

// GetStringForID returns the key assigned to an id, if any
func (g *Generator) GetStringForID(ns string, id uint32) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	im, ok := g.namespaces[ns]
	if !ok {
		klog.Errorf("String requested for unknown namespace: %s", ns)
		return "", false
	}
	key, ok := im.reverse[id]
	return key, ok
}

// Erase marks a key for removal. The id remains assigned until a
// subsequent Cleanup after the grace period, so a quickly recreated key
// keeps its id.
func (g *Generator) Erase(ns, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	im, ok := g.namespaces[ns]
	if !ok {
		return
	}
	if _, pending := im.erased[key]; !pending {
		im.erased[key] = g.now()
	}
}

// Cleanup frees the ids of keys whose erase grace period has expired,
// merging freed ids back into the free-range set. Namespaces whose
// state changed are persisted.
func (g *Generator) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ns, im := range g.namespaces {
		changed := false
		for key, when := range im.erased {
			if now.Sub(when) <= g.cleanupInterval {
				continue
			}
			if id, ok := im.ids[key]; ok {
				im.free = insertFree(im.free, id)
				delete(im.reverse, id)
				delete(im.ids, key)
				changed = true
				klog.V(4).Infof("Cleaned up ID %s in namespace %s", key, ns)
			}
			delete(im.erased, key)
		}
		if changed {
			g.persistLocked(ns, im)
		}
		klog.V(5).Infof("Remaining IDs for namespace %s: %d in %d range(s)",
			ns, remaining(im), len(im.free))
	}
}

// CollectGarbage marks every live key for which isAlive returns false
// as pending erase. The next Cleanup after the grace period reclaims
// them.
func (g *Generator) CollectGarbage(ns string, isAlive func(key string) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	im, ok := g.namespaces[ns]
	if !ok {
		return
	}
	now := g.now()
	for key := range im.ids {
		if isAlive(key) {
			continue
		}
		if _, pending := im.erased[key]; !pending {
			im.erased[key] = now
		}
	}
}

// RemainingIDs returns the number of unassigned ids in the namespace
func (g *Generator) RemainingIDs(ns string) uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	im, ok := g.namespaces[ns]
	if !ok {
		return 0
	}
	return remaining(im)
}

// FreeRangeCount returns the number of disjoint free ranges
func (g *Generator) FreeRangeCount(ns string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	im, ok := g.namespaces[ns]
	if !ok {
		return 0
	}
	return len(im.free)
}

// FreeRanges returns the free ranges as [start, end] pairs in ascending
// order
func (g *Generator) FreeRanges(ns string) [][2]uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	im, ok := g.namespaces[ns]
	if !ok {
		return nil
	}
	out := make([][2]uint32, 0, len(im.free))
	for _, r := range im.free {
		out = append(out, [2]uint32{r.start, r.end})
	}
	return out
}

func remaining(im *idMap) uint32 {
	var total uint32
	for _, r := range im.free {
		total += r.end - r.start + 1
	}
	return total
}

// insertFree returns the free-range set with id added, merging with a
// neighboring range on either side so the set stays disjoint and
// non-adjacent.
func insertFree(free []idRange, id uint32) []idRange {
	// find first range starting after id
	lo, hi := 0, len(free)
	for lo < hi {
		mid := (lo + hi) / 2
		if free[mid].start <= id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	ub := lo
	prev := ub - 1

	mergePrev := prev >= 0 && free[prev].end+1 == id
	mergeNext := ub < len(free) && id+1 == free[ub].start

	switch {
	case mergePrev && mergeNext:
		free[prev].end = free[ub].end
		return append(free[:ub], free[ub+1:]...)
	case mergePrev:
		free[prev].end = id
		return free
	case mergeNext:
		free[ub].start = id
		return free
	default:
		free = append(free, idRange{})
		copy(free[ub+1:], free[ub:])
		free[ub] = idRange{start: id, end: id}
		return free
	}
}

func (g *Generator) namespaceFile(ns string) string {
	return fmt.Sprintf("%s/%s.id", g.persistDir, ns)
}
