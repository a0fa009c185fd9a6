// Property-based tests for the VLAN range index.
//
// Validates the partition invariant: after any sequence of interface
// updates, the stored sub-ranges are disjoint, cover exactly the union
// of all claims, and each sub-range's member set contains an interface
// exactly when one of its claims covers the sub-range.
package learningbridge

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// claimModel is the reference model: per-interface claim list
type claimModel map[string][]VlanRange

// covered reports whether any claim of the interface covers the range
func (c claimModel) covered(uuid string, r VlanRange) bool {
	for _, claim := range c[uuid] {
		if claim.Contains(r) {
			return true
		}
	}
	return false
}

// checkInvariant compares the stored partition against the model
func checkInvariant(m *Manager, model claimModel) error {
	type entry struct {
		r     VlanRange
		uuids []string
	}
	var entries []entry
	m.ForEachVlanRange(func(r VlanRange, uuids []string) {
		entries = append(entries, entry{r: r, uuids: uuids})
	})

	// disjoint and ordered
	for i := 1; i < len(entries); i++ {
		if entries[i].r.Start <= entries[i-1].r.End {
			return fmt.Errorf("overlap between %v and %v",
				entries[i-1].r, entries[i].r)
		}
	}

	// per-vlan membership equals the model
	stored := make(map[uint16]map[string]bool)
	for _, e := range entries {
		if len(e.uuids) == 0 {
			return fmt.Errorf("empty member set for %v", e.r)
		}
		for v := e.r.Start; ; v++ {
			set := make(map[string]bool)
			for _, u := range e.uuids {
				set[u] = true
			}
			stored[v] = set
			if v == e.r.End {
				break
			}
		}
		// each member's claims must cover the whole sub-range
		for _, u := range e.uuids {
			if !model.covered(u, e.r) {
				return fmt.Errorf("%s in %v without covering claim", u, e.r)
			}
		}
	}

	for uuid, claims := range model {
		for _, claim := range claims {
			for v := claim.Start; ; v++ {
				if !stored[v][uuid] {
					return fmt.Errorf("vlan %d missing member %s", v, uuid)
				}
				if v == claim.End {
					break
				}
			}
		}
	}
	return nil
}

// genRanges generates a small claim list with normalized bounds
func genRanges() gopter.Gen {
	return gen.SliceOfN(2, gen.IntRange(0, 63)).Map(func(bounds []int) []VlanRange {
		lo, hi := bounds[0], bounds[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		return []VlanRange{{Start: uint16(lo), End: uint16(hi)}}
	})
}

// TestProperty_PartitionInvariant verifies the partition under random
// update sequences across three interfaces.
func TestProperty_PartitionInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stored sub-ranges partition the claimed space", prop.ForAll(
		func(idx int, r1, r2, r3 []VlanRange) bool {
			m := NewManager()
			model := claimModel{}

			updates := []struct {
				uuid   string
				ranges []VlanRange
			}{
				{"A", r1}, {"B", r2}, {"C", r3},
				{"A", r2}, {"B", r3},
			}
			// vary the order with the generated index
			for i := 0; i < len(updates); i++ {
				u := updates[(i+idx)%len(updates)]
				m.UpdateIface(&Iface{UUID: u.uuid, TrunkVlans: u.ranges})
				model[u.uuid] = u.ranges
				if err := checkInvariant(m, model); err != nil {
					t.Logf("after update %d (%s): %v", i, u.uuid, err)
					return false
				}
			}

			for _, uuid := range []string{"A", "B", "C"} {
				m.RemoveIface(uuid)
				delete(model, uuid)
				if err := checkInvariant(m, model); err != nil {
					t.Logf("after remove %s: %v", uuid, err)
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 4),
		genRanges(), genRanges(), genRanges(),
	))

	properties.TestingRun(t)
}
