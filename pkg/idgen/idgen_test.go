// Package idgen provides stable id allocation for string keys.
package idgen

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// advance moves the generator's clock forward
func advance(g *Generator, d time.Duration) {
	base := g.now()
	g.now = func() time.Time { return base.Add(d) }
}

// TestAllocationLifecycle walks allocation, revival, cleanup and
// reallocation through a small namespace.
func TestAllocationLifecycle(t *testing.T) {
	g := NewGeneratorWithInterval(time.Minute)
	g.InitNamespace("n", 1, 5)

	mustID := func(key string, want uint32) {
		t.Helper()
		id, err := g.GetID("n", key)
		if err != nil {
			t.Fatalf("GetID(%q): %v", key, err)
		}
		if id != want {
			t.Fatalf("GetID(%q) = %d, want %d", key, id, want)
		}
	}

	mustID("a", 1)
	mustID("b", 2)
	mustID("a", 1)

	// erase followed by get revives the pending id unchanged
	g.Erase("n", "a")
	mustID("a", 1)

	// the revival emptied the pending set, so cleanup frees nothing
	advance(g, 2*time.Minute)
	g.Cleanup()
	mustID("c", 3)

	// a real erase frees the id after the grace period
	g.Erase("n", "a")
	advance(g, 4*time.Minute)
	g.Cleanup()
	mustID("a", 1)
	if remaining := g.RemainingIDs("n"); remaining != 2 {
		t.Errorf("RemainingIDs = %d, want 2", remaining)
	}
}

// TestEraseWithoutCleanupKeepsID verifies the grace period: an erased
// id stays assigned until cleanup runs after the interval.
func TestEraseWithoutCleanupKeepsID(t *testing.T) {
	g := NewGeneratorWithInterval(time.Minute)
	g.InitNamespace("n", 1, 10)

	id, _ := g.GetID("n", "x")
	g.Erase("n", "x")
	g.Cleanup() // interval not elapsed

	got, _ := g.GetID("n", "x")
	if got != id {
		t.Errorf("id changed across premature cleanup: %d != %d", got, id)
	}
}

// TestFreeRangeMerging verifies that freed ids merge with neighboring
// free ranges on either side.
func TestFreeRangeMerging(t *testing.T) {
	g := NewGeneratorWithInterval(time.Minute)
	g.InitNamespace("n", 1, 20)

	keys := make(map[uint32]string)
	for i := uint32(1); i <= 20; i++ {
		key := string(rune('a'+i-1)) + "key"
		id, err := g.GetID("n", key)
		if err != nil {
			t.Fatalf("GetID: %v", err)
		}
		keys[id] = key
	}

	eraseAndClean := func(ids ...uint32) {
		for _, id := range ids {
			g.Erase("n", keys[id])
		}
		advance(g, 2*time.Minute)
		g.Cleanup()
	}
	checkRanges := func(want [][2]uint32) {
		t.Helper()
		got := g.FreeRanges("n")
		if len(got) != len(want) {
			t.Fatalf("free ranges = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("free ranges = %v, want %v", got, want)
			}
		}
	}

	eraseAndClean(6, 14)
	checkRanges([][2]uint32{{6, 6}, {14, 14}})

	eraseAndClean(7, 13)
	checkRanges([][2]uint32{{6, 7}, {13, 14}})
	if remaining := g.RemainingIDs("n"); remaining != 4 {
		t.Errorf("RemainingIDs = %d, want 4", remaining)
	}

	eraseAndClean(8, 12)
	checkRanges([][2]uint32{{6, 8}, {12, 14}})
}

// TestCollectGarbage verifies predicate-driven reclamation
func TestCollectGarbage(t *testing.T) {
	g := NewGeneratorWithInterval(time.Minute)
	g.InitNamespace("n", 1, 10)

	g.GetID("n", "alive")
	g.GetID("n", "dead")

	g.CollectGarbage("n", func(key string) bool { return key == "alive" })
	advance(g, 2*time.Minute)
	g.Cleanup()

	if _, ok := g.GetStringForID("n", 2); ok {
		t.Error("dead key survived garbage collection")
	}
	if _, ok := g.GetStringForID("n", 1); !ok {
		t.Error("alive key was collected")
	}
}

// TestAllocHookVeto verifies a vetoed allocation is not committed
func TestAllocHookVeto(t *testing.T) {
	g := NewGenerator()
	g.InitNamespace("n", 1, 10)
	g.SetAllocHook("n", func(key string, id uint32) bool {
		return key != "forbidden"
	})

	if _, err := g.GetID("n", "forbidden"); err == nil {
		t.Fatal("expected hook veto error")
	}
	if remaining := g.RemainingIDs("n"); remaining != 10 {
		t.Errorf("vetoed allocation consumed an id: remaining = %d", remaining)
	}
	if id, err := g.GetID("n", "ok"); err != nil || id != 1 {
		t.Errorf("GetID after veto = %d, %v; want 1", id, err)
	}
}

// TestUnknownNamespace verifies operations on uninitialized namespaces
func TestUnknownNamespace(t *testing.T) {
	g := NewGenerator()
	if _, err := g.GetID("nope", "x"); err != ErrUnknownNamespace {
		t.Errorf("GetID error = %v, want ErrUnknownNamespace", err)
	}
	if _, ok := g.GetStringForID("nope", 1); ok {
		t.Error("GetStringForID on unknown namespace succeeded")
	}
	g.Erase("nope", "x") // must not panic
}

// TestExhaustion verifies behavior when the namespace runs out of ids
func TestExhaustion(t *testing.T) {
	g := NewGenerator()
	g.InitNamespace("n", 1, 2)
	g.GetID("n", "a")
	g.GetID("n", "b")
	if _, err := g.GetID("n", "c"); err != ErrNoFreeIDs {
		t.Errorf("GetID error = %v, want ErrNoFreeIDs", err)
	}
}

// TestPersistenceRoundTrip verifies ids survive re-initialization from
// the namespace file, with the free set rebuilt as the complement.
func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	g := NewGenerator()
	g.SetPersistDir(dir)
	g.InitNamespace("ns", 1, 100)
	idA, _ := g.GetID("ns", "a")
	idB, _ := g.GetID("ns", "b")
	idC, _ := g.GetID("ns", "c")

	g2 := NewGenerator()
	g2.SetPersistDir(dir)
	g2.InitNamespace("ns", 1, 100)

	for key, want := range map[string]uint32{"a": idA, "b": idB, "c": idC} {
		got, err := g2.GetID("ns", key)
		if err != nil || got != want {
			t.Errorf("GetID(%q) after reload = %d, %v; want %d", key, got, err, want)
		}
	}
	if got, _ := g2.GetID("ns", "d"); got != 4 {
		t.Errorf("next allocation after reload = %d, want 4", got)
	}
}

// TestPersistenceBadHeader verifies a corrupt header leaves the
// namespace empty rather than failing initialization.
func TestPersistenceBadHeader(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "ns.id")
	if err := os.WriteFile(fname, []byte("not an id file at all"), 0644); err != nil {
		t.Fatal(err)
	}

	g := NewGenerator()
	g.SetPersistDir(dir)
	g.InitNamespace("ns", 1, 100)

	if remaining := g.RemainingIDs("ns"); remaining != 100 {
		t.Errorf("RemainingIDs = %d, want 100 (empty namespace)", remaining)
	}
}

// TestPersistenceTruncatedRecord verifies records before a truncation
// point load and the rest are skipped.
func TestPersistenceTruncatedRecord(t *testing.T) {
	dir := t.TempDir()

	g := NewGenerator()
	g.SetPersistDir(dir)
	g.InitNamespace("ns", 1, 100)
	g.GetID("ns", "alpha")
	g.GetID("ns", "beta")

	fname := filepath.Join(dir, "ns.id")
	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatal(err)
	}
	// cut into the middle of the last record
	if err := os.WriteFile(fname, data[:len(data)-3], 0644); err != nil {
		t.Fatal(err)
	}

	g2 := NewGenerator()
	g2.SetPersistDir(dir)
	g2.InitNamespace("ns", 1, 100)

	if id, _ := g2.GetID("ns", "alpha"); id != 1 {
		t.Errorf("intact record lost: alpha = %d, want 1", id)
	}
	// the truncated record was dropped; beta reallocates
	if _, ok := g2.GetStringForID("ns", 2); ok {
		t.Error("truncated record survived load")
	}
}

// TestPersistenceOutOfRange verifies an out-of-range record is skipped
// while the in-range record beside it still loads.
func TestPersistenceOutOfRange(t *testing.T) {
	dir := t.TempDir()

	g := NewGenerator()
	g.SetPersistDir(dir)
	g.InitNamespace("ns", 1, 100)
	g.GetID("ns", "keep")
	g.GetID("ns", "drop")

	// reload with a narrower range excluding id 2
	g2 := NewGenerator()
	g2.SetPersistDir(dir)
	g2.InitNamespace("ns", 1, 1)

	if id, _ := g2.GetID("ns", "keep"); id != 1 {
		t.Errorf("keep = %d, want 1", id)
	}
	if _, ok := g2.GetStringForID("ns", 2); ok {
		t.Error("out-of-range record survived load")
	}
}
