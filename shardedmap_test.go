package dockache

import (
	"fmt"
	"sync"
	"testing"
)

func TestShardedMap_StoreLoadDelete(t *testing.T) {
	m := newShardedMap[string, int](func(k string) string { return k })

	if _, ok := m.load("a"); ok {
		t.Fatal("load on empty map should miss")
	}
	m.store("a", 1)
	v, ok := m.load("a")
	if !ok || v != 1 {
		t.Fatalf("load(a) = (%d, %v), want (1, true)", v, ok)
	}
	if existed := m.delete("a"); !existed {
		t.Error("delete should report the key existed")
	}
	if existed := m.delete("a"); existed {
		t.Error("deleting an absent key should report false")
	}
}

func TestShardedMap_CountKeysClear(t *testing.T) {
	m := newShardedMap[string, int](func(k string) string { return k })
	for i := 0; i < 10; i++ {
		m.store(fmt.Sprintf("k%d", i), i)
	}
	if n := m.count(); n != 10 {
		t.Errorf("count() = %d, want 10", n)
	}
	if n := len(m.keys()); n != 10 {
		t.Errorf("len(keys()) = %d, want 10", n)
	}
	m.clear()
	if n := m.count(); n != 0 {
		t.Errorf("count() after clear = %d, want 0", n)
	}
}

func TestShardedMap_WithLock_AtomicReadDecideWrite(t *testing.T) {
	m := newShardedMap[string, int](func(k string) string { return k })
	m.store("k", 5)

	// withLock should only write when told to.
	m.withLock("k", func(current int, ok bool) (int, bool) {
		if !ok || current != 5 {
			t.Fatalf("withLock saw current=%d ok=%v, want 5 true", current, ok)
		}
		return current, false
	})
	v, _ := m.load("k")
	if v != 5 {
		t.Errorf("value changed despite write=false: got %d", v)
	}

	m.withLock("k", func(current int, ok bool) (int, bool) {
		return current + 1, true
	})
	v, _ = m.load("k")
	if v != 6 {
		t.Errorf("value = %d, want 6 after write=true", v)
	}
}

func TestShardedMap_ConcurrentAccess(t *testing.T) {
	m := newShardedMap[int, int](func(k int) string { return fmt.Sprint(k) })
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.store(i, i*2)
			m.load(i)
		}(i)
	}
	wg.Wait()
	if n := m.count(); n != 200 {
		t.Errorf("count() = %d, want 200", n)
	}
}

func TestShardedMap_RangeEach(t *testing.T) {
	m := newShardedMap[string, int](func(k string) string { return k })
	m.store("a", 1)
	m.store("b", 2)
	m.store("c", 3)

	seen := map[string]int{}
	m.rangeEach(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("rangeEach visited %d entries, want 3", len(seen))
	}

	count := 0
	m.rangeEach(func(k string, v int) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("rangeEach should stop after the callback returns false, visited %d", count)
	}
}
