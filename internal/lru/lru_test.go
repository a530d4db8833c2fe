package lru

import "testing"

func TestGetOrInsertEvictsLRU(t *testing.T) {
	var evicted []int
	c := New[int, string](2, func(k int, v string) { evicted = append(evicted, k) })
	c.GetOrInsert(1, func() string { return "a" })
	c.GetOrInsert(2, func() string { return "b" })
	c.GetOrInsert(3, func() string { return "c" })
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("expected key 1 evicted, got %v", evicted)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
}

func TestGetMarksMostRecentlyUsed(t *testing.T) {
	var evicted []int
	c := New[int, string](2, func(k int, v string) { evicted = append(evicted, k) })
	c.GetOrInsert(1, func() string { return "a" })
	c.GetOrInsert(2, func() string { return "b" })
	c.Get(1) // touch 1, so 2 becomes LRU
	c.GetOrInsert(3, func() string { return "c" })
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("expected key 2 evicted, got %v", evicted)
	}
}

func TestGetOrInsertReturnsExisting(t *testing.T) {
	calls := 0
	c := New[string, int](4, nil)
	v1 := c.GetOrInsert("x", func() int { calls++; return 1 })
	v2 := c.GetOrInsert("x", func() int { calls++; return 2 })
	if v1 != v2 || calls != 1 {
		t.Fatalf("expected create called once, got calls=%d v1=%d v2=%d", calls, v1, v2)
	}
}
