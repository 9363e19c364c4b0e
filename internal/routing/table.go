// Package routing provides a longest-prefix-match table keyed by IPv4 CIDR
// ranges. The device uses one instance as the global destination→peer route
// table; it is built once at startup and only read afterwards, so no locking
// is done here.
package routing

import (
	"fmt"
	"net/netip"
	"sort"
)

type entry[V any] struct {
	prefix netip.Prefix
	value  V
}

// Table maps IPv4 prefixes to values. Lookup returns the value of the most
// specific (longest-prefix) entry containing an address. Among entries of
// equal length whose ranges both cover an address, the earliest inserted
// wins — deterministic for a fixed insertion history.
type Table[V any] struct {
	// Sorted by prefix length, longest first; equal lengths keep
	// insertion order.
	entries []entry[V]
}

// New creates an empty table.
func New[V any]() *Table[V] {
	return &Table[V]{}
}

// Insert adds a prefix→value mapping. An existing entry with the exact same
// (address, length) key is replaced, and its previous value returned.
// Invalid or non-IPv4 prefixes are a caller bug and panic.
func (t *Table[V]) Insert(prefix netip.Prefix, value V) (prev V, replaced bool) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		panic(fmt.Sprintf("routing: invalid IPv4 prefix %v", prefix))
	}

	for i := range t.entries {
		if t.entries[i].prefix == prefix {
			prev = t.entries[i].value
			t.entries[i].value = value
			return prev, true
		}
	}

	t.entries = append(t.entries, entry[V]{prefix: prefix, value: value})
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].prefix.Bits() > t.entries[j].prefix.Bits()
	})
	return prev, false
}

// Lookup returns the value whose range contains addr with the longest
// prefix, or ok=false if no entry matches.
func (t *Table[V]) Lookup(addr netip.Addr) (value V, ok bool) {
	for i := range t.entries {
		if t.entries[i].prefix.Contains(addr) {
			return t.entries[i].value, true
		}
	}
	return value, false
}

// RemoveFunc deletes every entry whose value satisfies pred and returns the
// number of entries removed.
func (t *Table[V]) RemoveFunc(pred func(V) bool) int {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if !pred(e.value) {
			kept = append(kept, e)
		}
	}
	removed := len(t.entries) - len(kept)
	t.entries = kept
	return removed
}

// Len returns the number of entries in the table.
func (t *Table[V]) Len() int {
	return len(t.entries)
}
