package routing

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("bad prefix %q: %v", s, err)
	}
	return p
}

// TestLongestPrefixMatch verifies lookups return the most specific entry
// containing the address, and a miss when nothing contains it.
func TestLongestPrefixMatch(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(mustPrefix(t, "10.0.0.0/8"), "B")
	tbl.Insert(mustPrefix(t, "10.0.0.0/24"), "A")
	tbl.Insert(mustPrefix(t, "10.0.0.42/32"), "C")
	tbl.Insert(mustPrefix(t, "0.0.0.0/0"), "default")

	testCases := []struct {
		addr string
		want string
	}{
		{addr: "10.0.0.5", want: "A"},
		{addr: "10.0.0.42", want: "C"},
		{addr: "10.1.1.1", want: "B"},
		{addr: "192.168.1.1", want: "default"},
		{addr: "10.0.0.255", want: "A"},
	}

	for _, tc := range testCases {
		got, ok := tbl.Lookup(netip.MustParseAddr(tc.addr))
		if !ok {
			t.Errorf("Lookup(%s) missed, want %q", tc.addr, tc.want)
			continue
		}
		if got != tc.want {
			t.Errorf("Lookup(%s) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

// TestLookupMiss verifies lookups with no covering range report a miss.
func TestLookupMiss(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(mustPrefix(t, "10.0.0.0/24"), "A")

	if v, ok := tbl.Lookup(netip.MustParseAddr("172.16.0.1")); ok {
		t.Errorf("Lookup on empty range returned %q", v)
	}
}

// TestInsertReplacesExactKey verifies an insert at the same (address,
// length) key replaces the entry and returns the previous value.
func TestInsertReplacesExactKey(t *testing.T) {
	tbl := New[string]()

	if _, replaced := tbl.Insert(mustPrefix(t, "10.0.0.0/24"), "old"); replaced {
		t.Error("first insert reported a replacement")
	}

	prev, replaced := tbl.Insert(mustPrefix(t, "10.0.0.0/24"), "new")
	if !replaced || prev != "old" {
		t.Fatalf("Insert = (%q, %v), want (old, true)", prev, replaced)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d after replace, want 1", tbl.Len())
	}

	got, _ := tbl.Lookup(netip.MustParseAddr("10.0.0.1"))
	if got != "new" {
		t.Errorf("Lookup after replace = %q, want new", got)
	}
}

// TestRemoveFunc verifies predicate-based removal deletes every matching
// entry and nothing else.
func TestRemoveFunc(t *testing.T) {
	tbl := New[string]()
	tbl.Insert(mustPrefix(t, "10.0.0.0/24"), "keep")
	tbl.Insert(mustPrefix(t, "10.0.1.0/24"), "drop")
	tbl.Insert(mustPrefix(t, "10.0.2.0/24"), "drop")

	if n := tbl.RemoveFunc(func(v string) bool { return v == "drop" }); n != 2 {
		t.Fatalf("RemoveFunc removed %d entries, want 2", n)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
	if _, ok := tbl.Lookup(netip.MustParseAddr("10.0.1.1")); ok {
		t.Error("removed range still matches")
	}
	if _, ok := tbl.Lookup(netip.MustParseAddr("10.0.0.1")); !ok {
		t.Error("surviving range no longer matches")
	}
}

// TestInsertRejectsInvalidPrefix verifies the fail-fast contract for
// caller bugs.
func TestInsertRejectsInvalidPrefix(t *testing.T) {
	testCases := []struct {
		name   string
		prefix netip.Prefix
	}{
		{name: "zero prefix", prefix: netip.Prefix{}},
		{name: "IPv6 prefix", prefix: netip.MustParsePrefix("2001:db8::/32")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Insert accepted an invalid prefix")
				}
			}()
			New[int]().Insert(tc.prefix, 0)
		})
	}
}
