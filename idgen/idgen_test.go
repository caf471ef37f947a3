package idgen

import (
	"sort"
	"strings"
	"testing"
)

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	for _, length := range []int{8, 12, 24} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("NanoID: unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestUUIDv7_SortsByCreation(t *testing.T) {
	gen := UUIDv7()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = gen()
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("UUIDv7 ids are not time ordered")
	}
	if _, err := Parse(ids[0]); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("peer_", NanoID(6))()
	if !strings.HasPrefix(id, "peer_") || len(id) != 11 {
		t.Fatalf("Prefixed: got %q", id)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("b")
	if a, b := gen(), gen(); a != "b1" || b != "b2" {
		t.Fatalf("Sequence: got %q, %q", a, b)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("Parse accepted garbage")
	}
}
