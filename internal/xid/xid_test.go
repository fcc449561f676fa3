package xid

import (
	"strings"
	"testing"
)

func TestReferenceIsUniqueAndParsable(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		ref := Reference()
		if !Valid(ref) {
			t.Fatalf("reference %q does not parse", ref)
		}
		if _, dup := seen[ref]; dup {
			t.Fatalf("duplicate reference %q", ref)
		}
		seen[ref] = struct{}{}
	}
}

func TestNewKeepsPrefix(t *testing.T) {
	if id := New("mv"); !strings.HasPrefix(id, "mv-") {
		t.Fatalf("expected mv- prefix, got %q", id)
	}
}
