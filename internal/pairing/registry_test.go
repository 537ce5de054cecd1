package pairing

import "testing"

func TestRegistryAddGetRemove(t *testing.T) {
	r := newRegistry()
	p := NewParticipant("c1", "Alice", 4)

	r.add(p)
	if got := r.get("c1"); got != p {
		t.Fatalf("get returned %v, want the registered participant", got)
	}
	if r.count() != 1 {
		t.Fatalf("count = %d, want 1", r.count())
	}

	r.remove("c1")
	if r.get("c1") != nil {
		t.Fatalf("get after remove is non-nil")
	}
	if r.count() != 0 {
		t.Fatalf("count = %d after remove, want 0", r.count())
	}

	// remove is idempotent
	r.remove("c1")
}

func TestRegistryDuplicateIDPanics(t *testing.T) {
	r := newRegistry()
	r.add(NewParticipant("c1", "Alice", 4))

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate id did not panic")
		}
	}()
	r.add(NewParticipant("c1", "Bob", 4))
}
