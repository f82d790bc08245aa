package awareness

import (
	"testing"
)

func TestSetAndApply(t *testing.T) {
	a := NewSet()
	b := NewSet()

	payload := a.Set("c1", State{User: User{Name: "Ana", Color: "#f00"}, SlideID: "s1"})
	changed, err := b.Apply(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "c1" {
		t.Fatalf("changed = %v, want [c1]", changed)
	}
	got := b.States()["c1"]
	if got.User.Name != "Ana" || got.SlideID != "s1" {
		t.Fatalf("state = %+v", got)
	}
}

func TestReplaceNotMerge(t *testing.T) {
	a := NewSet()
	b := NewSet()

	b.Apply(a.Set("c1", State{User: User{Name: "Ana"}, SelectedElementID: "e9", SlideID: "s1"}))
	// The second record omits the selection; after apply it must be gone,
	// not inherited from the first record.
	b.Apply(a.Set("c1", State{User: User{Name: "Ana"}, SlideID: "s2"}))

	got := b.States()["c1"]
	if got.SelectedElementID != "" {
		t.Fatalf("selection %q survived a full replace", got.SelectedElementID)
	}
	if got.SlideID != "s2" {
		t.Fatalf("slideId = %q, want s2", got.SlideID)
	}
}

func TestStaleUpdateIgnored(t *testing.T) {
	a := NewSet()
	b := NewSet()

	first := a.Set("c1", State{SlideID: "s1"})
	second := a.Set("c1", State{SlideID: "s2"})

	b.Apply(second)
	changed, err := b.Apply(first) // replayed out of order
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Fatalf("stale update changed %v", changed)
	}
	if got := b.States()["c1"].SlideID; got != "s2" {
		t.Fatalf("slideId = %q, want s2", got)
	}
}

func TestRemove(t *testing.T) {
	a := NewSet()
	b := NewSet()

	b.Apply(a.Set("c1", State{SlideID: "s1"}))
	payload := a.Remove("c1")
	if payload == nil {
		t.Fatal("Remove returned nil for a live record")
	}
	b.Apply(payload)

	if b.Len() != 0 {
		t.Fatalf("b still has %d records after removal", b.Len())
	}
	if a.Len() != 0 {
		t.Fatalf("a still has %d records after removal", a.Len())
	}
	if a.Remove("c1") != nil {
		t.Fatal("second Remove returned a payload")
	}
	if a.Remove("never-seen") != nil {
		t.Fatal("Remove of unknown client returned a payload")
	}
}

func TestEncodeAll(t *testing.T) {
	a := NewSet()
	a.Set("c1", State{User: User{Name: "Ana"}})
	a.Set("c2", State{User: User{Name: "Bert"}})
	a.Remove("c2")

	b := NewSet()
	payload := a.EncodeAll()
	if payload == nil {
		t.Fatal("EncodeAll returned nil with one live record")
	}
	if _, err := b.Apply(payload); err != nil {
		t.Fatal(err)
	}
	states := b.States()
	if len(states) != 1 {
		t.Fatalf("states = %v, want only c1", states)
	}
	if states["c1"].User.Name != "Ana" {
		t.Fatalf("c1 = %+v", states["c1"])
	}

	if NewSet().EncodeAll() != nil {
		t.Fatal("EncodeAll on empty set returned a payload")
	}
}

func TestApplyMalformed(t *testing.T) {
	s := NewSet()
	if _, err := s.Apply([]byte{5, 1, 2}); err == nil {
		t.Fatal("malformed payload applied without error")
	}
	if _, err := s.Apply(nil); err == nil {
		t.Fatal("empty payload applied without error")
	}
}
