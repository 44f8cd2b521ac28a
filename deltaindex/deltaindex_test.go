package deltaindex

import "testing"

func TestInsertLookupRemoveHint(t *testing.T) {
	d := New(4, 8)
	if err := d.InsertHint(0, 100, 5); err != nil {
		t.Fatalf("insert: %v", err)
	}
	e, ok := d.LookupHint(0, 100)
	if !ok || e.VCNLow != 5 {
		t.Fatalf("lookup mismatch: %+v ok=%v", e, ok)
	}
	if err := d.InsertHint(0, 100, 9); err != nil {
		t.Fatalf("re-insert (update) should not error: %v", err)
	}
	e, _ = d.LookupHint(0, 100)
	if e.VCNLow != 9 {
		t.Fatalf("expected update to take most recent vcn, got %d", e.VCNLow)
	}
	if !d.RemoveHint(0, 100) {
		t.Fatal("expected remove to find the entry")
	}
	if _, ok := d.LookupHint(0, 100); ok {
		t.Fatal("entry should be gone after remove")
	}
}

func TestOverflowIsNotFatal(t *testing.T) {
	d := New(1, 2)
	if err := d.InsertHint(0, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := d.InsertHint(0, 2, 1); err != nil {
		t.Fatal(err)
	}
	err := d.InsertHint(0, 3, 1)
	if err == nil {
		t.Fatal("expected overflow on third distinct address")
	}
	// The list must remain usable and correct for what was accepted.
	if _, ok := d.LookupHint(0, 1); !ok {
		t.Fatal("existing entries must survive a failed insert")
	}
}

func TestCollisionCoexistsWithHint(t *testing.T) {
	d := New(1, 8)
	if err := d.InsertHint(0, 50, 1); err != nil {
		t.Fatal(err)
	}
	rem := [6]byte{1, 2, 3, 4, 5, 6}
	if err := d.InsertCollision(0, 50, rem, 2); err != nil {
		t.Fatal(err)
	}
	hint, ok := d.LookupHint(0, 50)
	if !ok || hint.VCNLow != 1 {
		t.Fatalf("hint should be untouched by collision insert, got %+v ok=%v", hint, ok)
	}
	col, ok := d.LookupCollision(0, 50, rem)
	if !ok || col.VCNLow != 2 {
		t.Fatalf("collision lookup mismatch: %+v ok=%v", col, ok)
	}
}

func TestPurgeWhere(t *testing.T) {
	d := New(2, 8)
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(d.InsertHint(0, 1, 3))
	must(d.InsertHint(0, 2, 4))
	must(d.InsertHint(1, 3, 3))

	removed := d.PurgeWhere(func(e Entry) bool { return e.VCNLow == 3 })
	if removed != 2 {
		t.Fatalf("expected 2 entries purged, got %d", removed)
	}
	if d.EntryCount() != 1 {
		t.Fatalf("expected 1 entry left, got %d", d.EntryCount())
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := New(1, 16)
	rem := [6]byte{9, 8, 7, 6, 5, 4}
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(d.InsertHint(0, 10, 1))
	must(d.InsertHint(0, 40, 2))
	must(d.InsertCollision(0, 40, rem, 7))
	must(d.InsertHint(0, 1000, 3))

	dl := d.List(0)
	packed := EncodeList(dl, 100, 8)
	decoded := DecodeList(packed, dl.Len(), 100, 8)

	if decoded.Len() != dl.Len() {
		t.Fatalf("decoded length mismatch: %d vs %d", decoded.Len(), dl.Len())
	}
	for i, want := range dl.Entries() {
		got := decoded.Entries()[i]
		if got != want {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, got, want)
		}
	}
}
