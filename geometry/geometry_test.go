package geometry

import "testing"

func TestDerivedSizes(t *testing.T) {
	g := Default()
	if err := g.Validate(); err != nil {
		t.Fatalf("default geometry should validate: %v", err)
	}
	if got, want := g.RecordsPerChapter(), uint32(64); got != want {
		t.Fatalf("RecordsPerChapter = %d, want %d", got, want)
	}
	if got, want := g.PagesPerChapter(), uint32(6); got != want {
		t.Fatalf("PagesPerChapter = %d, want %d", got, want)
	}
	if got, want := g.DenseChaptersPerVolume(), uint32(6); got != want {
		t.Fatalf("DenseChaptersPerVolume = %d, want %d", got, want)
	}
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	g := Default()
	g.SparseChaptersPerVolume = g.ChaptersPerVolume
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error when sparse >= chapters per volume")
	}
}

func TestChaptersToExpire(t *testing.T) {
	g := Default()
	for vcn := uint64(0); vcn < uint64(g.ChaptersPerVolume); vcn++ {
		if n := ChaptersToExpire(g, vcn); n != 0 {
			t.Fatalf("vcn %d: expected 0 chapters to expire while filling, got %d", vcn, n)
		}
	}
	if n := ChaptersToExpire(g, uint64(g.ChaptersPerVolume)); n != 1 {
		t.Fatalf("expected 1 chapter to expire once window is full, got %d", n)
	}
}
