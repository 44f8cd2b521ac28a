package volumeindex

import (
	"testing"

	"github.com/minio/sha256-simd"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/geometry"
)

func nameFor(s string) chunkname.Name {
	sum := sha256.Sum256([]byte(s))
	var n chunkname.Name
	copy(n[:], sum[:chunkname.Size])
	return n
}

func TestPutThenGetRecord(t *testing.T) {
	geo := geometry.Default()
	vi := New(geo, 2, 17, 1000)
	vi.SetOpenChapter(0)

	n := nameFor("block-0")
	if err := vi.Put(n, 0); err != nil {
		t.Fatal(err)
	}
	rec := vi.GetRecord(n)
	if !rec.Found || rec.VCN != 0 {
		t.Fatalf("expected found at vcn 0, got %+v", rec)
	}
}

func TestRemoveThenRepost(t *testing.T) {
	geo := geometry.Default()
	vi := New(geo, 2, 17, 1000)
	vi.SetOpenChapter(0)

	n := nameFor("block-1")
	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(vi.Put(n, 0))
	vi.Remove(n)
	if rec := vi.GetRecord(n); rec.Found {
		t.Fatalf("expected not found after remove, got %+v", rec)
	}
	must(vi.Put(n, 1))
	rec := vi.GetRecord(n)
	if !rec.Found || rec.VCN != 1 {
		t.Fatalf("expected found at vcn 1 after re-post, got %+v", rec)
	}
}

func TestPhysicalReuseRemovesOldEntry(t *testing.T) {
	geo := geometry.Default() // 8 chapters per volume
	vi := New(geo, 1, 17, 10000)

	names := make([]chunkname.Name, 0)
	for vcn := uint64(0); vcn < uint64(geo.ChaptersPerVolume); vcn++ {
		vi.SetOpenChapter(vcn)
		n := nameFor(string(rune('a' + vcn)))
		names = append(names, n)
		if err := vi.Put(n, vcn); err != nil {
			t.Fatal(err)
		}
	}
	// Advancing one more chapter reuses the physical slot of VCN 0.
	vi.SetOpenChapter(uint64(geo.ChaptersPerVolume))
	if rec := vi.GetRecord(names[0]); rec.Found {
		t.Fatalf("expected VCN 0's entry purged on physical reuse, got %+v", rec)
	}
	// The rest of the window should still resolve, except non-sampled
	// names whose chapter has moved into the sparse tier: those lose
	// their dense entry and were never in the sparse index.
	newest := uint64(geo.ChaptersPerVolume)
	for vcn := 1; vcn < int(geo.ChaptersPerVolume); vcn++ {
		inSparseTier := geo.IsSparse(uint32(newest - uint64(vcn)))
		wantFound := !inSparseTier || names[vcn].IsSample(geo.SparseSampleRate)
		if rec := vi.GetRecord(names[vcn]); rec.Found != wantFound {
			t.Fatalf("vcn %d: found=%v, want %v", vcn, rec.Found, wantFound)
		}
	}
}

func TestTriageOnlyFlagsSampledNamesInSparseTier(t *testing.T) {
	geo := geometry.Default()
	vi := New(geo, 1, 17, 10000)

	var sample, nonSample chunkname.Name
	for i := 0; ; i++ {
		n := nameFor(string(rune('A' + i)))
		if n.IsSample(geo.SparseSampleRate) && sample == (chunkname.Name{}) {
			sample = n
		}
		if !n.IsSample(geo.SparseSampleRate) && nonSample == (chunkname.Name{}) {
			nonSample = n
		}
		if sample != (chunkname.Name{}) && nonSample != (chunkname.Name{}) {
			break
		}
	}

	// Push the window forward until the chapter holding these entries is
	// in the sparse tier.
	for vcn := uint64(0); vcn <= uint64(geo.DenseChaptersPerVolume()); vcn++ {
		vi.SetOpenChapter(vcn)
		if vcn == 0 {
			_ = vi.Put(sample, vcn)
			_ = vi.Put(nonSample, vcn)
		}
	}

	tr := vi.Lookup(sample)
	if !tr.InSampledChapter {
		t.Fatalf("expected sampled name's chapter to be flagged sparse, got %+v", tr)
	}
	// Non-sampled names never appear in the sparse index at all.
	if tr2 := vi.Lookup(nonSample); tr2.InSampledChapter {
		t.Fatalf("non-sampled name must never trigger a sparse barrier, got %+v", tr2)
	}
}
