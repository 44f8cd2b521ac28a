package chapterwriter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/geometry"
	"github.com/openvdo/uds/openchapter"
	"github.com/openvdo/uds/volume"
)

func testName(seed byte) chunkname.Name {
	sum := sha256.Sum256([]byte{seed})
	var n chunkname.Name
	copy(n[:], sum[:chunkname.Size])
	return n
}

func TestMergeInterleavesZonesInNameOrder(t *testing.T) {
	zoneA := []openchapter.Record{
		{Name: testName(1), Metadata: []byte("a1")},
		{Name: testName(3), Metadata: []byte("a3")},
	}
	zoneB := []openchapter.Record{
		{Name: testName(2), Metadata: []byte("b2")},
		{Name: testName(4), Metadata: []byte("b4")},
	}

	merged := Merge([][]openchapter.Record{zoneA, zoneB})
	if len(merged) != 4 {
		t.Fatalf("expected 4 merged records, got %d", len(merged))
	}
	for i := 1; i < len(merged); i++ {
		if !chunkname.Less(merged[i-1].Name, merged[i].Name) {
			t.Fatalf("merged records not in ascending name order at index %d", i)
		}
	}
}

func TestMergeEmptyInput(t *testing.T) {
	if got := Merge(nil); len(got) != 0 {
		t.Fatalf("expected empty merge result, got %d records", len(got))
	}
}

type fakeSink struct {
	mu        sync.Mutex
	written   []volume.PackedChapter
	confirmed []uint32
}

func (f *fakeSink) WriteChapter(physicalChapter uint32, packed volume.PackedChapter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, packed)
	return nil
}

func (f *fakeSink) ConfirmChapterWritten(physicalChapter uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, physicalChapter)
}

func TestWriterProcessesSubmittedRequest(t *testing.T) {
	geo := geometry.Default()
	sink := &fakeSink{}

	var mu sync.Mutex
	var results []error
	done := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(ctx, geo, sink, nil, 1, 4, func(c Closed, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
		done <- struct{}{}
	})
	defer w.Close()

	records := []openchapter.Record{{Name: testName(9), Metadata: []byte("x")}}
	w.Submit(ZoneSnapshot{ZoneID: 0, VCN: 1, PhysicalChapter: 0, Records: records})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for writer to process request")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 1 || results[0] != nil {
		t.Fatalf("expected one successful result, got %v", results)
	}
	if len(sink.written) != 1 {
		t.Fatalf("expected one chapter written, got %d", len(sink.written))
	}
	if sink.written[0].Header.VCN != 1 {
		t.Fatalf("unexpected VCN: %d", sink.written[0].Header.VCN)
	}
}

func TestWriterWaitsForEveryZoneBeforeWriting(t *testing.T) {
	geo := geometry.Default()
	sink := &fakeSink{}

	done := make(chan Closed, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(ctx, geo, sink, nil, 2, 4, func(c Closed, err error) {
		if err == nil {
			done <- c
		}
	})
	defer w.Close()

	zoneA := []openchapter.Record{{Name: testName(1), Metadata: []byte("a")}}
	zoneB := []openchapter.Record{{Name: testName(2), Metadata: []byte("b")}}

	w.Submit(ZoneSnapshot{ZoneID: 0, VCN: 0, PhysicalChapter: 0, Records: zoneA})

	select {
	case <-done:
		t.Fatal("writer must not write until every zone has submitted")
	case <-time.After(50 * time.Millisecond):
	}

	w.Submit(ZoneSnapshot{ZoneID: 1, VCN: 0, PhysicalChapter: 0, Records: zoneB})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for writer to process the completed chapter")
	}

	if len(sink.written) != 1 {
		t.Fatalf("expected exactly one chapter written, got %d", len(sink.written))
	}
	if got := sink.written[0].Header.RecordCount; got != 2 {
		t.Fatalf("expected both zones' records merged into the one write, got %d", got)
	}
}

func TestWriterRejectsOverCapacityMerge(t *testing.T) {
	geo := geometry.Default()
	sink := &fakeSink{}

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(ctx, geo, sink, nil, 1, 1, func(c Closed, err error) {
		done <- err
	})
	defer w.Close()

	var records []openchapter.Record
	for i := 0; i < int(geo.RecordsPerChapter())+1; i++ {
		records = append(records, openchapter.Record{Name: testName(byte(i)), Metadata: []byte("x")})
	}
	w.Submit(ZoneSnapshot{ZoneID: 0, VCN: 0, PhysicalChapter: 0, Records: records})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an over-capacity merge to be rejected")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for writer result")
	}
}
