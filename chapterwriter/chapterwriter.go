// Package chapterwriter implements the background worker that packs a
// full chapter's worth of open-chapter snapshots (one per zone) into a
// single sorted on-disk chapter. Each zone
// hands over its snapshot in arrival order; the writer inserts every
// zone's records into one balanced BST (an LLRB tree) and walks it to get
// a single globally name-ordered record list.
package chapterwriter

import (
	"context"
	"fmt"

	llrb "github.com/petar/GoLLRB/llrb"
	"go.uber.org/zap"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/errs"
	"github.com/openvdo/uds/geometry"
	"github.com/openvdo/uds/openchapter"
	"github.com/openvdo/uds/volume"
)

// mergeItem is one record on its way through the merge tree, ordered by
// name; ReplaceOrInsert naturally de-duplicates same-name records from
// different zones in favor of whichever is inserted last, but zones own
// disjoint name ranges so collisions across zones never occur in
// practice.
type mergeItem struct {
	rec volume.Record
}

func (a mergeItem) Less(than llrb.Item) bool {
	b := than.(mergeItem)
	return chunkname.Less(a.rec.Name, b.rec.Name)
}

// Merge interleaves every zone's open-chapter snapshot into one
// name-ordered record slice, ready for volume.PackChapter.
func Merge(snapshots [][]openchapter.Record) []volume.Record {
	tree := llrb.New()
	total := 0
	for _, zoneRecords := range snapshots {
		total += len(zoneRecords)
		for _, r := range zoneRecords {
			tree.ReplaceOrInsert(mergeItem{rec: volume.Record{Name: r.Name, Metadata: r.Metadata}})
		}
	}
	out := make([]volume.Record, 0, total)
	if tree.Len() == 0 {
		return out
	}
	tree.AscendGreaterOrEqual(tree.Min(), func(i llrb.Item) bool {
		out = append(out, i.(mergeItem).rec)
		return true
	})
	return out
}

// ZoneSnapshot is one zone's contribution to closing a chapter: the
// records it held in its open chapter at the moment it closed, the VCN
// the whole chapter (across every zone) is closing into, and the
// physical slot that VCN maps onto (every zone computes the same value
// from the same geometry, so it travels along for convenience rather
// than being recomputed here).
type ZoneSnapshot struct {
	ZoneID          int
	VCN             uint64
	PhysicalChapter uint32
	Records         []openchapter.Record
}

// Closed reports a chapter the writer has packed and written, for
// onWritten to advance the window by.
type Closed struct {
	VCN             uint64
	PhysicalChapter uint32
}

// pendingChapter accumulates the ZoneSnapshots submitted for one VCN
// until every zone has submitted, at which point it is packed and
// written exactly once.
type pendingChapter struct {
	physicalChapter uint32
	snapshots       [][]openchapter.Record
	received        int
}

// Sink is whatever the writer hands a packed chapter to once it is
// built; in production this is a *volume.Store, but tests can supply a
// fake.
type Sink interface {
	WriteChapter(physicalChapter uint32, packed volume.PackedChapter) error
	ConfirmChapterWritten(physicalChapter uint32)
}

// Writer runs chapter-packing requests on a single background goroutine,
// so zones never block on disk I/O directly: a full open chapter is
// handed off and the zone immediately starts absorbing writes into its
// next open chapter while this worker packs and writes the old one. A
// physical chapter slot is shared by every zone, so the writer only
// packs and writes once all zoneCount zones have submitted their
// snapshot for a given VCN; writing any earlier would overwrite the
// other zones' records still pending in that slot.
type Writer struct {
	geo       geometry.Geometry
	sink      Sink
	logger    *zap.Logger
	zoneCount int

	requests chan ZoneSnapshot
	done     chan struct{}

	pending map[uint64]*pendingChapter

	// onWritten is called after each chapter completes (or fails), on the
	// writer goroutine, so the caller can purge volume-index entries and
	// advance the window in the same sequence the writer processes
	// requests (the window must advance in VCN order).
	onWritten func(Closed, error)
}

// New starts a Writer's background goroutine. queueDepth bounds how many
// zone snapshots may be queued for packing before a zone's close_chapter
// call blocks; onWritten is invoked once per VCN, after all zoneCount
// zones have submitted and the merged chapter has been packed and
// written (or failed).
func New(ctx context.Context, geo geometry.Geometry, sink Sink, logger *zap.Logger, zoneCount int, queueDepth int, onWritten func(Closed, error)) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		geo:       geo,
		sink:      sink,
		logger:    logger,
		zoneCount: zoneCount,
		requests:  make(chan ZoneSnapshot, queueDepth),
		done:      make(chan struct{}),
		pending:   make(map[uint64]*pendingChapter),
		onWritten: onWritten,
	}
	go w.run(ctx)
	return w
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case snap, ok := <-w.requests:
			if !ok {
				return
			}
			w.receive(snap)
		case <-ctx.Done():
			return
		}
	}
}

// receive folds one zone's snapshot into the chapter pending for its
// VCN, packing and writing only once every zone has submitted.
func (w *Writer) receive(snap ZoneSnapshot) {
	pc, ok := w.pending[snap.VCN]
	if !ok {
		pc = &pendingChapter{physicalChapter: snap.PhysicalChapter}
		w.pending[snap.VCN] = pc
	}
	pc.snapshots = append(pc.snapshots, snap.Records)
	pc.received++
	if pc.received < w.zoneCount {
		return
	}
	delete(w.pending, snap.VCN)

	err := w.process(snap.VCN, pc.physicalChapter, pc.snapshots)
	if w.onWritten != nil {
		w.onWritten(Closed{VCN: snap.VCN, PhysicalChapter: pc.physicalChapter}, err)
	}
}

func (w *Writer) process(vcn uint64, physicalChapter uint32, snapshots [][]openchapter.Record) error {
	merged := Merge(snapshots)
	if len(merged) > int(w.geo.RecordsPerChapter()) {
		return errs.New(errs.BadState, fmt.Sprintf("chapter writer: merged %d records exceeds chapter capacity %d", len(merged), w.geo.RecordsPerChapter()))
	}
	packed, err := volume.PackChapter(w.geo, vcn, merged)
	if err != nil {
		return err
	}
	if err := w.sink.WriteChapter(physicalChapter, packed); err != nil {
		return err
	}
	w.logger.Info("closed chapter",
		zap.Uint64("vcn", vcn),
		zap.Uint32("physical_chapter", physicalChapter),
		zap.Int("zones", len(snapshots)),
		zap.Int("records", len(merged)))
	return nil
}

// Submit enqueues one zone's snapshot for the chapter closing at
// snap.VCN. It blocks if the queue is full, providing the backpressure
// the caller needs to avoid zones racing arbitrarily far ahead of the
// writer.
func (w *Writer) Submit(snap ZoneSnapshot) {
	w.requests <- snap
}

// Close stops accepting new requests and waits for the worker to drain.
func (w *Writer) Close() {
	close(w.requests)
	<-w.done
}

// ConfirmWritten evicts any cache entries the sink marked expiring for
// physicalChapter, once the caller has finished purging volume-index
// entries for the chapter being replaced.
func (w *Writer) ConfirmWritten(physicalChapter uint32) {
	w.sink.ConfirmChapterWritten(physicalChapter)
}
