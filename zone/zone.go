// Package zone implements IndexZone, the per-shard worker that owns one
// slice of the name space end to end: its own open chapter, its slice of
// the (shared) volume index, and a single-goroutine request loop so that
// every mutation to its state is naturally serialized. Many caller
// goroutines may enqueue requests concurrently; they
// funnel into one channel per zone, the MPSC queue a single dispatcher
// goroutine drains in order.
package zone

import (
	"context"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/openvdo/uds/chapterwriter"
	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/deltaindex"
	"github.com/openvdo/uds/geometry"
	"github.com/openvdo/uds/openchapter"
	"github.com/openvdo/uds/triage"
	"github.com/openvdo/uds/volume"
	"github.com/openvdo/uds/volumeindex"
)

// Op is the kind of request a caller dispatches to a zone.
type Op int

const (
	OpQuery Op = iota
	OpPost
	OpUpdate
	OpDelete

	// opAnnounceChapterClosed is an internal, zone-to-zone control message:
	// a peer zone's open chapter filled and closed early, and every other
	// zone must close its own open chapter at the same VCN to stay in
	// lockstep. It is never dispatched by a caller.
	opAnnounceChapterClosed
)

// Result is the outcome of dispatching a request to a zone: whether the
// name was already known, and (for posts/updates) the metadata the
// caller should treat as authoritative afterward.
type Result struct {
	Found       bool
	OldMetadata []byte
	NewMetadata []byte
	Err         error
}

// Request is one dispatched operation. Callback is invoked exactly once,
// on the zone's dispatcher goroutine, once the operation (and any
// chapter close it triggers) has been applied.
type Request struct {
	Op       Op
	Name     chunkname.Name
	Metadata []byte
	Callback func(Result)

	// VCN carries the closing VCN for opAnnounceChapterClosed; unused by
	// every caller-facing Op.
	VCN uint64
}

// PhysicalChapterOf maps a virtual chapter number to the physical slot
// it occupies, a pure function of the geometry shared by every zone
// (physical = vcn mod chaptersPerVolume).
type PhysicalChapterOf func(vcn uint64) uint32

// Zone is one shard's worker state.
type Zone struct {
	id  uint32
	geo geometry.Geometry

	vi          *volumeindex.VolumeIndex
	store       *volume.Store
	coordinator *triage.Coordinator
	writer      *chapterwriter.Writer
	physicalOf  PhysicalChapterOf

	open      *openchapter.OpenChapter
	newestVCN uint64

	// peers is every other zone in the same index, wired by SetPeers once
	// all zones are constructed, so a chapter close can announce itself
	// and force peers to close at the same VCN.
	peers []*Zone

	requests chan Request
	done     chan struct{}

	pending atomic.Int64
	logger  *zap.Logger

	queries    atomic.Int64
	posts      atomic.Int64
	updates    atomic.Int64
	deletes    atomic.Int64
	overflows  atomic.Int64
	collisions atomic.Int64
}

// Stats is a snapshot of one zone's request counters, summed by
// lifecycle.Index.GetStats into a whole-index view.
type Stats struct {
	Queries    int64
	Posts      int64
	Updates    int64
	Deletes    int64
	Overflows  int64
	Collisions int64
}

// Stats reports this zone's cumulative request counters.
func (z *Zone) Stats() Stats {
	return Stats{
		Queries:    z.queries.Load(),
		Posts:      z.posts.Load(),
		Updates:    z.updates.Load(),
		Deletes:    z.deletes.Load(),
		Overflows:  z.overflows.Load(),
		Collisions: z.collisions.Load(),
	}
}

// New constructs a zone and starts its dispatcher goroutine. newestVCN is
// the VCN the zone's open chapter will close into next (0 for a fresh
// volume, or whatever load/rebuild determined).
func New(ctx context.Context, id uint32, geo geometry.Geometry, vi *volumeindex.VolumeIndex, store *volume.Store, coordinator *triage.Coordinator, writer *chapterwriter.Writer, physicalOf PhysicalChapterOf, newestVCN uint64, queueDepth int, logger *zap.Logger) *Zone {
	if logger == nil {
		logger = zap.NewNop()
	}
	z := &Zone{
		id:          id,
		geo:         geo,
		vi:          vi,
		store:       store,
		coordinator: coordinator,
		writer:      writer,
		physicalOf:  physicalOf,
		open:       openchapter.New(int(geo.RecordsPerChapter())),
		newestVCN:  newestVCN,
		requests:   make(chan Request, queueDepth),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go z.run(ctx)
	return z
}

// SetPeers wires every other zone in the same index, so this zone can
// announce a chapter close that forces them into lockstep. Called once,
// after every zone in the index has been constructed.
func (z *Zone) SetPeers(peers []*Zone) {
	z.peers = peers
}

func (z *Zone) run(ctx context.Context) {
	defer close(z.done)
	for {
		select {
		case req, ok := <-z.requests:
			if !ok {
				return
			}
			z.pending.Dec()
			z.handle(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch enqueues req from any caller goroutine. It is the zone's
// funnel: concurrent Post/Query/Update/Delete calls from every client
// session converge here and are applied one at a time.
func (z *Zone) Dispatch(req Request) {
	z.pending.Inc()
	z.requests <- req
}

// PendingCount reports how many requests are queued but not yet applied,
// for Flush to wait on.
func (z *Zone) PendingCount() int64 {
	return z.pending.Load()
}

func (z *Zone) handle(ctx context.Context, req Request) {
	switch req.Op {
	case OpQuery:
		z.handleQuery(ctx, req, false)
	case OpUpdate:
		z.handleQuery(ctx, req, true)
	case OpPost:
		z.handlePost(ctx, req)
	case OpDelete:
		z.handleDelete(req)
	case opAnnounceChapterClosed:
		z.handleAnnounce(req.VCN)
	}
}

func (z *Zone) deliver(req Request, res Result) {
	if req.Callback != nil {
		req.Callback(res)
	}
}

func (z *Zone) handleQuery(ctx context.Context, req Request, post bool) {
	if post {
		z.updates.Inc()
	} else {
		z.queries.Inc()
	}
	if md, found := z.open.Search(req.Name); found {
		if post {
			z.open.Put(req.Name, req.Metadata)
		}
		z.deliver(req, Result{Found: true, OldMetadata: md, NewMetadata: req.Metadata})
		return
	}

	triageResult, err := z.coordinator.Triage(ctx, z.vi, req.Name, z.decodeSparseChapter)
	if err != nil {
		z.deliver(req, Result{Err: err})
		return
	}

	var stored volume.Record
	found := false
	if rec := z.vi.GetRecord(req.Name); rec.Found {
		physical := z.physicalOf(rec.VCN)
		s, ok, err := z.store.Lookup(physical, req.Name)
		if err != nil {
			z.deliver(req, Result{Err: err})
			return
		}
		stored, found = s, ok
	}
	if !found {
		// The dense hint was missing or stale (the chapter it pointed to
		// has since been reused); fall back to the sparse cache the
		// barrier just admitted before giving up.
		if s, ok := z.probeSparseCache(triageResult, req.Name); ok {
			stored, found = s, true
		}
	}

	if !found {
		if post {
			z.absorb(req.Name, req.Metadata)
		}
		z.deliver(req, Result{Found: false, NewMetadata: req.Metadata})
		return
	}

	if post {
		// A query with update=true promotes the record into the open
		// chapter, so future lookups hit it without a disk read; absorb
		// already repoints the volume index at the new (open) chapter.
		z.absorb(req.Name, stored.Metadata)
	}
	z.deliver(req, Result{Found: true, OldMetadata: stored.Metadata, NewMetadata: stored.Metadata})
}

func (z *Zone) handlePost(ctx context.Context, req Request) {
	z.posts.Inc()
	if md, found := z.open.Search(req.Name); found {
		z.open.Put(req.Name, req.Metadata)
		z.deliver(req, Result{Found: true, OldMetadata: md, NewMetadata: req.Metadata})
		return
	}

	triageResult, err := z.coordinator.Triage(ctx, z.vi, req.Name, z.decodeSparseChapter)
	if err != nil {
		z.deliver(req, Result{Err: err})
		return
	}

	var old []byte
	found := false
	if rec := z.vi.GetRecord(req.Name); rec.Found {
		physical := z.physicalOf(rec.VCN)
		if stored, ok, err := z.store.Lookup(physical, req.Name); err == nil && ok {
			old, found = stored.Metadata, true
		}
	}
	if !found {
		if stored, ok := z.probeSparseCache(triageResult, req.Name); ok {
			old, found = stored.Metadata, true
		}
	}

	z.absorb(req.Name, req.Metadata)
	if found {
		z.collisions.Inc()
		if err := z.vi.PutCollision(req.Name, z.newestVCN); err != nil {
			z.overflows.Inc()
			z.logger.Warn("volume index overflow recording collision", zap.Error(err))
		}
	}
	z.deliver(req, Result{Found: found, OldMetadata: old, NewMetadata: req.Metadata})
}

func (z *Zone) handleDelete(req Request) {
	z.deletes.Inc()
	z.open.Remove(req.Name)
	z.vi.Remove(req.Name)
	z.deliver(req, Result{})
}

// probeSparseCache consults the sparse cache's already-decoded chapter
// index for t.VirtualChapter, the second-chance lookup that lets a
// sampled name resolve without a fresh index-page read when the dense
// hint already missed. It is a no-op unless name sampled into the
// sparse tier and the barrier admitted that chapter into the cache.
func (z *Zone) probeSparseCache(t volumeindex.Triage, name chunkname.Name) (volume.Record, bool) {
	if !t.InSampledChapter {
		return volume.Record{}, false
	}
	di, ok := z.coordinator.CachedIndex(t.VirtualChapter)
	if !ok {
		return volume.Record{}, false
	}
	recordPage, ok := volume.LookupInDeltaIndex(z.geo, di, name)
	if !ok {
		return volume.Record{}, false
	}
	physical := z.physicalOf(t.VirtualChapter)
	page, err := z.store.ReadRecordPage(physical, recordPage)
	if err != nil {
		return volume.Record{}, false
	}
	records, err := volume.DecodeRecordPage(z.geo, page)
	if err != nil {
		return volume.Record{}, false
	}
	return volume.FindInRecordPage(records, name)
}

// absorb inserts name into the open chapter, closing it (handing it to
// the chapter writer) if it is now full.
func (z *Zone) absorb(name chunkname.Name, metadata []byte) {
	remaining := z.open.Put(name, metadata)
	if err := z.vi.Put(name, z.newestVCN); err != nil {
		z.overflows.Inc()
		z.logger.Warn("volume index overflow absorbing write", zap.Error(err))
	}
	if remaining <= 0 {
		z.closeChapter(true)
	}
}

// closeChapter submits this zone's open-chapter snapshot for the chapter
// writer to merge with every other zone's snapshot for the same VCN; the
// writer only packs and writes once all zones have submitted (see
// chapterwriter.Writer), so a zone closing early never clobbers a peer
// zone's still-pending records in the same physical slot.
//
// announce is true when this close is the zone discovering on its own
// that its open chapter filled; it is false when the close was itself
// triggered by a peer's announcement, to avoid an announce ping-pong
// between zones closing the same VCN.
func (z *Zone) closeChapter(announce bool) {
	snapshot := z.open.Snapshot()
	vcn := z.newestVCN
	physical := z.physicalOf(vcn)

	z.writer.Submit(chapterwriter.ZoneSnapshot{
		ZoneID:          int(z.id),
		VCN:             vcn,
		PhysicalChapter: physical,
		Records:         snapshot,
	})

	z.newestVCN++
	z.vi.SetZoneOpenChapter(z.id, z.newestVCN)
	z.open.Reset()

	if announce {
		z.announceChapterClosed(vcn)
	}
}

// announceChapterClosed broadcasts ANNOUNCE_CHAPTER_CLOSED(vcn) to every
// peer zone, so a zone whose own open chapter is lagging behind (not yet
// full) closes it anyway and the whole index stays on the same VCN
// boundary.
func (z *Zone) announceChapterClosed(vcn uint64) {
	for _, peer := range z.peers {
		peer.Dispatch(Request{Op: opAnnounceChapterClosed, VCN: vcn})
	}
}

// handleAnnounce closes this zone's open chapter in response to a peer's
// announcement, unless this zone already advanced past the announced
// VCN (it raced ahead and closed on its own, or already processed this
// announcement).
func (z *Zone) handleAnnounce(vcn uint64) {
	if z.newestVCN != vcn {
		return
	}
	z.closeChapter(false)
}

// decodeSparseChapter loads and decodes a sparse chapter's index from
// the volume for admission into the shared sparse cache. It only reads
// index pages, never record pages.
func (z *Zone) decodeSparseChapter(vcn uint64) (*deltaindex.DeltaIndex, error) {
	physical := z.physicalOf(vcn)
	return z.store.ReadChapterDeltaIndex(physical)
}

// Close stops the dispatcher goroutine once its queue drains.
func (z *Zone) Close() {
	close(z.requests)
	<-z.done
}

// NewestVCN reports the VCN this zone's open chapter will close into
// next.
func (z *Zone) NewestVCN() uint64 { return z.newestVCN }
