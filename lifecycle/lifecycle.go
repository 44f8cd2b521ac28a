// Package lifecycle orchestrates opening, saving, and rebuilding a whole
// index instance: it wires together layout, volume, volumeindex,
// sparsecache, triage, chapterwriter and zone into one running Index,
// and implements the three ways an index comes into existence: CREATE
// (a fresh, empty volume), LOAD (trusting a save slot), and REBUILD
// (reconstructing the volume index by replaying every chapter still on
// disk, for when no save slot can be trusted).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openvdo/uds/chapterwriter"
	"github.com/openvdo/uds/checkpoint"
	"github.com/openvdo/uds/config"
	"github.com/openvdo/uds/errs"
	"github.com/openvdo/uds/layout"
	"github.com/openvdo/uds/pagecache"
	"github.com/openvdo/uds/sparsecache"
	"github.com/openvdo/uds/triage"
	"github.com/openvdo/uds/volume"
	"github.com/openvdo/uds/volumeindex"
	"github.com/openvdo/uds/zone"
)

// LoadState tracks where an Index sits in its open/suspend lifecycle:
// OPENING while construction is underway,
// RUNNING once zones are dispatching requests, SUSPENDING while Suspend
// saves the index and SUSPENDED after that save succeeds (zones keep
// applying requests in both states), and FREEING once Close/Destroy has
// begun tearing the instance down.
type LoadState int

const (
	Opening LoadState = iota
	Running
	Suspending
	Suspended
	Freeing
)

// Index is one fully wired, running index instance.
type Index struct {
	path   string
	cfg    config.Config
	layout layout.Layout
	nonce  layout.Nonce

	store       *volume.Store
	vi          *volumeindex.VolumeIndex
	sparseCache *sparsecache.Cache
	coordinator *triage.Coordinator
	writer      *chapterwriter.Writer
	zones       []*zone.Zone
	checkpoint  *checkpoint.Checkpointer
	slots       *layout.SlotSelector
	slotHeaders []layout.SaveSlotHeader
	slotPresent []bool

	state  LoadState
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

func (idx *Index) physicalOf(vcn uint64) uint32 {
	return uint32(vcn % uint64(idx.cfg.Geometry.ChaptersPerVolume))
}

// onChapterWritten is invoked by the chapter writer once a chapter write
// completes; it confirms the cache eviction, feeds the checkpoint
// trigger, and logs failures (a dropped write is not fatal to the
// index: overflow is treated as lossy-but-live).
func (idx *Index) onChapterWritten(c chapterwriter.Closed, err error) {
	if err != nil {
		idx.logger.Error("chapter write failed", zap.Error(err), zap.Uint64("vcn", c.VCN))
		return
	}
	idx.store.ConfirmChapterWritten(c.PhysicalChapter)
	idx.checkpoint.ChapterClosed()
}

func setupCommon(path string, cfg config.Config, lay layout.Layout, logger *zap.Logger) (*volume.Store, *volumeindex.VolumeIndex, *sparsecache.Cache, *triage.Coordinator, error) {
	pc, err := pagecache.New(cfg.PageCacheSize, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	store, err := volume.Open(path, cfg.Geometry, lay, pc, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	vi := volumeindex.New(cfg.Geometry, cfg.ZoneCount, cfg.ListsPerZone, cfg.MaxEntriesPerList)
	sc, err := sparsecache.New(int(cfg.Geometry.SparseChaptersPerVolume))
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, err
	}
	coordinator := triage.NewCoordinator(triage.NewBarrier(int(cfg.ZoneCount)), sc)
	return store, vi, sc, coordinator, nil
}

// window reports the volume's live VCN range by polling every zone's
// NewestVCN (the chapter it will next close into); zones advance this
// independently between chapter closes, so the window is the widest
// span any zone has reached. The shared volume index's own oldest/newest
// bookkeeping only advances during replay (SetOpenChapter), so Save and
// GetStats derive the window directly from zone state instead.
func (idx *Index) window() (oldest, newest uint64, has bool) {
	var maxNext uint64
	for _, z := range idx.zones {
		if n := z.NewestVCN(); n > maxNext {
			maxNext = n
			has = true
		} else if n > 0 {
			has = true
		}
	}
	if !has {
		return 0, 0, false
	}
	newest = maxNext - 1
	chaptersPerVolume := uint64(idx.cfg.Geometry.ChaptersPerVolume)
	if newest+1 > chaptersPerVolume {
		oldest = newest + 1 - chaptersPerVolume
	}
	return oldest, newest, true
}

func (idx *Index) startZones(ctx context.Context, zoneVCNs []uint64) {
	idx.zones = make([]*zone.Zone, idx.cfg.ZoneCount)
	for z := uint32(0); z < idx.cfg.ZoneCount; z++ {
		idx.zones[z] = zone.New(ctx, z, idx.cfg.Geometry, idx.vi, idx.store, idx.coordinator, idx.writer,
			idx.physicalOf, zoneVCNs[z], idx.cfg.RequestQueueDepth, idx.logger)
	}
	// Every zone needs to reach every other zone to honor
	// ANNOUNCE_CHAPTER_CLOSED: whichever zone's open chapter fills first
	// forces its peers to close at the same VCN so the whole index stays
	// on one VCN boundary.
	for z := range idx.zones {
		peers := make([]*zone.Zone, 0, len(idx.zones)-1)
		for p := range idx.zones {
			if p != z {
				peers = append(peers, idx.zones[p])
			}
		}
		idx.zones[z].SetPeers(peers)
	}
}

// Create makes a brand new, empty volume at path and opens it.
func Create(path string, cfg config.Config, logger *zap.Logger) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lay, err := layout.New(cfg.Geometry, cfg.NumSaveSlots, cfg.ZoneCount)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.BadState, "lifecycle: create volume file", err)
	}
	if err := f.Truncate(lay.TotalSize()); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.BadState, "lifecycle: size volume file", err)
	}
	nonce := layout.NewVolumeNonce()
	sb := layout.SuperBlock{ReleaseVersion: layout.ReleaseVersion, VolumeNonce: nonce, NumSaveSlots: uint32(cfg.NumSaveSlots)}
	if _, err := f.WriteAt(sb.Encode(), lay.SuperBlockOffset); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.BadState, "lifecycle: write superblock", err)
	}
	cr := layout.ConfigRecord{Version: layout.ConfigV602, Geometry: cfg.Geometry}
	if _, err := f.WriteAt(cr.Encode(), lay.ConfigOffset); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.BadState, "lifecycle: write config record", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return open(path, cfg, lay, nonce, make([]uint64, cfg.ZoneCount), logger)
}

// Load opens an existing volume, trusting its most recent valid save
// slot. If no save slot is valid, it returns an *errs.Error with Kind
// NotSavedCleanly; the caller should fall back to Rebuild.
func Load(path string, cfg config.Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, lay, nonce, err := readHeader(path, cfg)
	if err != nil {
		return nil, err
	}

	idx, err := open(path, cfg, lay, nonce, nil, logger)
	if err != nil {
		return nil, err
	}

	slot, numZones, ok := idx.slots.FindLatestSaveSlot()
	if !ok {
		idx.Close()
		return nil, errs.New(errs.NotSavedCleanly, "lifecycle: no valid save slot")
	}
	if numZones != cfg.ZoneCount {
		idx.Close()
		return nil, errs.New(errs.BadState, "lifecycle: save slot zone count does not match configuration")
	}

	header := idx.slotHeaders[slot]
	if err := idx.replayWindow(header.OldestVCN, header.NewestVCN); err != nil {
		idx.Close()
		return nil, err
	}
	zoneVCNs := make([]uint64, cfg.ZoneCount)
	for i := range zoneVCNs {
		zoneVCNs[i] = header.NewestVCN + 1
	}
	idx.startZones(idx.ctx, zoneVCNs)
	idx.state = Running
	return idx, nil
}

// Rebuild opens an existing volume without trusting any save slot: it
// scans every physical chapter's header to recover the live VCN window
// (volume.FindVolumeChapterBoundaries) and replays every record in that
// window back into a fresh volume index. Names written to the open
// chapter at the moment of whatever crash made the save slot untrustable
// are not recovered; this is the documented, bounded data loss rebuild
// accepts in exchange for never trusting unverified state.
func Rebuild(path string, cfg config.Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, lay, nonce, err := readHeader(path, cfg)
	if err != nil {
		return nil, err
	}
	idx, err := open(path, cfg, lay, nonce, nil, logger)
	if err != nil {
		return nil, err
	}

	bounds, err := volume.FindVolumeChapterBoundaries(idx.store, cfg.Geometry.ChaptersPerVolume)
	if err != nil {
		idx.Close()
		return nil, err
	}
	zoneVCNs := make([]uint64, cfg.ZoneCount)
	if bounds.HasChapters {
		if err := idx.replayWindow(bounds.OldestVCN, bounds.NewestVCN); err != nil {
			idx.Close()
			return nil, err
		}
		for i := range zoneVCNs {
			zoneVCNs[i] = bounds.NewestVCN + 1
		}
	}
	idx.startZones(idx.ctx, zoneVCNs)
	idx.state = Running
	idx.logger.Info("rebuild complete", zap.Uint64("oldest_vcn", bounds.OldestVCN), zap.Uint64("newest_vcn", bounds.NewestVCN))
	return idx, nil
}

// replayWindow reads every physical chapter in [oldest, newest] and
// re-inserts its records into the volume index at their chapter's VCN,
// then advances the index's rolling window to match.
func (idx *Index) replayWindow(oldest, newest uint64) error {
	if newest < oldest {
		return nil
	}
	for vcn := oldest; vcn <= newest; vcn++ {
		physical := idx.physicalOf(vcn)
		h, err := idx.store.ReadChapterHeader(physical)
		if err == volume.ErrEmptyChapter {
			continue
		}
		if err != nil {
			return err
		}
		if h.VCN != vcn {
			// This physical slot no longer holds the chapter we expected;
			// skip it rather than replaying the wrong VCN's records.
			continue
		}
		for p := uint32(0); p < idx.cfg.Geometry.RecordPagesPerChapter; p++ {
			page, err := idx.store.ReadRecordPage(physical, p)
			if err != nil {
				return err
			}
			records, err := volume.DecodeRecordPage(idx.cfg.Geometry, page)
			if err != nil {
				return err
			}
			for _, r := range records {
				if err := idx.vi.Put(r.Name, vcn); err != nil {
					idx.logger.Warn("volume index overflow during replay", zap.Error(err))
				}
			}
		}
		idx.vi.SetOpenChapter(vcn)
	}
	return nil
}

// readHeader recovers the persisted geometry and save-slot count from an
// existing volume file and overlays them onto the caller-supplied cfg
// (whose ZoneCount, cache sizes, and queue depths are session-local
// tunables that are never written to disk). The caller's ZoneCount must
// match whatever the volume was created with; Load cross-checks this
// against the save slot it trusts, Rebuild trusts the caller entirely
// since it has no save slot to check against.
func readHeader(path string, cfg config.Config) (config.Config, layout.Layout, layout.Nonce, error) {
	f, err := os.Open(path)
	if err != nil {
		return config.Config{}, layout.Layout{}, 0, errs.Wrap(errs.CorruptFile, "lifecycle: open volume file", err)
	}
	defer f.Close()

	sbBuf := make([]byte, layout.HeaderSize+4096)
	if _, err := f.ReadAt(sbBuf, 0); err != nil {
		return config.Config{}, layout.Layout{}, 0, errs.Wrap(errs.CorruptFile, "lifecycle: read superblock", err)
	}
	sb, err := layout.DecodeSuperBlock(sbBuf)
	if err != nil {
		return config.Config{}, layout.Layout{}, 0, err
	}

	cfgBuf := make([]byte, layout.HeaderSize+4096)
	if _, err := f.ReadAt(cfgBuf, int64(layout.HeaderSize)+4096); err != nil {
		return config.Config{}, layout.Layout{}, 0, errs.Wrap(errs.CorruptFile, "lifecycle: read config record", err)
	}
	cr, err := layout.DecodeConfig(cfgBuf)
	if err != nil {
		return config.Config{}, layout.Layout{}, 0, err
	}

	cfg.Geometry = cr.Geometry
	cfg.NumSaveSlots = int(sb.NumSaveSlots)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, layout.Layout{}, 0, err
	}

	lay, err := layout.New(cfg.Geometry, cfg.NumSaveSlots, cfg.ZoneCount)
	if err != nil {
		return config.Config{}, layout.Layout{}, 0, err
	}
	return cfg, lay, sb.VolumeNonce, nil
}

func open(path string, cfg config.Config, lay layout.Layout, nonce layout.Nonce, zoneVCNs []uint64, logger *zap.Logger) (*Index, error) {
	store, vi, sc, coordinator, err := setupCommon(path, cfg, lay, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	idx := &Index{
		path:        path,
		cfg:         cfg,
		layout:      lay,
		nonce:       nonce,
		store:       store,
		vi:          vi,
		sparseCache: sc,
		coordinator: coordinator,
		logger:      logger,
		state:       Opening,
		ctx:         ctx,
		cancel:      cancel,
	}

	idx.writer = chapterwriter.New(ctx, cfg.Geometry, store, logger, int(cfg.ZoneCount), cfg.ChapterWriterQueueDepth, idx.onChapterWritten)
	idx.checkpoint = checkpoint.New(cfg.CheckpointFrequency, idx.Save, logger)

	headers := make([]layout.SaveSlotHeader, cfg.NumSaveSlots)
	present := make([]bool, cfg.NumSaveSlots)
	for i := range headers {
		buf := make([]byte, int(lay.SaveSlotSize))
		f, err := os.Open(path)
		if err != nil {
			idx.Close()
			return nil, err
		}
		_, rerr := f.ReadAt(buf, lay.SaveSlotOffsets[i])
		f.Close()
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			continue
		}
		h, derr := layout.DecodeSaveSlotHeader(buf)
		if derr == nil {
			headers[i] = h
			present[i] = true
		}
	}
	idx.slotHeaders = headers
	idx.slotPresent = present
	idx.slots = layout.NewSlotSelector(headers, present)

	if zoneVCNs != nil {
		idx.startZones(ctx, zoneVCNs)
		idx.state = Running
	}
	return idx, nil
}

// Save writes the current window bounds and zone count into the next
// save-slot rotation as a clean save. Volume index state itself is not
// serialized: Load and Rebuild both reconstruct it by replaying the
// chapters a save's recorded window names, so a save slot need only
// record which chapters currently make up that window.
func (idx *Index) Save() error {
	oldest, newest, _ := idx.window()

	slot, seq := idx.slots.SetupSaveSlot()
	f, err := os.OpenFile(idx.path, os.O_RDWR, 0)
	if err != nil {
		return errs.Wrap(errs.BadState, "lifecycle: open for save", err)
	}
	defer f.Close()

	header := layout.SaveSlotHeader{
		Kind:       layout.KindSave,
		Sequence:   seq,
		Nonce:      idx.nonce,
		NumZones:   idx.cfg.ZoneCount,
		OldestVCN:  oldest,
		NewestVCN:  newest,
		InProgress: uuid.New(),
		Complete:   true,
	}
	if _, err := f.WriteAt(header.Encode(), idx.layout.SaveSlotOffsets[slot]); err != nil {
		return errs.Wrap(errs.BadState, "lifecycle: write save slot", err)
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.BadState, "lifecycle: sync save slot", err)
	}
	idx.slots.CommitSave(slot, header)
	return nil
}

// SetCheckpointFrequency live-tunes how many chapter closes elapse
// between automatic checkpoints.
func (idx *Index) SetCheckpointFrequency(n int) {
	idx.checkpoint.SetFrequency(n)
}

// VolumeIndex exposes the shared volume index for the zone layer / uds
// package to dispatch requests against.
func (idx *Index) VolumeIndex() *volumeindex.VolumeIndex { return idx.vi }

// Zones exposes the running per-shard workers.
func (idx *Index) Zones() []*zone.Zone { return idx.zones }

// Suspend saves the index and moves it to the Suspended state. It does
// not stop the zones: requests dispatched while suspended are still
// applied, and may change the backing file after Suspend returns.
func (idx *Index) Suspend() error {
	if idx.state != Running {
		return fmt.Errorf("lifecycle: cannot suspend from state %d", idx.state)
	}
	idx.state = Suspending
	if err := idx.Save(); err != nil {
		idx.state = Running
		return err
	}
	idx.state = Suspended
	return nil
}

// Resume returns a suspended index to the Running state.
func (idx *Index) Resume() error {
	if idx.state != Suspended {
		return fmt.Errorf("lifecycle: cannot resume from state %d", idx.state)
	}
	idx.state = Running
	return nil
}

// Flush blocks until every zone's queued requests have been applied,
// without saving. It does not wait for the chapter writer to finish
// chapters those requests closed.
func (idx *Index) Flush() {
	for _, z := range idx.zones {
		for z.PendingCount() > 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// Close stops every zone and the chapter writer, and releases the
// backing file.
func (idx *Index) Close() error {
	idx.state = Freeing
	for _, z := range idx.zones {
		z.Close()
	}
	if idx.writer != nil {
		idx.writer.Close()
	}
	if idx.cancel != nil {
		idx.cancel()
	}
	if idx.store != nil {
		return idx.store.Close()
	}
	return nil
}

// Destroy closes the index and deletes its backing file.
func (idx *Index) Destroy() error {
	if err := idx.Close(); err != nil {
		return err
	}
	return os.Remove(idx.path)
}

// Stats holds the point-in-time counters GetStats reports for monitoring.
type Stats struct {
	DenseEntryCount  int
	SparseEntryCount int
	SparseCacheLen   int
	SparseLoadCount  int64
	OldestVCN        uint64
	NewestVCN        uint64

	Queries    int64
	Posts      int64
	Updates    int64
	Deletes    int64
	Overflows  int64
	Collisions int64
}

// GetStats snapshots the index's current statistics, summing the
// per-zone request counters across every zone.
func (idx *Index) GetStats() Stats {
	oldest, newest, _ := idx.window()
	s := Stats{
		DenseEntryCount:  idx.vi.DenseEntryCount(),
		SparseEntryCount: idx.vi.SparseEntryCount(),
		SparseCacheLen:   idx.sparseCache.Len(),
		SparseLoadCount:  idx.coordinator.LoadCount(),
		OldestVCN:        oldest,
		NewestVCN:        newest,
	}
	for _, z := range idx.zones {
		zs := z.Stats()
		s.Queries += zs.Queries
		s.Posts += zs.Posts
		s.Updates += zs.Updates
		s.Deletes += zs.Deletes
		s.Overflows += zs.Overflows
		s.Collisions += zs.Collisions
	}
	return s
}
