// Package config bundles the tunables that, together with a geometry,
// fully describe how an index instance is sized in memory: zone count,
// delta-index list budgets, cache capacities, queue depths, and the
// initial checkpoint frequency. Geometry is immutable
// once an index is created; everything in Config may differ between
// otherwise-identical LOAD calls (it is not persisted).
package config

import (
	"fmt"

	"github.com/openvdo/uds/geometry"
)

// Config is the caller-supplied tuning for one open index instance.
type Config struct {
	Geometry geometry.Geometry

	// ZoneCount shards both the volume index and the open chapter; it
	// must match what the volume was created with.
	ZoneCount uint32

	// ListsPerZone and MaxEntriesPerList bound each zone's dense and
	// sparse delta index memory.
	ListsPerZone      int
	MaxEntriesPerList int

	// PageCacheSize is the number of physical volume pages (index or
	// record) cached in memory.
	PageCacheSize int

	// RequestQueueDepth bounds how many in-flight requests a single
	// zone's dispatcher will buffer before Post/Query/Update/Delete
	// blocks the caller.
	RequestQueueDepth int

	// ChapterWriterQueueDepth bounds how many closed chapters may be
	// queued for packing before a zone's close_chapter blocks.
	ChapterWriterQueueDepth int

	// NumSaveSlots is how many rotating save-slot regions the volume
	// reserves; must be at least 2.
	NumSaveSlots int

	// CheckpointFrequency is the initial number of chapter closes
	// between checkpoints; 0 disables checkpointing. Live-tunable after
	// open via the session's SetCheckpointFrequency.
	CheckpointFrequency int
}

// Validate checks Config and its embedded Geometry for internal
// consistency.
func (c Config) Validate() error {
	if err := c.Geometry.Validate(); err != nil {
		return err
	}
	switch {
	case c.ZoneCount == 0:
		return fmt.Errorf("config: zone count must be positive")
	case c.ListsPerZone <= 0:
		return fmt.Errorf("config: lists per zone must be positive")
	case c.PageCacheSize <= 0:
		return fmt.Errorf("config: page cache size must be positive")
	case c.RequestQueueDepth <= 0:
		return fmt.Errorf("config: request queue depth must be positive")
	case c.ChapterWriterQueueDepth <= 0:
		return fmt.Errorf("config: chapter writer queue depth must be positive")
	case c.NumSaveSlots < 2:
		return fmt.Errorf("config: need at least 2 save slots, got %d", c.NumSaveSlots)
	case c.CheckpointFrequency < 0:
		return fmt.Errorf("config: checkpoint frequency cannot be negative")
	}
	return nil
}

// Default returns a small configuration suitable for tests, paired with
// geometry.Default().
func Default() Config {
	return Config{
		Geometry:                geometry.Default(),
		ZoneCount:               2,
		ListsPerZone:            16,
		MaxEntriesPerList:       256,
		PageCacheSize:           256,
		RequestQueueDepth:       64,
		ChapterWriterQueueDepth: 4,
		NumSaveSlots:            2,
		CheckpointFrequency:     0,
	}
}
