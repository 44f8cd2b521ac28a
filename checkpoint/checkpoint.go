// Package checkpoint implements the periodic-save state machine: every N
// chapter closes, the index's current state is written to the next save
// slot in the rotation, without blocking ongoing post/query traffic. The
// frequency is live-tunable; 0 disables checkpointing entirely.
package checkpoint

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/openvdo/uds/errs"
)

// State is where a Checkpointer sits in its state machine.
type State int

const (
	// Idle means no checkpoint is in flight; the next due
	// ChapterClosed call may start one.
	Idle State = iota
	// InProgress means a checkpoint save is currently running on its own
	// goroutine.
	InProgress
)

// SaveFunc performs one checkpoint save. It is supplied by the lifecycle
// package, which owns the save-slot rotation and the actual volume
// index/open-chapter snapshotting.
type SaveFunc func() error

// Checkpointer tracks how many chapters have closed since the last
// checkpoint and triggers SaveFunc once the configured frequency is
// reached.
type Checkpointer struct {
	frequency atomic.Int64
	sinceLast atomic.Int64

	mu      sync.Mutex
	state   State
	save    SaveFunc
	logger  *zap.Logger
	onEvent func(State, error)
}

// New builds a Checkpointer with the given initial frequency (chapters
// closed between checkpoints; 0 disables checkpointing).
func New(initialFrequency int, save SaveFunc, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Checkpointer{save: save, logger: logger}
	c.frequency.Store(int64(initialFrequency))
	return c
}

// SetFrequency changes how many chapter closes must elapse between
// checkpoints. It takes effect immediately and is safe to call
// concurrently with ChapterClosed.
func (c *Checkpointer) SetFrequency(n int) {
	c.frequency.Store(int64(n))
}

// Frequency reports the current checkpoint frequency.
func (c *Checkpointer) Frequency() int {
	return int(c.frequency.Load())
}

// OnEvent registers a callback invoked whenever a checkpoint starts or
// finishes, primarily for tests; it is not required for correct
// operation.
func (c *Checkpointer) OnEvent(f func(State, error)) {
	c.mu.Lock()
	c.onEvent = f
	c.mu.Unlock()
}

// State reports whether a checkpoint is currently in flight.
func (c *Checkpointer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChapterClosed is called by the lifecycle orchestrator once per chapter
// close, across every zone. If the configured frequency has elapsed and
// no checkpoint is already in flight, it starts one asynchronously and
// returns true; otherwise it returns false.
func (c *Checkpointer) ChapterClosed() bool {
	freq := c.frequency.Load()
	if freq <= 0 {
		return false
	}
	if c.sinceLast.Inc() < freq {
		return false
	}

	c.mu.Lock()
	if c.state == InProgress {
		// A checkpoint is still running from a previous trigger; skip
		// this one rather than queueing, and try again next time a
		// chapter closes.
		c.mu.Unlock()
		c.logger.Warn("checkpoint due but previous checkpoint still in progress")
		return false
	}
	c.state = InProgress
	onEvent := c.onEvent
	c.mu.Unlock()
	c.sinceLast.Store(0)

	if onEvent != nil {
		onEvent(InProgress, nil)
	}
	go c.run(onEvent)
	return true
}

func (c *Checkpointer) run(onEvent func(State, error)) {
	err := c.save()
	if err != nil {
		c.logger.Error("checkpoint failed", zap.Error(err))
		err = errs.Wrap(errs.BadState, "checkpoint: save failed", err)
	} else {
		c.logger.Info("checkpoint complete")
	}

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()

	if onEvent != nil {
		onEvent(Idle, err)
	}
}
