// Package state implements TTL-aware keyed value state for a checkpointed
// micro-batch processor.
//
// A Task owns the state of one partition. Each micro-batch begins with
// Task.Begin, which fixes the batch's reference time, reads and writes slots
// through the returned Batch and ends with Batch.Commit, which evicts expired
// values and applies every change atomically, or Batch.Abort, which leaves no
// trace.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/keystate/kv"
)

var (
	// ErrUnknownSlot is returned when a batch is asked for an unregistered slot.
	ErrUnknownSlot = errors.New("state: unknown slot")
	// ErrBatchActive is returned by Begin and Restore while a batch is open.
	ErrBatchActive = errors.New("state: batch already active")
	// ErrBatchClosed is returned when a committed or aborted batch is used.
	ErrBatchClosed = errors.New("state: batch closed")
	// ErrReadOnly is returned when a view is written to or committed.
	ErrReadOnly = errors.New("state: view is read-only")
	// ErrLayoutMismatch is returned by NewTask when the store was written
	// under a different partition layout.
	ErrLayoutMismatch = errors.New("state: partition layout mismatch")
)

// Layout identifies the partition a store belongs to. Keys are routed by
// partition count, so a store is only valid under the layout it was written
// with.
type Layout struct {
	Partition  int
	Partitions int
}

func (l Layout) String() string {
	return fmt.Sprintf("partition %d of %d", l.Partition, l.Partitions)
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithLogger sets the task logger.
func WithLogger(logger zerolog.Logger) TaskOption {
	return func(t *Task) {
		t.logger = logger
	}
}

// WithTaskID labels the task in log output.
func WithTaskID(id string) TaskOption {
	return func(t *Task) {
		t.id = id
	}
}

// WithCheckpointInterval checkpoints the store every n committed batches.
// Zero disables automatic checkpoints.
func WithCheckpointInterval(n int) TaskOption {
	return func(t *Task) {
		if n < 0 {
			n = 0
		}
		t.checkpointEvery = uint64(n)
	}
}

// WithCheckpointRetention keeps only the newest n checkpoints. Zero keeps all.
func WithCheckpointRetention(n int) TaskOption {
	return func(t *Task) {
		if n < 0 {
			n = 0
		}
		t.retain = n
	}
}

// WithLayout binds the task to one partition of a partitioned state. The
// layout is recorded with the first commit and checked on every open.
func WithLayout(partition, partitions int) TaskOption {
	return func(t *Task) {
		t.layout = Layout{Partition: partition, Partitions: partitions}
	}
}

// Task owns the value slots and expiration indexes of one partition.
// A task is driven by a single goroutine; only View and Version may be
// called from others.
type Task struct {
	id       string
	store    kv.Store
	registry *Registry
	clock    Clock
	evictor  *Evictor
	logger   zerolog.Logger

	checkpointEvery uint64
	retain          int

	layout          Layout
	layoutPersisted bool

	version        atomic.Uint64
	watermark      int64
	hasWatermark   bool
	lastCheckpoint uint64
	active         *Batch
}

// NewTask binds registry and clock to store and loads the last committed
// batch version.
func NewTask(store kv.Store, registry *Registry, clock Clock, opts ...TaskOption) (*Task, error) {
	if store == nil {
		return nil, errors.New("state: store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("state: registry must not be nil")
	}
	if clock == nil {
		clock = WallClock()
	}
	t := &Task{
		store:           store,
		registry:        registry,
		clock:           clock,
		logger:          zerolog.Nop(),
		checkpointEvery: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = t.logger.With().Str("component", "state").Str("task", t.id).Logger()
	t.evictor = NewEvictor(registry, t.logger)

	if err := t.checkLayout(); err != nil {
		return nil, err
	}
	if err := t.loadMeta(); err != nil {
		return nil, err
	}
	versions, err := store.Checkpoints()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(versions) > 0 {
		t.lastCheckpoint = versions[len(versions)-1]
	}
	return t, nil
}

// loadMeta reads the committed version and watermark of the store.
func (t *Task) loadMeta() error {
	version, err := t.loadVersion()
	if err != nil {
		return err
	}
	t.version.Store(version)
	t.watermark, t.hasWatermark = 0, false
	raw, err := t.store.Get(metaFamily, watermarkKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load watermark: %w", err)
	}
	ms, err := decodeWatermark(raw)
	if err != nil {
		return err
	}
	t.watermark, t.hasWatermark = ms, true
	return nil
}

func (t *Task) checkLayout() error {
	t.layoutPersisted = false
	if t.layout.Partitions <= 0 {
		return nil
	}
	raw, err := t.store.Get(metaFamily, layoutKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load partition layout: %w", err)
	}
	stored, err := decodeLayout(raw)
	if err != nil {
		return err
	}
	if stored != t.layout {
		return fmt.Errorf("%w: store holds %s, opened as %s", ErrLayoutMismatch, stored, t.layout)
	}
	t.layoutPersisted = true
	return nil
}

func (t *Task) loadVersion() (uint64, error) {
	raw, err := t.store.Get(metaFamily, versionKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load committed version: %w", err)
	}
	return decodeVersion(raw)
}

// ID returns the task label.
func (t *Task) ID() string { return t.id }

// Version returns the number of the last committed batch.
func (t *Task) Version() uint64 { return t.version.Load() }

// Watermark returns the event-time watermark recorded by the last committed
// batch that carried one.
func (t *Task) Watermark() (time.Time, bool) {
	if !t.hasWatermark {
		return time.Time{}, false
	}
	return fromMillis(t.watermark), true
}

// Registry returns the slot definitions of the task.
func (t *Task) Registry() *Registry { return t.registry }

// Begin opens the next batch. The clock is read once here and the result is
// the reference time for every TTL decision in the batch.
func (t *Task) Begin(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.active != nil {
		return nil, ErrBatchActive
	}
	now := t.clock.Now()
	b := &Batch{
		task:      t,
		txn:       kv.NewTxn(t.store),
		now:       now,
		nowMillis: toMillis(now),
		version:   t.version.Load() + 1,
		slots:     make(map[string]*ValueState, t.registry.Len()),
	}
	t.active = b
	return b, nil
}

// View opens a read-only batch over the committed state. Views are
// independent of the active batch and never commit; Abort releases them.
func (t *Task) View() *Batch {
	now := t.clock.Now()
	return &Batch{
		task:      t,
		txn:       kv.NewTxn(t.store),
		now:       now,
		nowMillis: toMillis(now),
		version:   t.version.Load(),
		slots:     make(map[string]*ValueState, t.registry.Len()),
		readOnly:  true,
	}
}

// Checkpoint snapshots the store at the last committed version.
func (t *Task) Checkpoint(ctx context.Context) error {
	if t.active != nil {
		return ErrBatchActive
	}
	return t.checkpoint(ctx)
}

func (t *Task) checkpoint(ctx context.Context) error {
	version := t.version.Load()
	if err := t.store.Checkpoint(ctx, version); err != nil {
		return fmt.Errorf("checkpoint version %d: %w", version, err)
	}
	t.lastCheckpoint = version
	if t.retain > 0 {
		versions, err := t.store.Checkpoints()
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}
		for len(versions) > t.retain {
			if err := t.store.DropCheckpoint(versions[0]); err != nil {
				return fmt.Errorf("drop checkpoint %d: %w", versions[0], err)
			}
			versions = versions[1:]
		}
	}
	return nil
}

// Restore resets the store to the checkpoint taken at version. Checkpoints
// newer than version are discarded because the batches they describe will be
// replayed.
func (t *Task) Restore(ctx context.Context, version uint64) error {
	if t.active != nil {
		return ErrBatchActive
	}
	if err := t.store.Restore(ctx, version); err != nil {
		return fmt.Errorf("restore version %d: %w", version, err)
	}
	if err := t.checkLayout(); err != nil {
		return err
	}
	if err := t.loadMeta(); err != nil {
		return err
	}
	loaded := t.version.Load()
	versions, err := t.store.Checkpoints()
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	for _, v := range versions {
		if v <= version {
			continue
		}
		if err := t.store.DropCheckpoint(v); err != nil {
			return fmt.Errorf("drop checkpoint %d: %w", v, err)
		}
	}
	t.lastCheckpoint = version
	t.logger.Info().Uint64("version", loaded).Msg("restored state from checkpoint")
	return nil
}

// RestoreLatest restores the newest checkpoint, if any.
func (t *Task) RestoreLatest(ctx context.Context) (uint64, bool, error) {
	versions, err := t.store.Checkpoints()
	if err != nil {
		return 0, false, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(versions) == 0 {
		return 0, false, nil
	}
	latest := versions[len(versions)-1]
	if err := t.Restore(ctx, latest); err != nil {
		return 0, false, err
	}
	return latest, true, nil
}

// Batch is one open micro-batch of a task.
type Batch struct {
	task      *Task
	txn       *kv.Txn
	now       time.Time
	nowMillis int64
	version   uint64
	slots     map[string]*ValueState
	closed    bool
	readOnly  bool

	watermark    int64
	hasWatermark bool
}

// CommitResult describes a committed batch.
type CommitResult struct {
	Version  uint64
	Writes   int
	Eviction EvictionStats
	// Checkpointed is set when a checkpoint was written after the commit.
	Checkpointed bool
	// CheckpointErr reports a failed checkpoint. The batch itself is
	// committed; the next batch retries the checkpoint.
	CheckpointErr error
}

// Now returns the batch reference time.
func (b *Batch) Now() time.Time { return b.now }

// Version returns the version the batch commits as. For views it is the
// committed version the view reads.
func (b *Batch) Version() uint64 { return b.version }

// SetWatermark records the event-time watermark reached by this batch. It is
// committed with the batch and never moves a persisted watermark backwards.
func (b *Batch) SetWatermark(t time.Time) error {
	if err := b.writable(); err != nil {
		return err
	}
	ms := toMillis(t)
	if !b.hasWatermark || ms > b.watermark {
		b.watermark, b.hasWatermark = ms, true
	}
	return nil
}

func (b *Batch) usable() error {
	if b.closed {
		return ErrBatchClosed
	}
	return nil
}

func (b *Batch) writable() error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.readOnly {
		return ErrReadOnly
	}
	return nil
}

// Slot returns the value state registered under name.
func (b *Batch) Slot(name string) (*ValueState, error) {
	if err := b.usable(); err != nil {
		return nil, err
	}
	if state, ok := b.slots[name]; ok {
		return state, nil
	}
	slot, ok := b.task.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSlot, name)
	}
	state := &ValueState{slot: slot, batch: b}
	if slot.HasTTL() {
		state.index = newIndex(slot, b.txn)
	}
	b.slots[name] = state
	return state, nil
}

// Commit evicts expired values and applies the batch atomically. On error the
// batch is aborted and nothing is applied.
func (b *Batch) Commit(ctx context.Context) (CommitResult, error) {
	if err := b.writable(); err != nil {
		return CommitResult{}, err
	}
	t := b.task
	stats, err := t.evictor.Run(ctx, b)
	if err != nil {
		b.Abort()
		return CommitResult{}, fmt.Errorf("evict batch %d: %w", b.version, err)
	}
	b.txn.Set(metaFamily, versionKey, encodeVersion(b.version))
	watermark, hasWatermark := t.watermark, t.hasWatermark
	if b.hasWatermark && (!hasWatermark || b.watermark > watermark) {
		watermark, hasWatermark = b.watermark, true
		b.txn.Set(metaFamily, watermarkKey, encodeWatermark(watermark))
	}
	if t.layout.Partitions > 0 && !t.layoutPersisted {
		b.txn.Set(metaFamily, layoutKey, encodeLayout(t.layout))
	}
	writes := b.txn.Len()
	if err := b.txn.Commit(ctx); err != nil {
		b.Abort()
		return CommitResult{}, fmt.Errorf("commit batch %d: %w", b.version, err)
	}
	b.closed = true
	t.active = nil
	t.version.Store(b.version)
	t.watermark, t.hasWatermark = watermark, hasWatermark
	if t.layout.Partitions > 0 {
		t.layoutPersisted = true
	}

	result := CommitResult{Version: b.version, Writes: writes, Eviction: stats}
	if t.checkpointEvery > 0 && b.version-t.lastCheckpoint >= t.checkpointEvery {
		if err := t.checkpoint(ctx); err != nil {
			result.CheckpointErr = err
			t.logger.Warn().Err(err).Uint64("version", b.version).Msg("checkpoint failed")
		} else {
			result.Checkpointed = true
		}
	}
	if n := stats.Evicted() + stats.Stale(); n > 0 {
		t.logger.Debug().
			Uint64("version", b.version).
			Int("evicted", stats.Evicted()).
			Int("stale", stats.Stale()).
			Msg("evicted expired state")
	}
	return result, nil
}

// Abort discards the batch. Calling Abort on a finished batch is a no-op.
func (b *Batch) Abort() {
	if b.closed {
		return
	}
	b.closed = true
	b.txn.Discard()
	if b.task.active == b {
		b.task.active = nil
	}
}
