// Package processor drives partitioned keyed state through micro-batches.
//
// Every cycle polls the configured Source, groups the records by key, routes
// each key to its partition and runs one state batch per partition. Slot
// update expressions and an optional Handler write the state; the batch
// commit evicts expired values and checkpoints the partition store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/internal/logging"
	"github.com/timzifer/keystate/internal/reload"
	"github.com/timzifer/keystate/internal/rules"
	"github.com/timzifer/keystate/kv"
	"github.com/timzifer/keystate/kv/memory"
	"github.com/timzifer/keystate/state"
	"github.com/timzifer/keystate/telemetry"
)

// ReloadFunc represents a function that reloads the processor configuration.
type ReloadFunc func(ctx context.Context) error

// Option configures the processor during construction.
type Option func(*settings) error

var errSourceDrained = errors.New("source drained")

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	source            Source
	handler           Handler
	clock             state.Clock
	exitOnDrain       bool
	stateOptions      []StateOption
}

// Processor orchestrates the batch loop, including configuration reloads and cleanup.
type Processor struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	collector telemetry.Collector

	customLogger bool
	baseLogger   zerolog.Logger

	source       Source
	handler      Handler
	clock        state.Clock
	exitOnDrain  bool
	stateOptions []StateOption

	control   *cycleController
	watermark *state.Watermark
	memStores map[int]*memory.Store

	watcher  *reload.Watcher
	reloadCh chan reloadRequest

	cycleMu sync.Mutex
	pending []Record

	current *runtimeState
	running bool
}

type runtimeState struct {
	cfg       *config.Config
	logger    zerolog.Logger
	cleanup   func()
	state     *StateSet
	handler   Handler
	watermark *state.Watermark
}

func (r *runtimeState) close() {
	if err := r.state.Close(); err != nil {
		r.logger.Error().Err(err).Msg("failed to close state")
	}
	r.cleanup()
}

type reloadRequest struct {
	done  chan error
	files []string
}

// PartitionResult describes the batch of one partition within a cycle.
type PartitionResult struct {
	Partition    int
	Version      uint64
	Keys         int
	Records      int
	Eviction     state.EvictionStats
	Checkpointed bool
	Err          error
}

// CycleResult describes one cycle across all partitions.
type CycleResult struct {
	Records    int
	Retried    int
	Partitions []PartitionResult
	Duration   time.Duration
	// Drained is set once the source reported io.EOF and no record is
	// waiting for a retry.
	Drained bool
}

// Failed returns the number of partitions whose batch was aborted.
func (r CycleResult) Failed() int {
	n := 0
	for _, part := range r.Partitions {
		if part.Err != nil {
			n++
		}
	}
	return n
}

// New constructs a processor with the supplied options.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}
	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			cfg.telemetry = telemetry.Noop()
		} else {
			cfg.telemetry = collector
		}
	}

	proc := &Processor{
		config:       cfg.config,
		configPath:   cfg.configPath,
		collector:    cfg.telemetry,
		customLogger: cfg.customLogger,
		baseLogger:   cfg.logger,
		source:       cfg.source,
		handler:      cfg.handler,
		clock:        cfg.clock,
		exitOnDrain:  cfg.exitOnDrain,
		stateOptions: cfg.stateOptions,
		control:      newCycleController(cfg.config.Batch.Interval.Duration),
		memStores:    make(map[int]*memory.Store),
	}

	runtime, err := proc.buildRuntime(ctx, cfg.config)
	if err != nil {
		proc.closeMemStores()
		return nil, err
	}
	proc.current = runtime

	if cfg.configPath != "" {
		proc.reloadCh = make(chan reloadRequest)
	}

	if err := proc.initWatcher(cfg.config); err != nil {
		runtime.close()
		proc.closeMemStores()
		return nil, err
	}

	if cfg.registerReload != nil {
		cfg.registerReload(proc.Reload)
	}

	return proc, nil
}

// Run executes batch cycles until the context is cancelled, a cycle fails
// fatally or, with WithExitOnDrain, the source is exhausted. Cancelling ctx
// lets the running cycle finish before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return errors.New("processor not initialized")
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	current := p.current
	watcher := p.watcher
	reloadCh := p.reloadCh
	p.mu.Unlock()

	var ticker *time.Ticker
	if watcher != nil {
		ticker = time.NewTicker(time.Second)
		defer ticker.Stop()
	}

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(rt *runtimeState) {
			errCh <- p.loop(runCtx, rt)
		}(current)

		var pending *reloadRequest
		var nextConfig *config.Config

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				if err != nil && !isContextErr(err) {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				if errors.Is(err, errSourceDrained) {
					current.logger.Info().Msg("source drained")
					return nil
				}
				return err
			case req := <-reloadCh:
				cfg, err := p.loadConfig()
				if err != nil {
					if req.done != nil {
						req.done <- err
					}
					continue
				}
				pending = &req
				nextConfig = cfg
				break loop
			case <-tickChannel(ticker):
				changes, err := watcher.Check()
				if err != nil {
					current.logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				cfg, err := p.loadConfig()
				if err != nil {
					current.logger.Error().Err(err).Strs("files", changes).Msg("reloaded configuration invalid")
					// Re-arm so the same broken edit is not reported every tick.
					if err := watcher.Update(p.configPath, current.cfg); err != nil {
						current.logger.Error().Err(err).Msg("failed to update configuration watcher")
					}
					continue
				}
				pending = &reloadRequest{files: changes}
				nextConfig = cfg
				break loop
			}
		}

		cancelRun()
		if err := <-errCh; err != nil && !isContextErr(err) && !errors.Is(err, errSourceDrained) {
			current.logger.Error().Err(err).Msg("batch loop stopped during reload")
		}
		current.close()

		runtime, err := p.buildRuntime(ctx, nextConfig)
		if err != nil {
			if pending != nil && pending.done != nil {
				pending.done <- err
			}
			p.mu.Lock()
			p.current = nil
			p.mu.Unlock()
			return err
		}

		p.mu.Lock()
		p.current = runtime
		current = runtime
		p.config = nextConfig
		if err := p.initWatcher(nextConfig); err != nil {
			current.logger.Error().Err(err).Msg("failed to update configuration watcher")
		} else {
			watcher = p.watcher
		}
		if ticker != nil {
			ticker.Stop()
			ticker = nil
		}
		if watcher != nil {
			ticker = time.NewTicker(time.Second)
		}
		p.mu.Unlock()
		p.control.SetInterval(nextConfig.Batch.Interval.Duration)
		current.logger.Info().Int("slots", len(nextConfig.Slots)).Msg("configuration reloaded")

		if pending != nil {
			if pending.done != nil {
				pending.done <- nil
			}
			for _, file := range pending.files {
				p.collector.IncHotReload(file)
			}
		}
	}
}

func (p *Processor) loop(ctx context.Context, rt *runtimeState) error {
	for {
		if _, err := p.control.Wait(ctx); err != nil {
			return err
		}
		result, err := p.runCycle(ctx, rt)
		if err != nil {
			return err
		}
		if result.Drained && p.exitOnDrain {
			return errSourceDrained
		}
	}
}

// RunCycle runs one cycle immediately, independent of the scheduling mode.
func (p *Processor) RunCycle(ctx context.Context) (CycleResult, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current == nil {
		return CycleResult{}, errors.New("processor not initialized")
	}
	return p.runCycle(ctx, current)
}

type keyGroup struct {
	key     []byte
	records []Record
}

type partitionWork struct {
	partition *Partition
	groups    []keyGroup
	records   int
}

func (p *Processor) runCycle(ctx context.Context, rt *runtimeState) (CycleResult, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	// A started cycle always commits or aborts every partition.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	records := p.pending
	p.pending = nil
	retried := len(records)
	drained := false
	if room := rt.cfg.Batch.MaxRecords - len(records); room > 0 && p.source != nil {
		polled, err := p.source.Poll(ctx, room)
		switch {
		case errors.Is(err, io.EOF):
			drained = true
		case err != nil:
			rt.logger.Error().Err(err).Msg("poll source failed")
		}
		records = append(records, polled...)
	}

	var mark time.Time
	if rt.watermark != nil {
		mark = nextWatermark(rt.watermark, records)
	}

	work := groupRecords(rt.state, records)
	results := runPartitions(ctx, rt.cfg.Batch.Workers, work, func(ctx context.Context, w partitionWork) PartitionResult {
		return p.runPartition(ctx, rt, w, mark)
	})

	for i, res := range results {
		if res.Err == nil {
			continue
		}
		for _, group := range work[i].groups {
			p.pending = append(p.pending, group.records...)
		}
	}

	if rt.watermark != nil {
		rt.watermark.Set(mark)
		p.collector.SetWatermark(rt.watermark.Now())
	}

	result := CycleResult{
		Records:    len(records),
		Retried:    retried,
		Partitions: results,
		Duration:   time.Since(start),
		Drained:    drained && len(p.pending) == 0,
	}
	if failed := result.Failed(); failed > 0 {
		rt.logger.Warn().Int("failed", failed).Int("requeued", len(p.pending)).Msg("cycle incomplete")
	}
	return result, nil
}

// nextWatermark returns the watermark after observing records. Batches of the
// cycle still run at the current watermark; the next one is committed with
// them so a restart resumes from it.
func nextWatermark(w *state.Watermark, records []Record) time.Time {
	next := w.Now()
	for _, rec := range records {
		if rec.EventTime.IsZero() {
			continue
		}
		if candidate := rec.EventTime.Add(-w.Delay()); candidate.After(next) {
			next = candidate
		}
	}
	return next
}

func groupRecords(set *StateSet, records []Record) []partitionWork {
	parts := set.Partitions()
	work := make([]partitionWork, len(parts))
	index := make([]map[string]int, len(parts))
	for i, part := range parts {
		work[i].partition = part
		index[i] = make(map[string]int)
	}
	for _, rec := range records {
		id := set.Route(rec.Key)
		w := &work[id]
		pos, ok := index[id][string(rec.Key)]
		if !ok {
			pos = len(w.groups)
			index[id][string(rec.Key)] = pos
			w.groups = append(w.groups, keyGroup{key: rec.Key})
		}
		w.groups[pos].records = append(w.groups[pos].records, rec)
		w.records++
	}
	return work
}

func (p *Processor) runPartition(ctx context.Context, rt *runtimeState, w partitionWork, mark time.Time) PartitionResult {
	part := w.partition
	part.mu.Lock()
	defer part.mu.Unlock()

	start := time.Now()
	res := PartitionResult{Partition: part.ID, Keys: len(w.groups), Records: w.records}
	defer func() {
		p.collector.ObserveBatch(part.Label(), time.Since(start), res.Err)
	}()

	batch, err := part.Task.Begin(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	for _, group := range w.groups {
		if err := rt.handler.Handle(ctx, batch, group.key, group.records); err != nil {
			batch.Abort()
			res.Err = fmt.Errorf("key %q: %w", group.key, err)
			rt.logger.Error().Err(err).Int("partition", part.ID).Uint64("version", batch.Version()).Msg("batch aborted")
			return res
		}
	}
	if rt.watermark != nil {
		if err := batch.SetWatermark(mark); err != nil {
			batch.Abort()
			res.Err = err
			return res
		}
	}
	commit, err := batch.Commit(ctx)
	if err != nil {
		res.Err = err
		rt.logger.Error().Err(err).Int("partition", part.ID).Msg("batch commit failed")
		return res
	}
	res.Version = commit.Version
	res.Eviction = commit.Eviction
	res.Checkpointed = commit.Checkpointed

	p.collector.AddRecords(part.Label(), w.records)
	p.collector.SetCommittedVersion(part.Label(), commit.Version)
	for _, slot := range commit.Eviction.Slots {
		p.collector.AddEviction(slot.Slot, slot.Evicted, slot.Stale)
	}
	return res
}

// Reload rebuilds the processor using the latest configuration from disk.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	reloadCh := p.reloadCh
	p.mu.Unlock()

	if !running {
		cfg, err := p.loadConfig()
		if err != nil {
			return err
		}
		return p.swapRuntime(ctx, cfg)
	}

	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case reloadCh <- req:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Close releases resources managed by the processor.
func (p *Processor) Close() {
	p.mu.Lock()
	current := p.current
	p.current = nil
	p.mu.Unlock()

	if current != nil {
		current.close()
	}
	p.closeMemStores()
}

// Config returns the active configuration.
func (p *Processor) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Pending returns the number of records waiting for a retry.
func (p *Processor) Pending() int {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return len(p.pending)
}

// Pause stops scheduled cycles; Step still triggers single ones.
func (p *Processor) Pause() { p.control.SetMode(ModePause) }

// Resume restarts scheduled cycles.
func (p *Processor) Resume() { p.control.SetMode(ModeRun) }

// Step triggers one cycle of the running loop.
func (p *Processor) Step() { p.control.Step() }

// SetInterval changes the cycle interval until the next reload.
func (p *Processor) SetInterval(d time.Duration) { p.control.SetInterval(d) }

// Status reports the scheduling state.
func (p *Processor) Status() ControlStatus { return p.control.Status() }

// Slots lists the configured slots.
func (p *Processor) Slots() []SlotInfo {
	cfg := p.Config()
	out := make([]SlotInfo, 0, len(cfg.Slots))
	for _, slot := range cfg.Slots {
		info := SlotInfo{Name: slot.Name, TTL: slot.TTL.Duration, Update: slot.Update, Source: slot.Source.File}
		if slot.TTL.Duration > 0 {
			info.TTLStr = slot.TTL.Duration.String()
		}
		out = append(out, info)
	}
	return out
}

// Inspect reads the committed state of key in slot.
func (p *Processor) Inspect(slot, key string) (Inspection, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current == nil {
		return Inspection{}, errors.New("processor not initialized")
	}
	return current.state.Inspect(slot, key)
}

func (p *Processor) swapRuntime(ctx context.Context, cfg *config.Config) error {
	p.mu.Lock()
	old := p.current
	if old != nil && partitionCount(old.cfg) != partitionCount(cfg) {
		p.mu.Unlock()
		return fmt.Errorf("%w: batch.partitions changed from %d to %d; keys would route to other stores",
			state.ErrLayoutMismatch, partitionCount(old.cfg), partitionCount(cfg))
	}
	p.current = nil
	p.mu.Unlock()
	if old != nil {
		// Stores are exclusive; the old set must be closed before the new
		// one opens the same directories.
		old.close()
	}

	runtime, err := p.buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = runtime
	p.config = cfg
	err = p.initWatcher(cfg)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.control.SetInterval(cfg.Batch.Interval.Duration)
	return nil
}

func (p *Processor) buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	runtime := &runtimeState{cfg: cfg, cleanup: func() {}}
	if p.customLogger {
		runtime.logger = p.baseLogger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, err
		}
		runtime.logger = logger
		runtime.cleanup = cleanup
	}
	log.Logger = runtime.logger

	clock := p.clock
	if clock == nil {
		mode, err := state.ParseTimeMode(cfg.Batch.TimeMode)
		if err != nil {
			runtime.cleanup()
			return nil, err
		}
		if mode == state.EventTime {
			runtime.watermark = p.eventClock(cfg.Batch.WatermarkDelay.Duration)
			clock = runtime.watermark
		} else {
			clock = state.WallClock()
		}
	}

	engine, err := rules.Compile(cfg.Slots, runtime.logger)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}
	var chain chainHandler
	if engine.Len() > 0 {
		chain = append(chain, rulesHandler{engine: engine})
	}
	if p.handler != nil {
		chain = append(chain, p.handler)
	}
	runtime.handler = chain

	stateOpts := []StateOption{
		WithStateClock(clock),
		WithStateLogger(runtime.logger),
		WithStoreOpener(p.openStore),
	}
	stateOpts = append(stateOpts, p.stateOptions...)
	set, err := OpenState(ctx, cfg, stateOpts...)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}
	runtime.state = set
	if runtime.watermark != nil {
		if mark, ok := set.Watermark(); ok {
			runtime.watermark.Set(mark)
		}
		p.collector.SetWatermark(runtime.watermark.Now())
	}
	runtime.logger.Info().
		Str("instance", set.Instance()).
		Int("partitions", len(set.Partitions())).
		Int("slots", set.Registry().Len()).
		Str("time_mode", cfg.Batch.TimeMode).
		Msg("processor state ready")
	return runtime, nil
}

// eventClock returns the watermark shared across reloads. A changed delay
// starts a new watermark that never falls behind the previous one.
func (p *Processor) eventClock(delay time.Duration) *state.Watermark {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watermark != nil && p.watermark.Delay() == delay {
		return p.watermark
	}
	next := state.NewWatermark(delay)
	if p.watermark != nil {
		next.Set(p.watermark.Now())
	}
	p.watermark = next
	return next
}

// openStore keeps in-memory partitions alive across reloads so that only
// durable backends pay for reopening.
func (p *Processor) openStore(cfg *config.Config, partition int) (kv.Store, error) {
	if cfg.Store.Backend != config.BackendMemory {
		return DefaultStoreOpener(cfg, partition)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	store, ok := p.memStores[partition]
	if !ok {
		store = memory.New()
		p.memStores[partition] = store
	}
	return retainedStore{Store: store}, nil
}

func (p *Processor) closeMemStores() {
	p.mu.Lock()
	stores := p.memStores
	p.memStores = make(map[int]*memory.Store)
	p.mu.Unlock()
	for _, store := range stores {
		_ = store.Close()
	}
}

func (p *Processor) loadConfig() (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *Processor) initWatcher(cfg *config.Config) error {
	if p.configPath == "" {
		p.watcher = nil
		return nil
	}
	if !cfg.HotReload {
		p.watcher = nil
		return nil
	}
	if p.watcher == nil {
		watcher, err := reload.NewWatcher(p.configPath, cfg)
		if err != nil {
			return err
		}
		p.watcher = watcher
		return nil
	}
	return p.watcher.Update(p.configPath, cfg)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
