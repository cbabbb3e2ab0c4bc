package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/kv"
	"github.com/timzifer/keystate/kv/leveldb"
	"github.com/timzifer/keystate/kv/memory"
	"github.com/timzifer/keystate/kv/pebble"
	"github.com/timzifer/keystate/state"
)

// StoreOpener opens the store of one partition.
type StoreOpener func(cfg *config.Config, partition int) (kv.Store, error)

// DefaultStoreOpener opens the backend named by cfg.Store. Durable backends
// live under cfg.PartitionPath(partition). Engine messages go to the global
// zerolog logger.
func DefaultStoreOpener(cfg *config.Config, partition int) (kv.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPebble:
		return pebble.Open(cfg.PartitionPath(partition), pebble.Options{
			Sync:         cfg.Store.Sync,
			CacheSize:    cfg.Store.CacheSize,
			MaxOpenFiles: cfg.Store.MaxOpenFiles,
			Logger:       log.Logger.With().Int("partition", partition).Logger(),
		})
	case config.BackendLevelDB:
		return leveldb.Open(cfg.PartitionPath(partition), leveldb.Options{
			Sync:      cfg.Store.Sync,
			CacheSize: int(cfg.Store.CacheSize),
		})
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// SlotRegistry builds the state registry declared by cfg.
func SlotRegistry(cfg *config.Config) (*state.Registry, error) {
	slots := make([]state.SlotConfig, 0, len(cfg.Slots))
	for _, slot := range cfg.Slots {
		slots = append(slots, state.SlotConfig{Name: slot.Name, TTL: slot.TTL.Duration})
	}
	return state.NewRegistry(slots...)
}

// Partition pairs a store with the task that owns it.
type Partition struct {
	ID    int
	Store kv.Store
	Task  *state.Task

	label string
	mu    sync.Mutex
}

// Label returns the partition number as used in metrics.
func (p *Partition) Label() string { return p.label }

// StateOption configures OpenState.
type StateOption func(*stateSettings)

type stateSettings struct {
	clock  state.Clock
	logger zerolog.Logger
	opener StoreOpener
}

// WithStateClock sets the clock shared by every partition task.
func WithStateClock(clock state.Clock) StateOption {
	return func(s *stateSettings) {
		s.clock = clock
	}
}

// WithStateLogger sets the logger of every partition task.
func WithStateLogger(logger zerolog.Logger) StateOption {
	return func(s *stateSettings) {
		s.logger = logger
	}
}

// WithStoreOpener replaces DefaultStoreOpener.
func WithStoreOpener(opener StoreOpener) StateOption {
	return func(s *stateSettings) {
		if opener != nil {
			s.opener = opener
		}
	}
}

// StateSet is the partitioned state of one processor configuration.
type StateSet struct {
	instance   string
	registry   *state.Registry
	partitions []*Partition
}

// OpenState opens every partition store of cfg in parallel and binds a task
// to each. With checkpoint.restore_on_start the newest checkpoint of every
// partition is restored before the set is returned.
func OpenState(ctx context.Context, cfg *config.Config, opts ...StateOption) (*StateSet, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	settings := stateSettings{logger: zerolog.Nop(), opener: DefaultStoreOpener}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	registry, err := SlotRegistry(cfg)
	if err != nil {
		return nil, err
	}
	count := partitionCount(cfg)
	set := &StateSet{
		instance:   uuid.NewString(),
		registry:   registry,
		partitions: make([]*Partition, count),
	}
	logger := settings.logger.With().Str("instance", set.instance).Logger()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			store, err := settings.opener(cfg, i)
			if err != nil {
				return fmt.Errorf("open partition %d: %w", i, err)
			}
			part := &Partition{ID: i, Store: store, label: fmt.Sprintf("%d", i)}
			set.partitions[i] = part
			task, err := state.NewTask(store, registry, settings.clock,
				state.WithLogger(logger),
				state.WithTaskID(fmt.Sprintf("p-%d", i)),
				state.WithLayout(i, count),
				state.WithCheckpointInterval(cfg.Checkpoint.Interval),
				state.WithCheckpointRetention(cfg.Checkpoint.Retain),
			)
			if err != nil {
				return fmt.Errorf("open partition %d: %w", i, err)
			}
			part.Task = task
			if cfg.Checkpoint.RestoreOnStart {
				version, ok, err := task.RestoreLatest(gctx)
				if err != nil {
					return fmt.Errorf("restore partition %d: %w", i, err)
				}
				if ok {
					logger.Info().Int("partition", i).Uint64("version", version).Msg("resumed from checkpoint")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		set.Close()
		return nil, err
	}
	logger.Debug().Int("partitions", count).Str("backend", cfg.Store.Backend).Msg("state opened")
	return set, nil
}

func partitionCount(cfg *config.Config) int {
	if cfg.Batch.Partitions <= 0 {
		return 1
	}
	return cfg.Batch.Partitions
}

// Watermark returns the highest event-time watermark committed by any
// partition.
func (s *StateSet) Watermark() (time.Time, bool) {
	var (
		mark  time.Time
		found bool
	)
	for _, part := range s.partitions {
		if t, ok := part.Task.Watermark(); ok && (!found || t.After(mark)) {
			mark, found = t, true
		}
	}
	return mark, found
}

// Instance returns the unique id of this set.
func (s *StateSet) Instance() string { return s.instance }

// Registry returns the slot registry shared by all partitions.
func (s *StateSet) Registry() *state.Registry { return s.registry }

// Partitions returns the partitions in id order.
func (s *StateSet) Partitions() []*Partition { return s.partitions }

// Route returns the partition that owns key.
func (s *StateSet) Route(key []byte) int {
	if len(s.partitions) <= 1 {
		return 0
	}
	return int(murmur3.Sum32(key) % uint32(len(s.partitions)))
}

// Close closes every open store.
func (s *StateSet) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, part := range s.partitions {
		if part == nil || part.Store == nil {
			continue
		}
		part.mu.Lock()
		if err := part.Store.Close(); err != nil && !errors.Is(err, kv.ErrClosed) {
			errs = append(errs, fmt.Errorf("close partition %d: %w", part.ID, err))
		}
		part.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Inspect reads the committed state of key in slot.
func (s *StateSet) Inspect(slot, key string) (Inspection, error) {
	part := s.partitions[s.Route([]byte(key))]
	part.mu.Lock()
	defer part.mu.Unlock()

	view := part.Task.View()
	defer view.Abort()
	vs, err := view.Slot(slot)
	if err != nil {
		return Inspection{}, err
	}
	k := []byte(key)
	out := Inspection{
		Slot:      slot,
		Key:       key,
		Partition: part.ID,
		Version:   view.Version(),
		Now:       view.Now(),
		HasTTL:    vs.HasTTL(),
	}
	value, ok, err := vs.Get(k)
	if err != nil {
		return Inspection{}, err
	}
	if ok {
		out.Found = true
		out.Value = string(value)
	}
	raw, ok, err := vs.GetIgnoringTTL(k)
	if err != nil {
		return Inspection{}, err
	}
	if ok {
		out.Stored = true
		out.RawValue = string(raw)
	}
	exp, ok, err := vs.GetExpiration(k)
	if err != nil {
		return Inspection{}, err
	}
	if ok {
		out.Expiration = &exp
	}
	entries, err := vs.ListAllExpirations(k)
	if err != nil {
		return Inspection{}, err
	}
	out.IndexEntries = entries
	if out.IndexEntries == nil {
		out.IndexEntries = []time.Time{}
	}
	return out, nil
}

// Scan visits every stored value of slot across all partitions, expired but
// not yet evicted ones included.
func (s *StateSet) Scan(slot string, fn func(partition int, entry state.Entry) error) error {
	for _, part := range s.partitions {
		err := func() error {
			part.mu.Lock()
			defer part.mu.Unlock()
			view := part.Task.View()
			defer view.Abort()
			vs, err := view.Slot(slot)
			if err != nil {
				return err
			}
			return vs.ForEach(func(entry state.Entry) error {
				return fn(part.ID, entry)
			})
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// retainedStore keeps an in-memory store open across configuration reloads.
type retainedStore struct {
	kv.Store
}

func (retainedStore) Close() error { return nil }
