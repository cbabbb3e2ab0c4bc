package processor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is one keyed input element.
type Record struct {
	Key       []byte
	Value     []byte
	EventTime time.Time
}

// Source supplies input records to the batch loop. Poll must not block for
// longer than it takes to hand out already available records and returns at
// most max records. It returns io.EOF once the source is exhausted and every
// record has been handed out.
type Source interface {
	Poll(ctx context.Context, max int) ([]Record, error)
}

// SliceSource hands out a fixed set of records.
type SliceSource struct {
	mu      sync.Mutex
	records []Record
}

// NewSliceSource returns a source over records.
func NewSliceSource(records ...Record) *SliceSource {
	return &SliceSource{records: append([]Record(nil), records...)}
}

// Poll implements Source.
func (s *SliceSource) Poll(_ context.Context, max int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, io.EOF
	}
	if max <= 0 || max > len(s.records) {
		max = len(s.records)
	}
	out := s.records[:max:max]
	s.records = s.records[max:]
	return out, nil
}

// ChannelSource drains records from a channel without blocking. Closing the
// channel exhausts the source.
type ChannelSource struct {
	ch <-chan Record
}

// NewChannelSource returns a source reading from ch.
func NewChannelSource(ch <-chan Record) *ChannelSource {
	return &ChannelSource{ch: ch}
}

// Poll implements Source.
func (s *ChannelSource) Poll(ctx context.Context, max int) ([]Record, error) {
	var out []Record
	for max <= 0 || len(out) < max {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case rec, ok := <-s.ch:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, io.EOF
			}
			out = append(out, rec)
		default:
			return out, nil
		}
	}
	return out, nil
}

// LineSource reads tab separated records from a reader in the background.
// Each line is "key<TAB>value" optionally followed by "<TAB>event time",
// given as Unix milliseconds or RFC 3339. Malformed lines are logged and
// skipped.
type LineSource struct {
	reader io.Reader
	logger zerolog.Logger
	buffer int

	once sync.Once
	ch   chan Record
	errs chan error
	err  error
}

// NewLineSource returns a source parsing lines from r.
func NewLineSource(r io.Reader, logger zerolog.Logger) *LineSource {
	return &LineSource{reader: r, logger: logger.With().Str("component", "source").Logger(), buffer: 1024}
}

func (s *LineSource) start() {
	s.ch = make(chan Record, s.buffer)
	s.errs = make(chan error, 1)
	go func() {
		defer close(s.ch)
		scanner := bufio.NewScanner(s.reader)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
				continue
			}
			rec, err := ParseLine(text)
			if err != nil {
				s.logger.Warn().Err(err).Int("line", line).Msg("skipping malformed record")
				continue
			}
			s.ch <- rec
		}
		if err := scanner.Err(); err != nil {
			s.errs <- err
		}
	}()
}

// Poll implements Source.
func (s *LineSource) Poll(ctx context.Context, max int) ([]Record, error) {
	s.once.Do(s.start)
	if s.err != nil {
		return nil, s.err
	}
	out, err := NewChannelSource(s.ch).Poll(ctx, max)
	if errors.Is(err, io.EOF) {
		select {
		case readErr := <-s.errs:
			s.err = fmt.Errorf("read records: %w", readErr)
			return nil, s.err
		default:
		}
	}
	return out, err
}

// ParseLine decodes one tab separated record.
func ParseLine(line string) (Record, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 || len(fields) > 3 {
		return Record{}, fmt.Errorf("expected 2 or 3 tab separated fields, got %d", len(fields))
	}
	if fields[0] == "" {
		return Record{}, errors.New("empty key")
	}
	rec := Record{Key: []byte(fields[0]), Value: []byte(fields[1])}
	if len(fields) == 3 {
		ts, err := parseEventTime(strings.TrimSpace(fields[2]))
		if err != nil {
			return Record{}, err
		}
		rec.EventTime = ts
	}
	return rec, nil
}

func parseEventTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event time %q: %w", raw, err)
	}
	return ts, nil
}
