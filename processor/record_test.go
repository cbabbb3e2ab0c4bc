package processor

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	r, err := ParseLine("user-1\tclick")
	require.NoError(t, err)
	require.Equal(t, "user-1", string(r.Key))
	require.Equal(t, "click", string(r.Value))
	require.True(t, r.EventTime.IsZero())

	r, err = ParseLine("user-1\tclick\t1500")
	require.NoError(t, err)
	require.Equal(t, time.UnixMilli(1500), r.EventTime)

	r, err = ParseLine("user-1\t\t2024-05-01T10:00:00Z")
	require.NoError(t, err)
	require.Empty(t, r.Value)
	require.True(t, r.EventTime.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	for _, bad := range []string{"only-key", "\tvalue", "k\tv\tyesterday", "a\tb\tc\td"} {
		if _, err := ParseLine(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLineSourceSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		"# comment",
		"a\t1",
		"broken",
		"",
		"b\t2\t1000",
	}, "\n")
	source := NewLineSource(strings.NewReader(input), zerolog.New(io.Discard))

	var got []Record
	ctx := context.Background()
	require.Eventually(t, func() bool {
		records, err := source.Poll(ctx, 10)
		got = append(got, records...)
		return err == io.EOF
	}, 5*time.Second, time.Millisecond)

	require.Len(t, got, 2)
	require.Equal(t, "a", string(got[0].Key))
	require.Equal(t, "b", string(got[1].Key))
	require.Equal(t, time.UnixMilli(1000), got[1].EventTime)
}

func TestChannelSourceDrainsWithoutBlocking(t *testing.T) {
	ch := make(chan Record, 3)
	source := NewChannelSource(ch)
	ctx := context.Background()

	records, err := source.Poll(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, records)

	ch <- Record{Key: []byte("a")}
	ch <- Record{Key: []byte("b")}
	ch <- Record{Key: []byte("c")}
	records, err = source.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)

	close(ch)
	records, err = source.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	_, err = source.Poll(ctx, 2)
	require.ErrorIs(t, err, io.EOF)
}

func TestSliceSource(t *testing.T) {
	source := NewSliceSource(Record{Key: []byte("a")}, Record{Key: []byte("b")}, Record{Key: []byte("c")})
	ctx := context.Background()

	records, err := source.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	records, err = source.Poll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	_, err = source.Poll(ctx, 2)
	require.ErrorIs(t, err, io.EOF)
}
