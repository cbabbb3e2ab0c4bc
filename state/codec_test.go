package state

import (
	"bytes"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestStoredValueEncoding(t *testing.T) {
	plain := encodeStoredValue(storedValue{value: []byte("abc")})
	got, err := decodeStoredValue(plain)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got.value)
	require.False(t, got.hasTTL)

	withTTL := encodeStoredValue(storedValue{value: nil, expiration: -5, hasTTL: true})
	got, err = decodeStoredValue(withTTL)
	require.NoError(t, err)
	require.Equal(t, []byte{}, got.value)
	require.True(t, got.hasTTL)
	require.Equal(t, int64(-5), got.expiration)
}

func TestStoredValueSkipsUnknownFields(t *testing.T) {
	buf := encodeStoredValue(storedValue{value: []byte("v"), expiration: 42, hasTTL: true})
	buf = protowire.AppendTag(buf, 9, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("future"))

	got, err := decodeStoredValue(buf)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.expiration)
	require.Equal(t, []byte("v"), got.value)
}

func TestStoredValueRejectsTruncatedInput(t *testing.T) {
	buf := encodeStoredValue(storedValue{value: []byte("value")})
	_, err := decodeStoredValue(buf[:len(buf)-2])
	require.ErrorIs(t, err, errCorruptValue)

	_, err = decodeVersion([]byte{0xff})
	require.ErrorIs(t, err, errCorruptValue)
}

func TestIndexKeysSortByExpirationThenKey(t *testing.T) {
	type entry struct {
		ms  int64
		key string
	}
	entries := []entry{
		{ms: 5, key: "b"},
		{ms: -3, key: "z"},
		{ms: 5, key: "a"},
		{ms: math.MaxInt64 - 1, key: "a"},
		{ms: 0, key: ""},
		{ms: math.MinInt64, key: "a"},
		{ms: 1 << 40, key: "a"},
	}
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		encoded[i] = encodeIndexKey(e.ms, []byte(e.key))
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	var got []entry
	for _, raw := range encoded {
		ms, key, err := decodeIndexKey(raw)
		require.NoError(t, err)
		got = append(got, entry{ms: ms, key: string(key)})
	}
	require.Equal(t, []entry{
		{ms: math.MinInt64, key: "a"},
		{ms: -3, key: "z"},
		{ms: 0, key: ""},
		{ms: 5, key: "a"},
		{ms: 5, key: "b"},
		{ms: 1 << 40, key: "a"},
		{ms: math.MaxInt64 - 1, key: "a"},
	}, got)

	_, _, err := decodeIndexKey([]byte{1, 2})
	require.ErrorIs(t, err, errCorruptValue)
}

func TestUpperBoundCoversCutoff(t *testing.T) {
	bound := upperBoundFor(1000)
	require.Equal(t, -1, bytes.Compare(encodeIndexKey(1000, []byte("\xff\xff")), bound))
	require.Equal(t, 0, bytes.Compare(encodeIndexKey(1001, nil), bound))
	require.Nil(t, upperBoundFor(math.MaxInt64))
}

func TestMillisecondConversion(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 999_999, time.UTC)
	require.Equal(t, ts.Truncate(time.Millisecond).UnixMilli(), toMillis(ts))
	require.True(t, fromMillis(toMillis(ts)).Equal(ts.Truncate(time.Millisecond)))
}

func TestMetaMarkerEncoding(t *testing.T) {
	for _, ms := range []int64{0, 1, -5000, 1_700_000_000_000} {
		got, err := decodeWatermark(encodeWatermark(ms))
		require.NoError(t, err)
		require.Equal(t, ms, got)
	}
	_, err := decodeWatermark(encodeVersion(3)[:1])
	require.Error(t, err)

	layout, err := decodeLayout(encodeLayout(Layout{Partition: 2, Partitions: 4}))
	require.NoError(t, err)
	require.Equal(t, Layout{Partition: 2, Partitions: 4}, layout)
	_, err = decodeLayout(nil)
	require.Error(t, err)
}
