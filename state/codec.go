package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var errCorruptValue = errors.New("state: corrupt stored value")

const (
	fieldValue      protowire.Number = 1
	fieldExpiration protowire.Number = 2
	fieldVersion    protowire.Number = 1
	fieldWatermark  protowire.Number = 1

	fieldLayoutPartition  protowire.Number = 1
	fieldLayoutPartitions protowire.Number = 2
)

// storedValue is the on-disk form of a value entry. The expiration that is
// currently indexed lives next to the value so an overwrite knows which index
// entry to retract.
type storedValue struct {
	value      []byte
	expiration int64
	hasTTL     bool
}

func encodeStoredValue(v storedValue) []byte {
	buf := make([]byte, 0, len(v.value)+16)
	buf = protowire.AppendTag(buf, fieldValue, protowire.BytesType)
	buf = protowire.AppendBytes(buf, v.value)
	if v.hasTTL {
		buf = protowire.AppendTag(buf, fieldExpiration, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v.expiration))
	}
	return buf
}

func decodeStoredValue(b []byte) (storedValue, error) {
	var v storedValue
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return storedValue{}, fmt.Errorf("%w: %v", errCorruptValue, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldValue && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return storedValue{}, fmt.Errorf("%w: %v", errCorruptValue, protowire.ParseError(m))
			}
			v.value = append([]byte{}, raw...)
			n = m
		case num == fieldExpiration && typ == protowire.VarintType:
			raw, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return storedValue{}, fmt.Errorf("%w: %v", errCorruptValue, protowire.ParseError(m))
			}
			v.expiration = protowire.DecodeZigZag(raw)
			v.hasTTL = true
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return storedValue{}, fmt.Errorf("%w: %v", errCorruptValue, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if v.value == nil {
		v.value = []byte{}
	}
	return v, nil
}

func encodeVersion(version uint64) []byte {
	buf := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	return protowire.AppendVarint(buf, version)
}

func decodeVersion(b []byte) (uint64, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != fieldVersion || typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: version marker", errCorruptValue)
	}
	v, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return 0, fmt.Errorf("%w: version marker: %v", errCorruptValue, protowire.ParseError(m))
	}
	return v, nil
}

func encodeWatermark(ms int64) []byte {
	buf := protowire.AppendTag(nil, fieldWatermark, protowire.VarintType)
	return protowire.AppendVarint(buf, protowire.EncodeZigZag(ms))
}

func decodeWatermark(b []byte) (int64, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != fieldWatermark || typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: watermark marker", errCorruptValue)
	}
	v, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return 0, fmt.Errorf("%w: watermark marker: %v", errCorruptValue, protowire.ParseError(m))
	}
	return protowire.DecodeZigZag(v), nil
}

func encodeLayout(l Layout) []byte {
	buf := protowire.AppendTag(nil, fieldLayoutPartition, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(l.Partition))
	buf = protowire.AppendTag(buf, fieldLayoutPartitions, protowire.VarintType)
	return protowire.AppendVarint(buf, uint64(l.Partitions))
}

func decodeLayout(b []byte) (Layout, error) {
	var l Layout
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Layout{}, fmt.Errorf("%w: layout marker: %v", errCorruptValue, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Layout{}, fmt.Errorf("%w: layout marker: %v", errCorruptValue, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return Layout{}, fmt.Errorf("%w: layout marker: %v", errCorruptValue, protowire.ParseError(m))
		}
		switch num {
		case fieldLayoutPartition:
			l.Partition = int(v)
		case fieldLayoutPartitions:
			l.Partitions = int(v)
		}
		b = b[m:]
	}
	if l.Partitions <= 0 {
		return Layout{}, fmt.Errorf("%w: layout marker without partition count", errCorruptValue)
	}
	return l, nil
}

// Index keys start with the expiration as a sign-flipped big-endian int64 so
// that byte order matches numeric order, followed by the grouping key.
const expirationPrefixLen = 8

func encodeExpiration(ms int64) []byte {
	var buf [expirationPrefixLen]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ms)^(1<<63))
	return buf[:]
}

func encodeIndexKey(ms int64, key []byte) []byte {
	out := make([]byte, 0, expirationPrefixLen+len(key))
	out = append(out, encodeExpiration(ms)...)
	return append(out, key...)
}

func decodeIndexKey(b []byte) (int64, []byte, error) {
	if len(b) < expirationPrefixLen {
		return 0, nil, fmt.Errorf("%w: index key too short", errCorruptValue)
	}
	ms := int64(binary.BigEndian.Uint64(b[:expirationPrefixLen]) ^ (1 << 63))
	return ms, append([]byte{}, b[expirationPrefixLen:]...), nil
}

// upperBoundFor returns the exclusive index bound covering every expiration
// at or before cutoff.
func upperBoundFor(cutoff int64) []byte {
	if cutoff == math.MaxInt64 {
		return nil
	}
	return encodeExpiration(cutoff + 1)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
