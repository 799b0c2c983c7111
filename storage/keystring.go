package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// KeyString encodes a tuple of index field values into a byte string whose
// lexicographic (bytes.Compare) order matches the tuple's logical sort order,
// so B+Tree entry keys can be compared with a plain byte comparison instead
// of decoding values back out first. Each field is preceded by a one-byte
// type tag so values of different BSON types still compare consistently
// within a bracket, and every encoded field for a descending key spec has its
// bytes bit-complemented so ascending byte order becomes descending value
// order.
//
// A literal 0x00 byte produced by a field's own encoding (e.g. inside a raw
// string) is escaped as 0x00 0xFF so it can never be confused with the 0x00
// field separator written after each field of a compound key. A descending
// field's separator is complemented together with its bytes (to 0xFF), so a
// value that is a prefix of a longer one still sorts after it.
type KeyString []byte

const (
	tagMinKey  byte = 0x00
	tagNull    byte = 0x10
	tagNumber  byte = 0x20
	tagString  byte = 0x30
	tagBinary  byte = 0x40
	tagBool    byte = 0x50
	tagDate    byte = 0x60
	tagObjectID byte = 0x70
	tagArray   byte = 0x80
	tagDoc     byte = 0x90
	tagMaxKey  byte = 0xFF

	fieldSeparator byte = 0x00
	escapedZero    byte = 0x00
	escapeMarker   byte = 0xFF
)

// Direction is the sort direction of one field of a compound key spec.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// KeySpecField names one field of a compound index key and its direction.
type KeySpecField struct {
	Name string
	Dir  Direction
}

// EncodeKeyString builds the order-preserving byte key for a tuple of values
// taken from a document according to keySpec, one value per field in order.
func EncodeKeyString(values []interface{}, keySpec []KeySpecField) (KeyString, error) {
	if len(values) != len(keySpec) {
		return nil, fmt.Errorf("keystring: value count %d does not match key spec length %d", len(values), len(keySpec))
	}

	var out []byte
	for i, v := range values {
		encoded, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("keystring: field %q: %w", keySpec[i].Name, err)
		}
		encoded = escapeZeros(encoded)
		encoded = append(encoded, fieldSeparator)
		if keySpec[i].Dir == Descending {
			encoded = complement(encoded)
		}
		out = append(out, encoded...)
	}
	return out, nil
}

// escapeZeros rewrites every literal 0x00 byte in data as 0x00 0xFF, so the
// lone trailing 0x00 written by EncodeKeyString after each ascending field
// remains the only unescaped separator byte in that field's encoding.
func escapeZeros(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		out = append(out, b)
		if b == escapedZero {
			out = append(out, escapeMarker)
		}
	}
	return out
}

func complement(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = ^b
	}
	return out
}

func encodeValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte{tagNull}, nil
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return []byte{tagBool, b}, nil
	case int32:
		return encodeNumber(float64(val)), nil
	case int64:
		return encodeNumber(float64(val)), nil
	case int:
		return encodeNumber(float64(val)), nil
	case float64:
		return encodeNumber(val), nil
	case string:
		buf := make([]byte, 0, len(val)+1)
		buf = append(buf, tagString)
		buf = append(buf, []byte(val)...)
		return buf, nil
	case []byte:
		buf := make([]byte, 0, len(val)+1)
		buf = append(buf, tagBinary)
		buf = append(buf, val...)
		return buf, nil
	case time.Time:
		buf := make([]byte, 9)
		buf[0] = tagDate
		binary.BigEndian.PutUint64(buf[1:], uint64(val.UnixNano()))
		return buf, nil
	case primitive.ObjectID:
		buf := make([]byte, 0, 13)
		buf = append(buf, tagObjectID)
		buf = append(buf, val[:]...)
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported key value type %T", v)
	}
}

// encodeNumber produces a byte encoding that sorts like the IEEE-754 value it
// represents: flip the sign bit for non-negative numbers, and invert all bits
// for negative numbers, the standard trick for making float64 bit patterns
// order-comparable as unsigned integers.
func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 9)
	buf[0] = tagNumber
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

// MinKeyString and MaxKeyString bound every possible encoded key, for
// full-range scans.
func MinKeyString() KeyString { return KeyString{tagMinKey} }
func MaxKeyString() KeyString { return KeyString{tagMaxKey} }
