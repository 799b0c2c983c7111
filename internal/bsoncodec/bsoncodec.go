// Package bsoncodec is a thin wrapper over go.mongodb.org/mongo-driver/bson
// giving the Catalog and Index Manager a single place to encode, decode and
// order-compare the typed values the engine stores, instead of spreading
// bson.Marshal/Unmarshal calls across every package that touches a key.
package bsoncodec

import (
	"bytes"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Encode marshals any Go value (bson.M, a struct with bson tags, a BPlusTree
// entry value) to BSON bytes.
func Encode(v interface{}) ([]byte, error) {
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bsoncodec: encode failed: %w", err)
	}
	return data, nil
}

// Decode unmarshals BSON bytes into v (a pointer).
func Decode(data []byte, v interface{}) error {
	if err := bson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bsoncodec: decode failed: %w", err)
	}
	return nil
}

// DecodeMap unmarshals BSON bytes into a generic bson.M.
func DecodeMap(data []byte) (bson.M, error) {
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bsoncodec: decode failed: %w", err)
	}
	return m, nil
}

// Compare orders two BSON-encodable scalar values the way MongoDB's BSON
// type-bracket comparison does for the subset of types this engine stores as
// index keys: numbers by value, strings lexicographically, bools
// false < true, and otherwise (binary included) by the byte order of each
// value's encoding as a one-field document, as a last resort.
func Compare(a, b interface{}) int {
	switch av := a.(type) {
	case int32:
		return compareFloat(float64(av), toFloat(b))
	case int64:
		return compareFloat(float64(av), toFloat(b))
	case float64:
		return compareFloat(av, toFloat(b))
	case string:
		if bv, ok := b.(string); ok {
			return bytes.Compare([]byte(av), []byte(bv))
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0
			}
			if !av {
				return -1
			}
			return 1
		}
	}

	ea, errA := Encode(bson.M{"v": a})
	eb, errB := Encode(bson.M{"v": b})
	if errA == nil && errB == nil {
		return bytes.Compare(ea, eb)
	}
	return 0
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func compareFloat(a, b float64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
