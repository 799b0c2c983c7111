package storage

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document represents a BSON document in the database. It is a plain map so
// existing field-access call sites (`doc["field"]`) keep working, but it now
// serializes through go.mongodb.org/mongo-driver/bson instead of
// encoding/json, which gives the engine the full typed value set (int32,
// int64, double, binary, date, ObjectID, nested document/array) MongoDB wire
// clients expect instead of JSON's narrower number/string/bool/null set.
type Document map[string]interface{}

// DocumentID is a unique identifier for a document, stored under "_id".
type DocumentID string

// Serialize converts a document to BSON bytes. The append buffer is drawn
// from a pool since this runs on every insert/update of every document.
func (d Document) Serialize() ([]byte, error) {
	buf := GetDocBuf()
	defer PutDocBuf(buf)

	data, err := bson.MarshalAppend(*buf, bson.M(d))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// DeserializeDocument creates a document from BSON bytes.
func DeserializeDocument(data []byte) (Document, error) {
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return Document(m), nil
}

// Deserialize converts BSON bytes to a document.
func Deserialize(data []byte) (Document, error) {
	return DeserializeDocument(data)
}

// GetID returns the document's "_id" value, stringified, if present. Both
// primitive.ObjectID and plain string ids are accepted, since callers are
// allowed to supply their own "_id".
func (d Document) GetID() (DocumentID, bool) {
	id, exists := d["_id"]
	if !exists {
		return "", false
	}

	switch v := id.(type) {
	case primitive.ObjectID:
		return DocumentID(v.Hex()), true
	case string:
		return DocumentID(v), true
	default:
		return DocumentID(fmt.Sprintf("%v", v)), true
	}
}

// SetID sets the document's "_id" field.
func (d Document) SetID(id DocumentID) {
	d["_id"] = string(id)
}

// EnsureID assigns a fresh primitive.ObjectID to "_id" if the document does
// not already carry one, mirroring the wire protocol's default id
// assignment for inserts that omit "_id". An existing "_id" of another type
// is kept, and primitive.NilObjectID is returned for it.
func (d Document) EnsureID() primitive.ObjectID {
	if existing, ok := d["_id"]; ok {
		if oid, ok := existing.(primitive.ObjectID); ok {
			return oid
		}
		return primitive.NilObjectID
	}
	oid := primitive.NewObjectID()
	d["_id"] = oid
	return oid
}

// Clone creates a deep copy of the document.
func (d Document) Clone() Document {
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = deepCopyValue(v)
	}
	return clone
}

// deepCopyValue creates a deep copy of a value.
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return val.Clone()
	case bson.M:
		return Document(val).Clone()
	case map[string]interface{}:
		return Document(val).Clone()
	case bson.A:
		cp := make(bson.A, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		// Primitives (string, number, bool, ObjectID, time.Time, binary) are
		// immutable or copied by value.
		return val
	}
}

// ApplyPatch merges patch into the document in place. Keys containing "."
// address nested documents (e.g. "address.city"), creating intermediate
// Documents as needed; a nil value deletes the addressed field.
func (d Document) ApplyPatch(patch map[string]interface{}) error {
	for path, value := range patch {
		if err := d.setPath(strings.Split(path, "."), value); err != nil {
			return fmt.Errorf("failed to apply patch for %q: %w", path, err)
		}
	}
	return nil
}

func (d Document) setPath(parts []string, value interface{}) error {
	if len(parts) == 0 {
		return fmt.Errorf("empty patch path")
	}
	if len(parts) == 1 {
		if value == nil {
			delete(d, parts[0])
			return nil
		}
		d[parts[0]] = value
		return nil
	}

	head, rest := parts[0], parts[1:]
	child, ok := d[head].(Document)
	if !ok {
		if m, ok := d[head].(map[string]interface{}); ok {
			child = Document(m)
		} else if m, ok := d[head].(bson.M); ok {
			child = Document(m)
		} else {
			child = Document{}
		}
		d[head] = child
	}
	return child.setPath(rest, value)
}

// Size returns the approximate size of the document in bytes when encoded
// as BSON, used to enforce the engine's maximum document size limit.
func (d Document) Size() int {
	data, err := bson.Marshal(bson.M(d))
	if err != nil {
		return 0
	}
	return len(data)
}
