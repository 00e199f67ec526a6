// ABOUTME: Positional record tuples and the nested encodings stored in them
// ABOUTME: Lists are nested tuples; free-form maps are serialized protobuf Structs

package store

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/chatstore/pkg/storage"
)

// recordFormat is written at position 0. Fields are only ever appended, so
// older records simply decode with trailing Nulls.
const recordFormat = 1

// Record is a decoded row. Field returns Null past the end.
type Record []storage.Value

// NewRecord returns a record with room for n fields after the format tag.
func NewRecord(n int) Record {
	r := make(Record, n+1)
	r[0] = storage.Int64(recordFormat)
	for i := 1; i <= n; i++ {
		r[i] = storage.Null()
	}
	return r
}

func (r Record) Field(i int) storage.Value {
	if i < len(r) {
		return r[i]
	}
	return storage.Null()
}

func (r Record) encode() []byte {
	return storage.EncodeValues(r...)
}

func decodeRecord(data []byte) (Record, error) {
	vals, err := storage.DecodeValues(data)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 || vals[0].Type != storage.TypeInt64 {
		return nil, fmt.Errorf("%w: record has no format tag", ErrCorrupt)
	}
	if vals[0].I64 > recordFormat {
		return nil, fmt.Errorf("%w: record format %d", ErrSchemaTooNew, vals[0].I64)
	}
	return Record(vals), nil
}

// stringList packs strings into one Bytes value.
func stringList(items []string) storage.Value {
	vals := make([]storage.Value, len(items))
	for i, s := range items {
		vals[i] = storage.String(s)
	}
	return storage.Bytes(storage.EncodeValues(vals...))
}

func decodeStringList(v storage.Value) ([]string, error) {
	if v.IsNull() {
		return nil, nil
	}
	vals, err := storage.DecodeValues(v.Str)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, x := range vals {
		out[i] = x.String()
	}
	return out, nil
}

// listElements returns the raw elements of a packed list field.
func listElements(v storage.Value) ([]storage.Value, error) {
	if v.IsNull() {
		return nil, nil
	}
	return storage.DecodeValues(v.Str)
}

// structValue serializes a free-form map. Empty maps are Null.
func structValue(m map[string]interface{}) (storage.Value, error) {
	if len(m) == 0 {
		return storage.Null(), nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return storage.Value{}, fmt.Errorf("encode map: %w", err)
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(s)
	if err != nil {
		return storage.Value{}, fmt.Errorf("encode map: %w", err)
	}
	return storage.Bytes(data), nil
}

func decodeStruct(v storage.Value) (map[string]interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	var s structpb.Struct
	if err := proto.Unmarshal(v.Str, &s); err != nil {
		return nil, fmt.Errorf("%w: decode map: %v", ErrCorrupt, err)
	}
	return s.AsMap(), nil
}

func optInt64(p *int64) storage.Value {
	if p == nil {
		return storage.Null()
	}
	return storage.Int64(*p)
}

func optFloat64(p *float64) storage.Value {
	if p == nil {
		return storage.Null()
	}
	return storage.Float64(*p)
}

func int64Ptr(v storage.Value) *int64 {
	if v.Type != storage.TypeInt64 {
		return nil
	}
	i := v.I64
	return &i
}

func float64Ptr(v storage.Value) *float64 {
	if v.Type != storage.TypeFloat64 {
		return nil
	}
	f := v.F64
	return &f
}
