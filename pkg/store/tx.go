// ABOUTME: Collection rows and secondary index maintenance inside one KV transaction
// ABOUTME: Index scans support equality on leading fields and an inclusive range on the next

package store

import (
	"bytes"
	"fmt"

	"github.com/nainya/chatstore/pkg/storage"
)

// Byte values longer than this are truncated in index keys. Equality
// matches on longer values are re-checked against the row.
const maxIndexedBytes = 256

// Query selects rows by index. An empty Index walks the primary key, where
// Lower and Upper bound the id.
type Query struct {
	Index string
	// Equal fixes the leading index fields.
	Equal []storage.Value
	// Lower and Upper bound the field after Equal, both inclusive.
	Lower   *storage.Value
	Upper   *storage.Value
	Reverse bool
	// Limit caps the number of rows visited; 0 means no limit.
	Limit int
}

// On returns a query over index name with the given leading values.
func On(index string, equal ...storage.Value) Query {
	return Query{Index: index, Equal: equal}
}

// Desc returns q in reverse index order.
func (q Query) Desc() Query {
	q.Reverse = true
	return q
}

// Take returns q capped at n rows.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Between returns q bounded on the next index field. Either bound may be nil.
func (q Query) Between(lower, upper *storage.Value) Query {
	q.Lower, q.Upper = lower, upper
	return q
}

// Tx is a store transaction. Obtain one through Store.View or Store.Update.
type Tx struct {
	kv     *storage.Tx
	schema *Schema
	writes int
}

func (tx *Tx) collection(name string) (*CollectionDef, error) {
	c, ok := tx.schema.collection(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return c, nil
}

func rowKey(c *CollectionDef, id int64) []byte {
	return storage.EncodeKey(c.Prefix, storage.Int64(id))
}

func sequenceKey(c *CollectionDef) []byte {
	return storage.EncodeKey(prefixSequence, storage.String(c.Name))
}

// keyID returns the row id stored as the last column of a key.
func keyID(key []byte) (int64, error) {
	vals, err := storage.KeyValues(key)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 || vals[len(vals)-1].Type != storage.TypeInt64 {
		return 0, fmt.Errorf("%w: key without row id", ErrCorrupt)
	}
	return vals[len(vals)-1].I64, nil
}

// Get returns the row with id.
func (tx *Tx) Get(coll string, id int64) (Record, bool, error) {
	c, err := tx.collection(coll)
	if err != nil {
		return nil, false, err
	}
	return tx.get(c, id)
}

func (tx *Tx) get(c *CollectionDef, id int64) (Record, bool, error) {
	val, ok, err := tx.kv.Get(rowKey(c, id))
	if err != nil || !ok {
		return nil, false, err
	}
	rec, err := decodeRecord(val)
	if err != nil {
		return nil, false, fmt.Errorf("%s %d: %w", c.Name, id, err)
	}
	return rec, true, nil
}

// Insert stores rec under the next id of the collection.
func (tx *Tx) Insert(coll string, rec Record) (int64, error) {
	c, err := tx.collection(coll)
	if err != nil {
		return 0, err
	}
	last, err := tx.sequence(c)
	if err != nil {
		return 0, err
	}
	id := last + 1
	if err := tx.put(c, id, rec); err != nil {
		return 0, err
	}
	return id, tx.setSequence(c, id)
}

// Put creates or replaces the row with id. The id sequence moves past id.
func (tx *Tx) Put(coll string, id int64, rec Record) error {
	c, err := tx.collection(coll)
	if err != nil {
		return err
	}
	if id <= 0 {
		return fmt.Errorf("store: %s id must be positive, got %d", coll, id)
	}
	if err := tx.put(c, id, rec); err != nil {
		return err
	}
	last, err := tx.sequence(c)
	if err != nil {
		return err
	}
	if id > last {
		return tx.setSequence(c, id)
	}
	return nil
}

func (tx *Tx) put(c *CollectionDef, id int64, rec Record) error {
	key := rowKey(c, id)
	old, found, err := tx.get(c, id)
	if err != nil {
		return err
	}
	var oldKeys map[string]bool
	if found {
		if oldKeys, err = indexKeys(c.Indexes, id, old); err != nil {
			return err
		}
	}
	newKeys, err := indexKeys(c.Indexes, id, rec)
	if err != nil {
		return err
	}
	for k := range oldKeys {
		if !newKeys[k] {
			if _, err := tx.kv.Del([]byte(k)); err != nil {
				return err
			}
		}
	}
	for k := range newKeys {
		if !oldKeys[k] {
			if err := tx.kv.Set([]byte(k), nil); err != nil {
				return fmt.Errorf("%s %d: index: %w", c.Name, id, err)
			}
		}
	}
	if err := tx.kv.Set(key, rec.encode()); err != nil {
		return fmt.Errorf("%s %d: %w", c.Name, id, err)
	}
	tx.writes++
	return nil
}

// Delete removes the row with id and its index entries.
func (tx *Tx) Delete(coll string, id int64) (bool, error) {
	c, err := tx.collection(coll)
	if err != nil {
		return false, err
	}
	old, found, err := tx.get(c, id)
	if err != nil || !found {
		return false, err
	}
	keys, err := indexKeys(c.Indexes, id, old)
	if err != nil {
		return false, err
	}
	for k := range keys {
		if _, err := tx.kv.Del([]byte(k)); err != nil {
			return false, err
		}
	}
	if _, err := tx.kv.Del(rowKey(c, id)); err != nil {
		return false, err
	}
	tx.writes++
	return true, nil
}

// Scan visits the rows matched by q in index order. fn returns false to stop
// and must not write to the transaction; collect ids first instead.
func (tx *Tx) Scan(coll string, q Query, fn func(id int64, rec Record) (bool, error)) error {
	c, err := tx.collection(coll)
	if err != nil {
		return err
	}
	idx, err := checkQuery(c, q)
	if err != nil {
		return err
	}
	recheck := idx != nil && needsRecheck(q.Equal)
	n := 0
	return tx.scanIDs(c, idx, q, func(id int64) (bool, error) {
		rec, ok, err := tx.get(c, id)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("%w: %s index %q points at missing row %d", ErrCorrupt, c.Name, q.Index, id)
		}
		if recheck && !matchesEqual(idx, rec, q.Equal) {
			return true, nil
		}
		more, err := fn(id, rec)
		if err != nil || !more {
			return false, err
		}
		n++
		return q.Limit <= 0 || n < q.Limit, nil
	})
}

// IDs returns the ids matched by q in index order.
func (tx *Tx) IDs(coll string, q Query) ([]int64, error) {
	c, err := tx.collection(coll)
	if err != nil {
		return nil, err
	}
	idx, err := checkQuery(c, q)
	if err != nil {
		return nil, err
	}
	var ids []int64
	if idx != nil && needsRecheck(q.Equal) {
		err = tx.Scan(coll, q, func(id int64, _ Record) (bool, error) {
			ids = append(ids, id)
			return true, nil
		})
		return ids, err
	}
	err = tx.scanIDs(c, idx, q, func(id int64) (bool, error) {
		ids = append(ids, id)
		return q.Limit <= 0 || len(ids) < q.Limit, nil
	})
	return ids, err
}

// Count returns the number of rows matched by q.
func (tx *Tx) Count(coll string, q Query) (int, error) {
	ids, err := tx.IDs(coll, q)
	return len(ids), err
}

func checkQuery(c *CollectionDef, q Query) (*IndexDef, error) {
	if q.Index == "" {
		if len(q.Equal) > 0 {
			return nil, fmt.Errorf("store: %s: equality needs an index", c.Name)
		}
		return nil, nil
	}
	idx, ok := c.index(q.Index)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, c.Name, q.Index)
	}
	ranged := q.Lower != nil || q.Upper != nil
	if len(q.Equal) > len(idx.Fields) || (ranged && len(q.Equal) == len(idx.Fields)) {
		return nil, fmt.Errorf("store: %s.%s has %d fields", c.Name, idx.Name, len(idx.Fields))
	}
	return idx, nil
}

// scanIDs walks the primary key (idx == nil) or an index, yielding each
// row id once.
func (tx *Tx) scanIDs(c *CollectionDef, idx *IndexDef, q Query, fn func(id int64) (bool, error)) error {
	var prefix []byte
	if idx == nil {
		prefix = storage.EncodeKey(c.Prefix)
	} else {
		prefix = storage.EncodeKey(idx.Prefix, indexValues(q.Equal)...)
	}
	start, end := prefix, storage.PrefixEnd(prefix)
	if q.Lower != nil {
		start = extendKey(prefix, *q.Lower)
	}
	if q.Upper != nil {
		end = storage.PrefixEnd(extendKey(prefix, *q.Upper))
	}

	var seen map[int64]bool
	if idx != nil && idx.Multi {
		seen = map[int64]bool{}
	}
	return tx.kv.Scan(start, end, q.Reverse, func(key, _ []byte) (bool, error) {
		id, err := keyID(key)
		if err != nil {
			return false, err
		}
		if seen != nil {
			if seen[id] {
				return true, nil
			}
			seen[id] = true
		}
		return fn(id)
	})
}

func extendKey(prefix []byte, v storage.Value) []byte {
	return storage.AppendValues(bytes.Clone(prefix), indexValue(v))
}

func indexValue(v storage.Value) storage.Value {
	if v.Type == storage.TypeBytes && len(v.Str) > maxIndexedBytes {
		return storage.Bytes(v.Str[:maxIndexedBytes])
	}
	return v
}

func indexValues(vals []storage.Value) []storage.Value {
	out := make([]storage.Value, len(vals))
	for i, v := range vals {
		out[i] = indexValue(v)
	}
	return out
}

func needsRecheck(equal []storage.Value) bool {
	for _, v := range equal {
		if v.Type == storage.TypeBytes && len(v.Str) > maxIndexedBytes {
			return true
		}
	}
	return false
}

func matchesEqual(idx *IndexDef, rec Record, equal []storage.Value) bool {
	for i, want := range equal {
		field := rec.Field(idx.Fields[i])
		if idx.Multi {
			elems, err := listElements(field)
			if err != nil || !containsValue(elems, want) {
				return false
			}
			continue
		}
		if !sameValue(field, want) {
			return false
		}
	}
	return true
}

func containsValue(vals []storage.Value, want storage.Value) bool {
	for _, v := range vals {
		if sameValue(v, want) {
			return true
		}
	}
	return false
}

func sameValue(a, b storage.Value) bool {
	return bytes.Equal(storage.EncodeValues(a), storage.EncodeValues(b))
}

// indexKeys returns the index entries rec contributes to idxs.
func indexKeys(idxs []IndexDef, id int64, rec Record) (map[string]bool, error) {
	keys := map[string]bool{}
	for i := range idxs {
		idx := &idxs[i]
		if idx.Multi {
			elems, err := listElements(rec.Field(idx.Fields[0]))
			if err != nil {
				return nil, fmt.Errorf("%w: index %s: %v", ErrCorrupt, idx.Name, err)
			}
			for _, e := range elems {
				keys[string(storage.EncodeKey(idx.Prefix, indexValue(e), storage.Int64(id)))] = true
			}
			continue
		}
		vals := make([]storage.Value, 0, len(idx.Fields)+1)
		for _, f := range idx.Fields {
			vals = append(vals, indexValue(rec.Field(f)))
		}
		vals = append(vals, storage.Int64(id))
		keys[string(storage.EncodeKey(idx.Prefix, vals...))] = true
	}
	return keys, nil
}

func (tx *Tx) sequence(c *CollectionDef) (int64, error) {
	val, ok, err := tx.kv.Get(sequenceKey(c))
	if err != nil || !ok {
		return 0, err
	}
	vals, err := storage.DecodeValues(val)
	if err != nil || len(vals) != 1 || vals[0].Type != storage.TypeInt64 {
		return 0, fmt.Errorf("%w: %s sequence", ErrCorrupt, c.Name)
	}
	return vals[0].I64, nil
}

func (tx *Tx) setSequence(c *CollectionDef, id int64) error {
	return tx.kv.Set(sequenceKey(c), storage.EncodeValues(storage.Int64(id)))
}

// LastID returns the highest id ever assigned in coll.
func (tx *Tx) LastID(coll string) (int64, error) {
	c, err := tx.collection(coll)
	if err != nil {
		return 0, err
	}
	return tx.sequence(c)
}
