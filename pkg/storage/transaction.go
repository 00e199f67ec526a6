// ABOUTME: Read and read-write transactions over KV
// ABOUTME: Update commits atomically or rolls back every change it made

package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nainya/chatstore/pkg/btree"
)

var (
	ErrTxReadOnly = errors.New("storage: transaction is read-only")
	ErrTxDone     = errors.New("storage: transaction already finished")
)

// Values larger than inlineMax are split into chunks under overflowPrefix.
const (
	inlineMax      = 2048
	overflowPrefix = 0xFFFFFF00

	valInline  = 0x00
	valChunked = 0x01

	// chunk keys embed the escaped key plus a uint64 suffix
	maxChunkedKey = (btree.MaxKeySize - 16) / 2
)

// Tx is a transaction. Read-only transactions may be used from several
// goroutines at once; writable ones may not.
type Tx struct {
	db       *KV
	writable bool
	done     bool
	meta     []byte
}

// Begin starts a transaction, taking the write lock when writable.
// The caller must Commit or Rollback.
func (db *KV) Begin(writable bool) (*Tx, error) {
	if writable {
		db.mu.Lock()
	} else {
		db.mu.RLock()
	}
	if db.closed {
		db.unlock(writable)
		return nil, ErrClosed
	}
	tx := &Tx{db: db, writable: writable}
	if writable {
		tx.meta = db.encodeMeta()
	}
	return tx, nil
}

func (db *KV) unlock(writable bool) {
	if writable {
		db.mu.Unlock()
	} else {
		db.mu.RUnlock()
	}
}

// View runs fn in a read-only transaction.
func (db *KV) View(fn func(tx *Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn in a writable transaction and commits when fn returns nil.
// A returned error or a panic discards every change made by fn.
func (db *KV) Update(fn func(tx *Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Commit persists a writable transaction.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrTxReadOnly
	}
	tx.done = true
	defer tx.db.unlock(true)
	return tx.db.commit(tx.meta)
}

// Rollback discards the transaction. It is a no-op after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.writable {
		tx.db.discard(tx.meta)
	}
	tx.db.unlock(tx.writable)
}

// Writable reports whether the transaction can modify data.
func (tx *Tx) Writable() bool { return tx.writable }

// Get returns a copy of the value stored under key.
func (tx *Tx) Get(key []byte) ([]byte, bool, error) {
	if tx.done {
		return nil, false, ErrTxDone
	}
	raw, ok := tx.db.tree.Get(key)
	if !ok {
		return nil, false, nil
	}
	val, err := tx.materialize(key, raw)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores val under key, chunking large values.
func (tx *Tx) Set(key, val []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if KeyPrefix(key) >= overflowPrefix {
		return fmt.Errorf("storage: key prefix %#x is reserved", KeyPrefix(key))
	}
	if err := tx.dropChunks(key); err != nil {
		return err
	}
	if len(val) <= inlineMax {
		return tx.db.tree.Insert(key, append([]byte{valInline}, val...))
	}

	if len(key) > maxChunkedKey {
		return fmt.Errorf("%w: %d bytes for a chunked value", btree.ErrKeyTooLarge, len(key))
	}
	n := (len(val) + inlineMax - 1) / inlineMax
	for i := 0; i < n; i++ {
		end := min((i+1)*inlineMax, len(val))
		if err := tx.db.tree.Insert(chunkKey(key, i), val[i*inlineMax:end]); err != nil {
			return fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	head := make([]byte, 9)
	head[0] = valChunked
	binary.BigEndian.PutUint32(head[1:], uint32(len(val)))
	binary.BigEndian.PutUint32(head[5:], uint32(n))
	return tx.db.tree.Insert(key, head)
}

// Del removes key and reports whether it existed.
func (tx *Tx) Del(key []byte) (bool, error) {
	if err := tx.checkWrite(); err != nil {
		return false, err
	}
	if err := tx.dropChunks(key); err != nil {
		return false, err
	}
	return tx.db.tree.Delete(key), nil
}

// Scan visits keys in [start, end) in key order, or reversed. A nil end
// stops before the reserved keyspace. fn returns false to stop early.
// Keys passed to fn are only valid during the call.
func (tx *Tx) Scan(start, end []byte, reverse bool, fn func(key, val []byte) (bool, error)) error {
	if tx.done {
		return ErrTxDone
	}
	if end == nil {
		end = overflowStart()
	}
	var ferr error
	tx.db.tree.Scan(start, end, reverse, func(k, raw []byte) bool {
		val, err := tx.materialize(k, raw)
		if err != nil {
			ferr = err
			return false
		}
		more, err := fn(k, val)
		if err != nil {
			ferr = err
			return false
		}
		return more
	})
	return ferr
}

// ScanPrefix visits every key starting with prefix.
func (tx *Tx) ScanPrefix(prefix []byte, reverse bool, fn func(key, val []byte) (bool, error)) error {
	return tx.Scan(prefix, PrefixEnd(prefix), reverse, fn)
}

func (tx *Tx) checkWrite() error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrTxReadOnly
	}
	return nil
}

func (tx *Tx) materialize(key, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty stored value", ErrBadEncoding)
	}
	switch raw[0] {
	case valInline:
		return bytes.Clone(raw[1:]), nil
	case valChunked:
		if len(raw) != 9 {
			return nil, fmt.Errorf("%w: bad chunk header", ErrBadEncoding)
		}
		size := binary.BigEndian.Uint32(raw[1:])
		n := int(binary.BigEndian.Uint32(raw[5:]))
		out := make([]byte, 0, size)
		for i := 0; i < n; i++ {
			chunk, ok := tx.db.tree.Get(chunkKey(key, i))
			if !ok {
				return nil, fmt.Errorf("%w: missing chunk %d", ErrBadEncoding, i)
			}
			out = append(out, chunk...)
		}
		if uint32(len(out)) != size {
			return nil, fmt.Errorf("%w: chunked value is %d bytes, want %d", ErrBadEncoding, len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown value marker %#x", ErrBadEncoding, raw[0])
	}
}

func (tx *Tx) dropChunks(key []byte) error {
	raw, ok := tx.db.tree.Get(key)
	if !ok || len(raw) == 0 || raw[0] != valChunked {
		return nil
	}
	if len(raw) != 9 {
		return fmt.Errorf("%w: bad chunk header", ErrBadEncoding)
	}
	n := int(binary.BigEndian.Uint32(raw[5:]))
	for i := 0; i < n; i++ {
		tx.db.tree.Delete(chunkKey(key, i))
	}
	return nil
}

func chunkKey(key []byte, i int) []byte {
	return EncodeKey(overflowPrefix, Bytes(key), Uint64(uint64(i)))
}

func overflowStart() []byte {
	return EncodeKey(overflowPrefix)
}
