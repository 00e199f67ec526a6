// ABOUTME: Page layout for B+tree nodes and the low-level copy helpers
// ABOUTME: Nodes are immutable once written; edits build a fresh page

package btree

import (
	"bytes"
	"encoding/binary"
)

const (
	nodeInternal = 1 // children only, values empty
	nodeLeaf     = 2
)

// Page layout:
//
//	| kind u16 | count u16 | ptrs count*u64 | offsets count*u16 | kvs ... |
//	kv = | klen u16 | vlen u16 | key | val |
const (
	nodeHeader   = 4
	PageSize     = 4096
	MaxKeySize   = 1000
	MaxValueSize = 3000
)

// Node is a single page of the tree.
type Node []byte

func (n Node) kind() uint16 {
	return binary.LittleEndian.Uint16(n[0:2])
}

func (n Node) count() uint16 {
	return binary.LittleEndian.Uint16(n[2:4])
}

func (n Node) setHeader(kind, count uint16) {
	binary.LittleEndian.PutUint16(n[0:2], kind)
	binary.LittleEndian.PutUint16(n[2:4], count)
}

func (n Node) ptr(i uint16) uint64 {
	if i >= n.count() {
		panic("btree: pointer index out of range")
	}
	return binary.LittleEndian.Uint64(n[nodeHeader+8*i:])
}

func (n Node) setPtr(i uint16, p uint64) {
	if i >= n.count() {
		panic("btree: pointer index out of range")
	}
	binary.LittleEndian.PutUint64(n[nodeHeader+8*i:], p)
}

// offsetSlot locates the u16 holding the end offset of kv i-1.
func (n Node) offsetSlot(i uint16) uint16 {
	if i < 1 || i > n.count() {
		panic("btree: offset index out of range")
	}
	return nodeHeader + 8*n.count() + 2*(i-1)
}

func (n Node) offset(i uint16) uint16 {
	if i == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[n.offsetSlot(i):])
}

func (n Node) setOffset(i uint16, off uint16) {
	binary.LittleEndian.PutUint16(n[n.offsetSlot(i):], off)
}

func (n Node) kvPos(i uint16) uint16 {
	if i > n.count() {
		panic("btree: kv index out of range")
	}
	return nodeHeader + 10*n.count() + n.offset(i)
}

func (n Node) key(i uint16) []byte {
	if i >= n.count() {
		panic("btree: key index out of range")
	}
	pos := n.kvPos(i)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+4:][:klen]
}

func (n Node) val(i uint16) []byte {
	if i >= n.count() {
		panic("btree: value index out of range")
	}
	pos := n.kvPos(i)
	klen := binary.LittleEndian.Uint16(n[pos:])
	vlen := binary.LittleEndian.Uint16(n[pos+2:])
	return n[pos+4+klen:][:vlen]
}

// size is the number of bytes in use.
func (n Node) size() uint16 {
	return n.kvPos(n.count())
}

// lookupLE returns the index of the last key <= key. Index 0 always
// qualifies: it is either the empty sentinel or a copy of the parent key.
func lookupLE(n Node, key []byte) uint16 {
	count := n.count()
	found := uint16(0)
	for i := uint16(1); i < count; i++ {
		cmp := bytes.Compare(n.key(i), key)
		if cmp <= 0 {
			found = i
		}
		if cmp >= 0 {
			break
		}
	}
	return found
}

// appendRange copies kvs [src, src+n) of old into dst..dst+n of into.
func appendRange(into, old Node, dst, src, n uint16) {
	if src+n > old.count() || dst+n > into.count() {
		panic("btree: range out of bounds")
	}
	if n == 0 {
		return
	}
	if old.kind() == nodeInternal {
		for i := uint16(0); i < n; i++ {
			into.setPtr(dst+i, old.ptr(src+i))
		}
	}

	dstBegin := into.offset(dst)
	srcBegin := old.offset(src)
	for i := uint16(1); i <= n; i++ {
		into.setOffset(dst+i, dstBegin+old.offset(src+i)-srcBegin)
	}

	begin := old.kvPos(src)
	end := old.kvPos(src + n)
	copy(into[into.kvPos(dst):], old[begin:end])
}

// appendKV writes one kv at index i and records the next offset.
func appendKV(into Node, i uint16, p uint64, key, val []byte) {
	into.setPtr(i, p)
	pos := into.kvPos(i)
	binary.LittleEndian.PutUint16(into[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(into[pos+2:], uint16(len(val)))
	copy(into[pos+4:], key)
	copy(into[pos+4+uint16(len(key)):], val)
	into.setOffset(i+1, into.offset(i)+4+uint16(len(key)+len(val)))
}

func init() {
	if nodeHeader+8+2+4+MaxKeySize+MaxValueSize > PageSize {
		panic("btree: a single max-size kv must fit in one page")
	}
}
