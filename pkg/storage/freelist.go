// ABOUTME: Free page list stored as an unrolled linked list of pages
// ABOUTME: Pages freed by a transaction only become reusable after it commits

package storage

import "encoding/binary"

const (
	freeHeader = 8
	freeCap    = (pageSize - freeHeader) / 8
)

// freeNode layout: | next u64 | ptrs freeCap*u64 |
type freeNode []byte

func (n freeNode) next() uint64 { return binary.LittleEndian.Uint64(n[0:8]) }
func (n freeNode) setNext(next uint64) { binary.LittleEndian.PutUint64(n[0:8], next) }
func (n freeNode) ptr(i int) uint64 { return binary.LittleEndian.Uint64(n[freeHeader+i*8:]) }
func (n freeNode) setPtr(i int, p uint64) { binary.LittleEndian.PutUint64(n[freeHeader+i*8:], p) }

// pageStore is the subset of KV the free list needs.
type pageStore interface {
	read(ptr uint64) []byte
	appendPage(page []byte) uint64
	write(ptr uint64, page []byte)
}

type freeList struct {
	pages pageStore

	headPage uint64
	headSeq  uint64
	tailPage uint64
	tailSeq  uint64

	// items at or after maxSeq were freed by the open transaction
	maxSeq uint64
}

func (fl *freeList) total() int {
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	return int(fl.tailSeq - fl.headSeq)
}

// freeze marks everything currently listed as reusable by the next transaction.
func (fl *freeList) freeze() { fl.maxSeq = fl.tailSeq }

// pop returns a reusable page, or 0.
func (fl *freeList) pop() uint64 {
	if fl.headSeq >= fl.maxSeq || fl.headSeq >= fl.tailSeq || fl.headPage == 0 {
		return 0
	}
	node := freeNode(fl.pages.read(fl.headPage))
	ptr := node.ptr(int(fl.headSeq % freeCap))
	fl.headSeq++
	if fl.headSeq%freeCap == 0 {
		if next := node.next(); next != 0 {
			// the drained list page is itself free now
			fl.push(fl.headPage)
			fl.headPage = next
		}
	}
	return ptr
}

// push appends ptr at the tail.
func (fl *freeList) push(ptr uint64) {
	if fl.tailPage == 0 {
		fl.tailPage = fl.pages.appendPage(make([]byte, pageSize))
		fl.headPage = fl.tailPage
	}
	i := int(fl.tailSeq % freeCap)
	if i == 0 && fl.tailSeq > 0 {
		tail := fl.pages.appendPage(make([]byte, pageSize))
		old := freeNode(clonePage(fl.pages.read(fl.tailPage)))
		old.setNext(tail)
		fl.pages.write(fl.tailPage, old)
		fl.tailPage = tail
	}
	node := freeNode(clonePage(fl.pages.read(fl.tailPage)))
	node.setPtr(i, ptr)
	fl.pages.write(fl.tailPage, node)
	fl.tailSeq++
}

func (fl *freeList) encode(out []byte) {
	binary.LittleEndian.PutUint64(out[0:], fl.headPage)
	binary.LittleEndian.PutUint64(out[8:], fl.headSeq)
	binary.LittleEndian.PutUint64(out[16:], fl.tailPage)
	binary.LittleEndian.PutUint64(out[24:], fl.tailSeq)
}

func (fl *freeList) decode(data []byte) {
	fl.headPage = binary.LittleEndian.Uint64(data[0:])
	fl.headSeq = binary.LittleEndian.Uint64(data[8:])
	fl.tailPage = binary.LittleEndian.Uint64(data[16:])
	fl.tailSeq = binary.LittleEndian.Uint64(data[24:])
	fl.maxSeq = fl.tailSeq
}

func clonePage(p []byte) []byte {
	out := make([]byte, pageSize)
	copy(out, p)
	return out
}
