// ABOUTME: Single-file KV store: mmap'd pages, copy-on-write B+tree, two-phase fsync
// ABOUTME: One writer at a time; readers share the last committed tree

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/nainya/chatstore/pkg/btree"
)

const (
	signature   = "ChatStore01\x00\x00\x00\x00\x00"
	pageSize    = btree.PageSize
	metaSize    = 16 + 8 + 8 + 32
	initialMmap = 64 << 20
)

var (
	ErrClosed       = errors.New("storage: database closed")
	ErrBadSignature = errors.New("storage: not a chatstore file")
)

// KV is a persistent ordered key-value store in a single file.
type KV struct {
	Path string
	// NoSync skips fsync; commits stay atomic in-process but not across crashes.
	NoSync bool

	mu     sync.RWMutex
	fd     int
	tree   *btree.Tree
	free   freeList
	closed bool
	failed bool

	mmap struct {
		total  int
		chunks [][]byte
	}
	page struct {
		flushed uint64
		temp    [][]byte
		updates map[uint64][]byte
		// pages taken from the free list by the open transaction
		fresh map[uint64]bool
		// pages both allocated and freed by the open transaction
		recycled []uint64
	}
}

// Stats describes the file layout.
type Stats struct {
	Pages     uint64
	FreePages int
	FileBytes int64
}

// Open opens or creates the file at db.Path.
func (db *KV) Open() error {
	fd, err := createFileSync(db.Path)
	if err != nil {
		return err
	}
	db.fd = fd
	db.resetPending()
	db.free.pages = db
	db.tree = btree.New((*treePager)(db), 0)

	var stat syscall.Stat_t
	if err := syscall.Fstat(db.fd, &stat); err != nil {
		_ = syscall.Close(fd)
		return fmt.Errorf("fstat: %w", err)
	}
	if stat.Size == 0 {
		// page 0 is reserved for the meta block
		db.page.flushed = 1
		return nil
	}

	size := max(int(stat.Size), initialMmap)
	chunk, err := syscall.Mmap(db.fd, 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return fmt.Errorf("mmap: %w", err)
	}
	db.mmap.total = size
	db.mmap.chunks = append(db.mmap.chunks, chunk)

	if err := db.readMeta(); err != nil {
		_ = db.unmapAndClose()
		return err
	}
	return nil
}

// Close releases the mapping and the file.
func (db *KV) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.unmapAndClose()
}

func (db *KV) unmapAndClose() error {
	for _, chunk := range db.mmap.chunks {
		if err := syscall.Munmap(chunk); err != nil {
			return err
		}
	}
	db.mmap.chunks = nil
	return syscall.Close(db.fd)
}

// Stats reports page counts for the committed state.
func (db *KV) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return Stats{
		Pages:     db.page.flushed,
		FreePages: db.free.total(),
		FileBytes: int64(db.page.flushed) * pageSize,
	}
}

// treePager adapts KV to btree.Pager without exporting the page methods.
type treePager KV

func (p *treePager) Page(ptr uint64) []byte   { return (*KV)(p).read(ptr) }
func (p *treePager) Alloc(page []byte) uint64 { return (*KV)(p).alloc(page) }
func (p *treePager) Free(ptr uint64)          { (*KV)(p).release(ptr) }

func (db *KV) read(ptr uint64) []byte {
	if page, ok := db.page.updates[ptr]; ok {
		return page
	}
	if ptr >= db.page.flushed {
		if i := ptr - db.page.flushed; i < uint64(len(db.page.temp)) {
			return db.page.temp[i]
		}
	}
	start := uint64(0)
	for _, chunk := range db.mmap.chunks {
		end := start + uint64(len(chunk))/pageSize
		if ptr < end {
			off := pageSize * (ptr - start)
			return chunk[off : off+pageSize]
		}
		start = end
	}
	panic(fmt.Sprintf("storage: bad page pointer %d (flushed %d, temp %d)", ptr, db.page.flushed, len(db.page.temp)))
}

// alloc prefers pages recycled within the transaction, then the free list.
func (db *KV) alloc(page []byte) uint64 {
	if len(page) != pageSize {
		panic("storage: page size mismatch")
	}
	if n := len(db.page.recycled); n > 0 {
		ptr := db.page.recycled[n-1]
		db.page.recycled = db.page.recycled[:n-1]
		db.write(ptr, page)
		return ptr
	}
	if ptr := db.free.pop(); ptr != 0 {
		db.page.updates[ptr] = page
		db.page.fresh[ptr] = true
		return ptr
	}
	return db.appendPage(page)
}

func (db *KV) appendPage(page []byte) uint64 {
	if len(page) != pageSize {
		panic("storage: page size mismatch")
	}
	ptr := db.page.flushed + uint64(len(db.page.temp))
	db.page.temp = append(db.page.temp, page)
	return ptr
}

func (db *KV) write(ptr uint64, page []byte) {
	if ptr >= db.page.flushed {
		// still pending; replace the slot so writePages sees one version
		db.page.temp[ptr-db.page.flushed] = page
		return
	}
	db.page.updates[ptr] = page
}

// release frees a page. Committed pages wait on the free list until the
// transaction commits; pages the transaction created are reusable at once.
func (db *KV) release(ptr uint64) {
	if ptr >= db.page.flushed || db.page.fresh[ptr] {
		db.page.recycled = append(db.page.recycled, ptr)
		return
	}
	db.free.push(ptr)
}

func (db *KV) resetPending() {
	db.page.temp = db.page.temp[:0]
	db.page.updates = map[uint64][]byte{}
	db.page.fresh = map[uint64]bool{}
	db.page.recycled = db.page.recycled[:0]
}

func (db *KV) encodeMeta() []byte {
	data := make([]byte, metaSize)
	copy(data[:16], signature)
	binary.LittleEndian.PutUint64(data[16:], db.tree.Root())
	binary.LittleEndian.PutUint64(data[24:], db.page.flushed)
	db.free.encode(data[32:])
	return data
}

func (db *KV) loadMeta(data []byte) {
	db.tree.SetRoot(binary.LittleEndian.Uint64(data[16:]))
	db.page.flushed = binary.LittleEndian.Uint64(data[24:])
	db.free.decode(data[32:])
}

func (db *KV) readMeta() error {
	data := db.mmap.chunks[0][:metaSize]
	if string(data[:16]) != signature {
		return fmt.Errorf("%w: %s", ErrBadSignature, db.Path)
	}
	db.loadMeta(data)
	return nil
}

// discard drops uncommitted pages and restores meta.
func (db *KV) discard(meta []byte) {
	db.loadMeta(meta)
	db.resetPending()
}

// commit makes the open transaction durable or reverts to meta.
func (db *KV) commit(meta []byte) error {
	if db.failed {
		// the previous meta write may be torn on disk
		if err := db.writeMeta(meta); err != nil {
			db.discard(meta)
			return err
		}
		if err := db.sync(); err != nil {
			db.discard(meta)
			return err
		}
		db.failed = false
	}
	// leftovers are unreferenced once this commit lands
	for _, ptr := range db.page.recycled {
		db.free.push(ptr)
	}
	db.page.recycled = db.page.recycled[:0]
	if err := db.updateFile(); err != nil {
		db.discard(meta)
		db.failed = true
		return err
	}
	db.free.freeze()
	db.resetPending()
	return nil
}

func (db *KV) updateFile() error {
	if err := db.writePages(); err != nil {
		return err
	}
	if err := db.sync(); err != nil {
		return err
	}
	if err := db.writeMeta(db.encodeMeta()); err != nil {
		return err
	}
	return db.sync()
}

func (db *KV) sync() error {
	if db.NoSync {
		return nil
	}
	if err := syscall.Fsync(db.fd); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

func (db *KV) writePages() error {
	for ptr, page := range db.page.updates {
		if _, err := syscall.Pwrite(db.fd, page, int64(ptr*pageSize)); err != nil {
			return fmt.Errorf("write page %d: %w", ptr, err)
		}
	}
	db.page.updates = map[uint64][]byte{}
	if len(db.page.temp) == 0 {
		return nil
	}

	size := int(db.page.flushed+uint64(len(db.page.temp))) * pageSize
	if err := db.extendMmap(size); err != nil {
		return err
	}
	off := int64(db.page.flushed * pageSize)
	for _, page := range db.page.temp {
		if _, err := syscall.Pwrite(db.fd, page, off); err != nil {
			return fmt.Errorf("append page: %w", err)
		}
		off += pageSize
	}
	db.page.flushed += uint64(len(db.page.temp))
	db.page.temp = db.page.temp[:0]
	return nil
}

func (db *KV) writeMeta(data []byte) error {
	if _, err := syscall.Pwrite(db.fd, data, 0); err != nil {
		return fmt.Errorf("write meta page: %w", err)
	}
	return nil
}

// extendMmap grows the mapping by doubling; old chunks stay mapped.
func (db *KV) extendMmap(size int) error {
	if size <= db.mmap.total {
		return nil
	}
	alloc := max(db.mmap.total, initialMmap)
	for db.mmap.total+alloc < size {
		alloc *= 2
	}
	chunk, err := syscall.Mmap(db.fd, int64(db.mmap.total), alloc, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	db.mmap.total += alloc
	db.mmap.chunks = append(db.mmap.chunks, chunk)
	return nil
}

// createFileSync opens the file and fsyncs its directory so a new file survives a crash.
func createFileSync(file string) (int, error) {
	fd, err := syscall.Open(file, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open file: %w", err)
	}
	dirfd, err := syscall.Open(filepath.Dir(file), os.O_RDONLY, 0)
	if err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("open directory: %w", err)
	}
	defer syscall.Close(dirfd)
	if err := syscall.Fsync(dirfd); err != nil {
		_ = syscall.Close(fd)
		return -1, fmt.Errorf("fsync directory: %w", err)
	}
	return fd, nil
}
