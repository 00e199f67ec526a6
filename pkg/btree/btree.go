// ABOUTME: Copy-on-write B+tree over pages supplied by a Pager
// ABOUTME: Get, Insert and Delete never modify a page in place

package btree

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrEmptyKey      = errors.New("btree: empty key")
	ErrKeyTooLarge   = errors.New("btree: key too large")
	ErrValueTooLarge = errors.New("btree: value too large")
)

// Pager owns page storage. Pages returned by Page must not be mutated.
type Pager interface {
	Page(ptr uint64) []byte
	Alloc(page []byte) uint64
	Free(ptr uint64)
}

// Tree is a B+tree rooted at a page pointer. The zero root is an empty tree.
type Tree struct {
	root  uint64
	pager Pager
}

// New returns a tree reading and writing pages through p.
func New(p Pager, root uint64) *Tree {
	return &Tree{root: root, pager: p}
}

// Root returns the current root page pointer.
func (t *Tree) Root() uint64 { return t.root }

// SetRoot repoints the tree, e.g. after a rollback.
func (t *Tree) SetRoot(root uint64) { t.root = root }

func (t *Tree) node(ptr uint64) Node { return Node(t.pager.Page(ptr)) }

// CheckLimits reports whether key and val can be stored.
func CheckLimits(key, val []byte) error {
	switch {
	case len(key) == 0:
		return ErrEmptyKey
	case len(key) > MaxKeySize:
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	case len(val) > MaxValueSize:
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(val))
	}
	return nil
}

// Get returns the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool) {
	if t.root == 0 {
		return nil, false
	}
	n := t.node(t.root)
	for {
		i := lookupLE(n, key)
		switch n.kind() {
		case nodeLeaf:
			if bytes.Equal(key, n.key(i)) {
				return n.val(i), true
			}
			return nil, false
		case nodeInternal:
			n = t.node(n.ptr(i))
		default:
			panic("btree: bad node kind")
		}
	}
}

// Insert adds or replaces key.
func (t *Tree) Insert(key, val []byte) error {
	if err := CheckLimits(key, val); err != nil {
		return err
	}
	if t.root == 0 {
		root := Node(make([]byte, PageSize))
		root.setHeader(nodeLeaf, 2)
		// the empty sentinel key makes lookupLE total
		appendKV(root, 0, 0, nil, nil)
		appendKV(root, 1, 0, key, val)
		t.root = t.pager.Alloc(root)
		return nil
	}

	updated := t.insert(t.node(t.root), key, val)
	parts := split3(updated)
	t.pager.Free(t.root)
	if len(parts) == 1 {
		t.root = t.pager.Alloc(parts[0])
		return nil
	}
	root := Node(make([]byte, PageSize))
	root.setHeader(nodeInternal, uint16(len(parts)))
	for i, part := range parts {
		appendKV(root, uint16(i), t.pager.Alloc(part), part.key(0), nil)
	}
	t.root = t.pager.Alloc(root)
	return nil
}

// insert returns a copy of n with key set; the copy may exceed one page.
func (t *Tree) insert(n Node, key, val []byte) Node {
	out := Node(make([]byte, 2*PageSize))
	i := lookupLE(n, key)
	switch n.kind() {
	case nodeLeaf:
		if bytes.Equal(key, n.key(i)) {
			out.setHeader(nodeLeaf, n.count())
			appendRange(out, n, 0, 0, i)
			appendKV(out, i, 0, key, val)
			appendRange(out, n, i+1, i+1, n.count()-(i+1))
		} else {
			out.setHeader(nodeLeaf, n.count()+1)
			appendRange(out, n, 0, 0, i+1)
			appendKV(out, i+1, 0, key, val)
			appendRange(out, n, i+2, i+1, n.count()-(i+1))
		}
	case nodeInternal:
		child := n.ptr(i)
		parts := split3(t.insert(t.node(child), key, val))
		t.pager.Free(child)
		t.replaceChild(out, n, i, parts...)
	default:
		panic("btree: bad node kind")
	}
	return out
}

// replaceChild copies old into out with child i swapped for kids.
func (t *Tree) replaceChild(out, old Node, i uint16, kids ...Node) {
	inc := uint16(len(kids))
	out.setHeader(nodeInternal, old.count()+inc-1)
	appendRange(out, old, 0, 0, i)
	for j, kid := range kids {
		appendKV(out, i+uint16(j), t.pager.Alloc(kid), kid.key(0), nil)
	}
	appendRange(out, old, i+inc, i+1, old.count()-(i+1))
}

// split3 cuts an oversized node into at most three pages.
func split3(n Node) []Node {
	if n.size() <= PageSize {
		return []Node{n[:PageSize]}
	}
	left := Node(make([]byte, 2*PageSize))
	right := Node(make([]byte, PageSize))
	split2(left, right, n)
	if left.size() <= PageSize {
		return []Node{left[:PageSize], right}
	}
	ll := Node(make([]byte, PageSize))
	mid := Node(make([]byte, PageSize))
	split2(ll, mid, left)
	return []Node{ll, mid, right}
}

// split2 divides old so that right always fits a page; left may not.
func split2(left, right, old Node) {
	count := old.count()
	leftBytes := func(n uint16) uint16 { return nodeHeader + 10*n + old.offset(n) }
	rightBytes := func(n uint16) uint16 { return old.size() - leftBytes(n) + nodeHeader }

	nleft := count / 2
	for nleft > 1 && leftBytes(nleft) > PageSize {
		nleft--
	}
	for nleft < count-1 && rightBytes(nleft) > PageSize {
		nleft++
	}
	left.setHeader(old.kind(), nleft)
	appendRange(left, old, 0, 0, nleft)
	right.setHeader(old.kind(), count-nleft)
	appendRange(right, old, 0, nleft, count-nleft)
}

// Delete removes key and reports whether it was present.
func (t *Tree) Delete(key []byte) bool {
	if t.root == 0 || len(key) == 0 {
		return false
	}
	updated := t.delete(t.node(t.root), key)
	if updated == nil {
		return false
	}
	t.pager.Free(t.root)
	switch {
	case updated.kind() == nodeInternal && updated.count() == 1:
		// drop a level
		t.root = updated.ptr(0)
	case updated.kind() == nodeInternal && updated.count() == 0:
		t.root = 0
	default:
		t.root = t.pager.Alloc(updated)
	}
	return true
}

func (t *Tree) delete(n Node, key []byte) Node {
	i := lookupLE(n, key)
	switch n.kind() {
	case nodeLeaf:
		if !bytes.Equal(key, n.key(i)) {
			return nil
		}
		out := Node(make([]byte, PageSize))
		out.setHeader(nodeLeaf, n.count()-1)
		appendRange(out, n, 0, 0, i)
		appendRange(out, n, i, i+1, n.count()-(i+1))
		return out
	case nodeInternal:
		return t.deleteFromChild(n, i, key)
	default:
		panic("btree: bad node kind")
	}
}

func (t *Tree) deleteFromChild(n Node, i uint16, key []byte) Node {
	child := n.ptr(i)
	updated := t.delete(t.node(child), key)
	if updated == nil {
		return nil
	}
	t.pager.Free(child)

	out := Node(make([]byte, PageSize))
	dir, sibling := t.mergeTarget(n, i, updated)
	switch {
	case dir < 0:
		merged := Node(make([]byte, PageSize))
		merge(merged, sibling, updated)
		t.pager.Free(n.ptr(i - 1))
		replace2(out, n, i-1, t.pager.Alloc(merged), merged.key(0))
	case dir > 0:
		merged := Node(make([]byte, PageSize))
		merge(merged, updated, sibling)
		t.pager.Free(n.ptr(i + 1))
		replace2(out, n, i, t.pager.Alloc(merged), merged.key(0))
	case updated.count() == 0:
		out.setHeader(nodeInternal, 0)
	default:
		t.replaceChild(out, n, i, updated)
	}
	return out
}

// mergeTarget picks a sibling to merge a shrunken child into.
func (t *Tree) mergeTarget(n Node, i uint16, updated Node) (int, Node) {
	if updated.size() > PageSize/4 {
		return 0, nil
	}
	if i > 0 {
		sibling := t.node(n.ptr(i - 1))
		if sibling.size()+updated.size()-nodeHeader <= PageSize {
			return -1, sibling
		}
	}
	if i+1 < n.count() {
		sibling := t.node(n.ptr(i + 1))
		if sibling.size()+updated.size()-nodeHeader <= PageSize {
			return 1, sibling
		}
	}
	return 0, nil
}

func merge(out, left, right Node) {
	out.setHeader(left.kind(), left.count()+right.count())
	appendRange(out, left, 0, 0, left.count())
	appendRange(out, right, left.count(), 0, right.count())
}

// replace2 swaps children i and i+1 for a single pointer.
func replace2(out, old Node, i uint16, p uint64, key []byte) {
	out.setHeader(nodeInternal, old.count()-1)
	appendRange(out, old, 0, 0, i)
	appendKV(out, i, p, key, nil)
	appendRange(out, old, i+1, i+2, old.count()-(i+2))
}
