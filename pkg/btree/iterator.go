// ABOUTME: Bidirectional cursor over the leaves of a Tree
// ABOUTME: Range scans are half-open [start, end) in either direction

package btree

import "bytes"

// Iter walks the tree keeping the root-to-leaf path.
type Iter struct {
	tree *Tree
	path []Node
	pos  []uint16
}

// NewIter returns an unpositioned iterator.
func (t *Tree) NewIter() *Iter {
	return &Iter{
		tree: t,
		path: make([]Node, 0, 8),
		pos:  make([]uint16, 0, 8),
	}
}

func (it *Iter) reset() {
	it.path = it.path[:0]
	it.pos = it.pos[:0]
}

// SeekLE positions at the last key <= key, which may be the sentinel.
func (it *Iter) SeekLE(key []byte) bool {
	it.reset()
	if it.tree.root == 0 {
		return false
	}
	n := it.tree.node(it.tree.root)
	for {
		i := lookupLE(n, key)
		it.path = append(it.path, n)
		it.pos = append(it.pos, i)
		if n.kind() == nodeLeaf {
			return true
		}
		n = it.tree.node(n.ptr(i))
	}
}

// SeekLast positions at the greatest key.
func (it *Iter) SeekLast() bool {
	it.reset()
	if it.tree.root == 0 {
		return false
	}
	n := it.tree.node(it.tree.root)
	it.path = append(it.path, n)
	it.pos = append(it.pos, n.count()-1)
	if n.kind() == nodeLeaf {
		return true
	}
	return it.descend(false)
}

// Valid reports whether the iterator points at a kv.
func (it *Iter) Valid() bool {
	if len(it.path) == 0 {
		return false
	}
	leaf := it.path[len(it.path)-1]
	return it.pos[len(it.pos)-1] < leaf.count()
}

// Key returns the current key. The slice aliases the page.
func (it *Iter) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.path[len(it.path)-1].key(it.pos[len(it.pos)-1])
}

// Val returns the current value. The slice aliases the page.
func (it *Iter) Val() []byte {
	if !it.Valid() {
		return nil
	}
	return it.path[len(it.path)-1].val(it.pos[len(it.pos)-1])
}

// Next moves to the following key.
func (it *Iter) Next() bool {
	if len(it.path) == 0 {
		return false
	}
	level := len(it.pos) - 1
	it.pos[level]++
	if it.pos[level] < it.path[level].count() {
		return true
	}
	for level > 0 {
		it.path = it.path[:level]
		it.pos = it.pos[:level]
		level--
		it.pos[level]++
		if it.pos[level] < it.path[level].count() {
			return it.descend(true)
		}
	}
	it.reset()
	return false
}

// Prev moves to the preceding key.
func (it *Iter) Prev() bool {
	if len(it.path) == 0 {
		return false
	}
	level := len(it.pos) - 1
	if it.pos[level] > 0 {
		it.pos[level]--
		return true
	}
	for level > 0 {
		it.path = it.path[:level]
		it.pos = it.pos[:level]
		level--
		if it.pos[level] > 0 {
			it.pos[level]--
			return it.descend(false)
		}
	}
	it.reset()
	return false
}

// descend follows the current child down to a leaf, entering each page at
// its first kv when leftmost is set and at its last kv otherwise.
func (it *Iter) descend(leftmost bool) bool {
	for {
		level := len(it.path) - 1
		parent := it.path[level]
		if parent.kind() == nodeLeaf {
			return true
		}
		child := it.tree.node(parent.ptr(it.pos[level]))
		i := uint16(0)
		if !leftmost {
			i = child.count() - 1
		}
		it.path = append(it.path, child)
		it.pos = append(it.pos, i)
	}
}

// Scan visits keys in [start, end). A nil end is unbounded. Keys and values
// passed to fn alias pages and are only valid during the call.
func (t *Tree) Scan(start, end []byte, reverse bool, fn func(key, val []byte) bool) {
	if reverse {
		t.scanReverse(start, end, fn)
		return
	}
	it := t.NewIter()
	if !it.SeekLE(start) {
		return
	}
	if len(it.Key()) == 0 || bytes.Compare(it.Key(), start) < 0 {
		if !it.Next() {
			return
		}
	}
	for it.Valid() {
		k := it.Key()
		if end != nil && bytes.Compare(k, end) >= 0 {
			return
		}
		if !fn(k, it.Val()) || !it.Next() {
			return
		}
	}
}

func (t *Tree) scanReverse(start, end []byte, fn func(key, val []byte) bool) {
	it := t.NewIter()
	var ok bool
	if end == nil {
		ok = it.SeekLast()
	} else {
		ok = it.SeekLE(end)
		if ok && bytes.Compare(it.Key(), end) >= 0 {
			ok = it.Prev()
		}
	}
	for ok && it.Valid() {
		k := it.Key()
		if len(k) == 0 || bytes.Compare(k, start) < 0 {
			return
		}
		if !fn(k, it.Val()) {
			return
		}
		ok = it.Prev()
	}
}
