// Copyright 2024 The lvm2go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package radix

import "sort"

// denseThreshold is the largest child count a node holds in a sorted
// slice of (byte, child) pairs; adding one more child promotes it to a
// flat 256-entry array, trading memory for O(1) lookup on hot,
// highly-branched nodes (e.g. the first byte of the cache key, the
// device-id, which fans out to every DI in use). Up to the threshold the
// sorted slice is both smaller and, for the handful of children typical
// of a cache index, just as fast.
const denseThreshold = 16

// Adaptive is the shipped radix index implementation: a 256-ary byte
// trie whose per-node fanout representation adapts to how many children
// that node actually has, with proper compaction on delete (a node that
// becomes childless and valueless is spliced out of its parent,
// cascading upward) — unlike Simple, which leaves such nodes in place.
type Adaptive struct {
	root *artNode
	size int
}

type artNode struct {
	hasValue bool
	value    Value

	// Exactly one of sparse/dense is non-nil once the node has any
	// children; both nil means a leaf with no children.
	sparse *sparseChildren
	dense  *denseChildren
}

type sparseChildren struct {
	keys     []byte
	children []*artNode
}

type denseChildren struct {
	children [256]*artNode
	n        int
}

// NewAdaptive returns an empty Adaptive index.
func NewAdaptive() *Adaptive { return &Adaptive{root: &artNode{}} }

func (n *artNode) get(b byte) *artNode {
	if n.dense != nil {
		return n.dense.children[b]
	}
	if n.sparse == nil {
		return nil
	}
	i := sort.Search(len(n.sparse.keys), func(i int) bool { return n.sparse.keys[i] >= b })
	if i < len(n.sparse.keys) && n.sparse.keys[i] == b {
		return n.sparse.children[i]
	}
	return nil
}

// ensure returns the child for byte b, creating it (and growing this
// node's representation if needed) if absent.
func (n *artNode) ensure(b byte) *artNode {
	if n.dense != nil {
		if n.dense.children[b] == nil {
			n.dense.children[b] = &artNode{}
			n.dense.n++
		}
		return n.dense.children[b]
	}
	if n.sparse == nil {
		n.sparse = &sparseChildren{}
	}
	i := sort.Search(len(n.sparse.keys), func(i int) bool { return n.sparse.keys[i] >= b })
	if i < len(n.sparse.keys) && n.sparse.keys[i] == b {
		return n.sparse.children[i]
	}
	child := &artNode{}
	if len(n.sparse.keys)+1 > denseThreshold {
		n.promote()
		n.dense.children[b] = child
		n.dense.n++
		return child
	}
	n.sparse.keys = append(n.sparse.keys, 0)
	copy(n.sparse.keys[i+1:], n.sparse.keys[i:])
	n.sparse.keys[i] = b
	n.sparse.children = append(n.sparse.children, nil)
	copy(n.sparse.children[i+1:], n.sparse.children[i:])
	n.sparse.children[i] = child
	return child
}

func (n *artNode) promote() {
	d := &denseChildren{}
	for i, b := range n.sparse.keys {
		d.children[b] = n.sparse.children[i]
		d.n++
	}
	n.dense = d
	n.sparse = nil
}

// del removes the child keyed by b, if present. It reports nothing;
// callers use childless and hasValue to decide whether to unlink this
// node in turn.
func (n *artNode) del(b byte) {
	if n.dense != nil {
		if n.dense.children[b] != nil {
			n.dense.children[b] = nil
			n.dense.n--
		}
		return
	}
	if n.sparse == nil {
		return
	}
	i := sort.Search(len(n.sparse.keys), func(i int) bool { return n.sparse.keys[i] >= b })
	if i >= len(n.sparse.keys) || n.sparse.keys[i] != b {
		return
	}
	n.sparse.keys = append(n.sparse.keys[:i], n.sparse.keys[i+1:]...)
	n.sparse.children = append(n.sparse.children[:i], n.sparse.children[i+1:]...)
	if len(n.sparse.keys) == 0 {
		n.sparse = nil
	}
}

func (n *artNode) childless() bool {
	if n.dense != nil {
		return n.dense.n == 0
	}
	return n.sparse == nil || len(n.sparse.keys) == 0
}

// each calls visit for every (byte, child) pair in ascending byte order,
// stopping early if visit returns false.
func (n *artNode) each(visit func(b byte, c *artNode) bool) bool {
	if n.dense != nil {
		for b := 0; b < 256; b++ {
			if c := n.dense.children[b]; c != nil {
				if !visit(byte(b), c) {
					return false
				}
			}
		}
		return true
	}
	if n.sparse == nil {
		return true
	}
	for i, b := range n.sparse.keys {
		if !visit(b, n.sparse.children[i]) {
			return false
		}
	}
	return true
}

func (a *Adaptive) Insert(k []byte, v Value) bool {
	n := a.root
	for _, c := range k {
		n = n.ensure(c)
	}
	if !n.hasValue {
		a.size++
	}
	n.hasValue = true
	n.value = v
	return true
}

func (a *Adaptive) Lookup(k []byte) (Value, bool) {
	n := a.root
	for _, c := range k {
		n = n.get(c)
		if n == nil {
			return Value{}, false
		}
	}
	if n.hasValue {
		return n.value, true
	}
	return Value{}, false
}

// Remove deletes the entry at k, cascading node removal up through every
// ancestor that becomes childless and valueless as a result — the
// compaction Simple deliberately omits.
func (a *Adaptive) Remove(k []byte) bool {
	if len(k) == 0 {
		if a.root.hasValue {
			a.root.hasValue = false
			a.size--
			return true
		}
		return false
	}
	path := make([]*artNode, len(k)+1)
	path[0] = a.root
	n := a.root
	for i, c := range k {
		n = n.get(c)
		if n == nil {
			return false
		}
		path[i+1] = n
	}
	if !n.hasValue {
		return false
	}
	n.hasValue = false
	a.size--
	for i := len(k) - 1; i >= 0; i-- {
		child := path[i+1]
		if !child.hasValue && child.childless() {
			path[i].del(k[i])
		} else {
			break
		}
	}
	return true
}

func (a *Adaptive) RemovePrefix(p []byte) int {
	n := a.root
	for _, c := range p {
		n = n.get(c)
		if n == nil {
			return 0
		}
	}
	count := subtreeSize(n)
	if count == 0 {
		return 0
	}
	a.size -= count
	if len(p) == 0 {
		a.root = &artNode{}
		return count
	}
	// Re-walk to the parent of the prefix node and unlink it, then
	// cascade compaction upward exactly as Remove does.
	path := make([]*artNode, len(p))
	path[0] = a.root
	cur := a.root
	for i := 0; i < len(p)-1; i++ {
		cur = cur.get(p[i])
		path[i+1] = cur
	}
	path[len(p)-1].del(p[len(p)-1])
	for i := len(p) - 2; i >= 0; i-- {
		parent := path[i]
		child := path[i+1]
		if !child.hasValue && child.childless() {
			parent.del(p[i])
		} else {
			break
		}
	}
	return count
}

func subtreeSize(n *artNode) int {
	if n == nil {
		return 0
	}
	total := 0
	if n.hasValue {
		total++
	}
	n.each(func(_ byte, c *artNode) bool {
		total += subtreeSize(c)
		return true
	})
	return total
}

func (a *Adaptive) Iterate(p []byte, visit Visitor) {
	n := a.root
	for _, c := range p {
		n = n.get(c)
		if n == nil {
			return
		}
	}
	walkArt(n, p, visit)
}

func walkArt(n *artNode, prefix []byte, visit Visitor) bool {
	if n == nil {
		return true
	}
	if n.hasValue {
		if !visit(append([]byte(nil), prefix...), n.value) {
			return false
		}
	}
	return n.each(func(b byte, c *artNode) bool {
		return walkArt(c, append(append([]byte(nil), prefix...), b), visit)
	})
}

func (a *Adaptive) Size() int { return a.size }

var _ Index = (*Adaptive)(nil)
