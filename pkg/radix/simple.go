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

// Simple is a ternary-split recursive radix tree: at each node, the next
// key byte is compared against the node's byte and routed to the low,
// equal, or high child. It is not balanced and is kept only as a
// cross-validation reference against Adaptive (spec.md §4.A, §9).
//
// Deletion does not compact the tree: a node that becomes childless and
// valueless is left in place rather than spliced out of its parent. This
// mirrors a FIXME ("delete parent if this was the last entry") found in
// the original radix tree source and is preserved deliberately — see
// DESIGN.md's Open Questions section. Space is traded for simplicity;
// Adaptive does not have this property.
type Simple struct {
	root    *tstNode
	rootVal Value
	hasRoot bool
	size    int
}

type tstNode struct {
	b            byte
	low, eq, high *tstNode
	hasValue     bool
	value        Value
}

// NewSimple returns an empty Simple index.
func NewSimple() *Simple { return &Simple{} }

func (s *Simple) Insert(k []byte, v Value) bool {
	if len(k) == 0 {
		if !s.hasRoot {
			s.size++
		}
		s.hasRoot = true
		s.rootVal = v
		return true
	}
	s.root = tstInsert(s.root, k, v, s)
	return true
}

func tstInsert(n *tstNode, k []byte, v Value, s *Simple) *tstNode {
	c := k[0]
	if n == nil {
		n = &tstNode{b: c}
	}
	switch {
	case c < n.b:
		n.low = tstInsert(n.low, k, v, s)
	case c > n.b:
		n.high = tstInsert(n.high, k, v, s)
	default:
		if len(k) > 1 {
			n.eq = tstInsert(n.eq, k[1:], v, s)
		} else {
			if !n.hasValue {
				s.size++
			}
			n.hasValue = true
			n.value = v
		}
	}
	return n
}

func (s *Simple) Lookup(k []byte) (Value, bool) {
	if len(k) == 0 {
		return s.rootVal, s.hasRoot
	}
	n := s.root
	for n != nil {
		c := k[0]
		switch {
		case c < n.b:
			n = n.low
		case c > n.b:
			n = n.high
		default:
			if len(k) == 1 {
				if n.hasValue {
					return n.value, true
				}
				return Value{}, false
			}
			k = k[1:]
			n = n.eq
		}
	}
	return Value{}, false
}

// Remove deletes the entry at k, if present. Per the package doc, no
// node compaction is performed: a node that loses its last value is left
// in the tree as an inert stub rather than unlinked from its parent.
func (s *Simple) Remove(k []byte) bool {
	if len(k) == 0 {
		if s.hasRoot {
			s.hasRoot = false
			s.size--
			return true
		}
		return false
	}
	n := s.root
	for n != nil {
		c := k[0]
		switch {
		case c < n.b:
			n = n.low
		case c > n.b:
			n = n.high
		default:
			if len(k) == 1 {
				if n.hasValue {
					n.hasValue = false
					s.size--
					return true
				}
				return false
			}
			k = k[1:]
			n = n.eq
		}
	}
	return false
}

func (s *Simple) RemovePrefix(p []byte) int {
	var toDelete [][]byte
	s.Iterate(p, func(key []byte, _ Value) bool {
		toDelete = append(toDelete, append([]byte(nil), key...))
		return true
	})
	count := 0
	for _, k := range toDelete {
		if s.Remove(k) {
			count++
		}
	}
	return count
}

// findPrefixNode descends the tree following want byte-by-byte and
// returns the node whose path from the root spells out want, or nil if
// no such node exists.
func findPrefixNode(n *tstNode, want []byte) *tstNode {
	for n != nil && len(want) > 0 {
		c := want[0]
		switch {
		case c < n.b:
			n = n.low
		case c > n.b:
			n = n.high
		default:
			if len(want) == 1 {
				return n
			}
			want = want[1:]
			n = n.eq
		}
	}
	return nil
}

// walk performs a full in-order traversal of the subtree rooted at n,
// where prefix is the key bytes matched on the path to n (not including
// n.b itself).
func walk(n *tstNode, prefix []byte, visit Visitor) bool {
	if n == nil {
		return true
	}
	if !walk(n.low, prefix, visit) {
		return false
	}
	full := append(append([]byte(nil), prefix...), n.b)
	if n.hasValue {
		if !visit(full, n.value) {
			return false
		}
	}
	if !walk(n.eq, full, visit) {
		return false
	}
	return walk(n.high, prefix, visit)
}

func (s *Simple) Iterate(p []byte, visit Visitor) {
	if len(p) == 0 {
		if s.hasRoot {
			if !visit(nil, s.rootVal) {
				return
			}
		}
		walk(s.root, nil, visit)
		return
	}
	m := findPrefixNode(s.root, p)
	if m == nil {
		return
	}
	if m.hasValue {
		if !visit(append([]byte(nil), p...), m.value) {
			return
		}
	}
	walk(m.eq, p, visit)
}

func (s *Simple) Size() int { return s.size }

var _ Index = (*Simple)(nil)
