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

// Package radix implements a prefix-compressed map from byte-string keys
// to tagged values, used by pkg/bcache to index cached blocks by
// (device-id, block-index).
//
// Two interchangeable implementations are provided: Simple, a plain
// ternary-split recursive tree kept only as a cross-validation reference,
// and Adaptive, the shipped implementation with variable-fanout nodes and
// proper compaction on delete. Both satisfy Index.
package radix

// Value is the payload stored at a key. Exactly one of Ptr or set-Int is
// meaningful; IsInt distinguishes them so callers don't need a type switch
// on interface{} for the common integer case.
type Value struct {
	Int   int64
	Ptr   any
	IsInt bool
}

// IntValue builds an integer-tagged Value.
func IntValue(v int64) Value { return Value{Int: v, IsInt: true} }

// PtrValue builds a pointer-tagged Value.
func PtrValue(p any) Value { return Value{Ptr: p} }

// Visitor is called once per matching entry during Iterate, in
// lexicographic key order. Returning false stops iteration early.
type Visitor func(key []byte, v Value) bool

// Index is the contract shared by Simple and Adaptive. See pkg/radix
// package doc and spec.md §4.A for the full per-operation contract.
type Index interface {
	// Insert creates or overwrites the value stored at k. Returns false
	// only on allocation failure.
	Insert(k []byte, v Value) bool

	// Lookup returns the value at k and whether it was present.
	Lookup(k []byte) (Value, bool)

	// Remove deletes the entry at k, if any, and reports whether it
	// existed. Adaptive also removes any node left childless and
	// valueless by the removal; Simple leaves such nodes in place.
	Remove(k []byte) bool

	// RemovePrefix deletes every entry whose key starts with p and
	// returns the number removed.
	RemovePrefix(p []byte) int

	// Iterate visits every entry whose key starts with p, in
	// lexicographic order of the full key.
	Iterate(p []byte, visit Visitor)

	// Size returns the number of entries currently stored.
	Size() int
}
