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

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

func allKeys(idx Index) map[string]Value {
	out := map[string]Value{}
	idx.Iterate(nil, func(k []byte, v Value) bool {
		out[string(k)] = v
		return true
	})
	return out
}

// TestEverySingleByteKey exercises spec.md §8 scenario 6: insert every
// single-byte key 0..255, then confirm every lookup and the size.
func TestEverySingleByteKey(t *testing.T) {
	for _, idx := range []Index{NewSimple(), NewAdaptive()} {
		idx := idx
		for k := 0; k < 256; k++ {
			if !idx.Insert([]byte{byte(k)}, IntValue(int64(100+k))) {
				t.Fatalf("insert failed for key %d", k)
			}
		}
		for k := 0; k < 256; k++ {
			v, ok := idx.Lookup([]byte{byte(k)})
			if !ok || v.Int != int64(100+k) {
				t.Fatalf("lookup(%d) = %v, %v; want %d, true", k, v, ok, 100+k)
			}
		}
		if idx.Size() != 256 {
			t.Fatalf("Size() = %d, want 256", idx.Size())
		}
	}
}

func TestEmptyKeyAtRoot(t *testing.T) {
	for _, idx := range []Index{NewSimple(), NewAdaptive()} {
		if _, ok := idx.Lookup(nil); ok {
			t.Fatal("expected empty index to have no root value")
		}
		idx.Insert(nil, IntValue(42))
		v, ok := idx.Lookup([]byte{})
		if !ok || v.Int != 42 {
			t.Fatalf("root value = %v, %v; want 42, true", v, ok)
		}
		if idx.Size() != 1 {
			t.Fatalf("Size() = %d, want 1", idx.Size())
		}
		if !idx.Remove(nil) {
			t.Fatal("Remove(nil) should report the root value existed")
		}
		if idx.Size() != 0 {
			t.Fatalf("Size() = %d, want 0 after removing root", idx.Size())
		}
	}
}

func TestIdempotentInsert(t *testing.T) {
	for _, idx := range []Index{NewSimple(), NewAdaptive()} {
		idx.Insert([]byte("dev0/block5"), IntValue(1))
		idx.Insert([]byte("dev0/block5"), IntValue(2))
		v, ok := idx.Lookup([]byte("dev0/block5"))
		if !ok || v.Int != 2 {
			t.Fatalf("got %v, %v; want 2, true", v, ok)
		}
		if idx.Size() != 1 {
			t.Fatalf("Size() = %d, want 1", idx.Size())
		}
	}
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	for _, idx := range []Index{NewSimple(), NewAdaptive()} {
		before := allKeys(idx)
		idx.Insert([]byte("abc"), IntValue(1))
		if !idx.Remove([]byte("abc")) {
			t.Fatal("Remove should report the key existed")
		}
		after := allKeys(idx)
		if len(before) != len(after) {
			t.Fatalf("insert;remove changed iteration result: %v -> %v", before, after)
		}
	}
}

func TestPrefixContainment(t *testing.T) {
	for _, idx := range []Index{NewSimple(), NewAdaptive()} {
		keys := []string{"a", "ab", "abc", "abd", "b", "ba", ""}
		for i, k := range keys {
			idx.Insert([]byte(k), IntValue(int64(i)))
		}
		for _, prefix := range []string{"", "a", "ab", "b", "z"} {
			var got []string
			idx.Iterate([]byte(prefix), func(k []byte, v Value) bool {
				got = append(got, string(k))
				return true
			})
			var want []string
			for _, k := range keys {
				if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
					want = append(want, k)
				}
			}
			sort.Strings(want)
			sort.Strings(got)
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("prefix %q: got %v, want %v", prefix, got, want)
			}
		}
	}
}

func TestRemovePrefix(t *testing.T) {
	for _, idx := range []Index{NewSimple(), NewAdaptive()} {
		for _, k := range []string{"dev1/0", "dev1/1", "dev1/2", "dev2/0"} {
			idx.Insert([]byte(k), IntValue(1))
		}
		n := idx.RemovePrefix([]byte("dev1/"))
		if n != 3 {
			t.Fatalf("RemovePrefix removed %d, want 3", n)
		}
		if idx.Size() != 1 {
			t.Fatalf("Size() = %d, want 1", idx.Size())
		}
		if _, ok := idx.Lookup([]byte("dev2/0")); !ok {
			t.Fatal("dev2/0 should survive RemovePrefix(dev1/)")
		}
	}
}

func TestIterateStopsEarly(t *testing.T) {
	for _, idx := range []Index{NewSimple(), NewAdaptive()} {
		for _, k := range []string{"a", "b", "c", "d"} {
			idx.Insert([]byte(k), IntValue(1))
		}
		count := 0
		idx.Iterate(nil, func(_ []byte, _ Value) bool {
			count++
			return count < 2
		})
		if count != 2 {
			t.Fatalf("visitor stop: count = %d, want 2", count)
		}
	}
}

// TestDifferential runs the same randomized operation sequence through
// both implementations and asserts they always agree on the observable
// key set — their internal shapes are allowed to diverge (see DESIGN.md
// on the radix FIXME Open Question), but what lookup/iterate/size report
// must not.
func TestDifferential(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	simple := NewSimple()
	adaptive := NewAdaptive()

	randKey := func() []byte {
		n := rng.Intn(4)
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(rng.Intn(6)) // small alphabet to force lots of sharing
		}
		return b
	}

	for i := 0; i < 5000; i++ {
		k := randKey()
		switch rng.Intn(4) {
		case 0, 1:
			v := IntValue(int64(i))
			simple.Insert(k, v)
			adaptive.Insert(k, v)
		case 2:
			simple.Remove(k)
			adaptive.Remove(k)
		case 3:
			simple.RemovePrefix(k)
			adaptive.RemovePrefix(k)
		}
	}

	if simple.Size() != adaptive.Size() {
		t.Fatalf("size diverged: simple=%d adaptive=%d", simple.Size(), adaptive.Size())
	}
	sm, am := allKeys(simple), allKeys(adaptive)
	if len(sm) != len(am) {
		t.Fatalf("key set sizes diverged: simple=%d adaptive=%d", len(sm), len(am))
	}
	for k, v := range sm {
		av, ok := am[k]
		if !ok || av != v {
			t.Fatalf("key %q: simple=%v adaptive=%v (ok=%v)", k, v, av, ok)
		}
	}
}
