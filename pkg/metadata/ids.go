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

// Package metadata is the in-memory VG/PV/LV model and its on-disk
// transaction protocol (spec.md §3, §4.C).
package metadata

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// groupLens is the "6-4-4-4-4-4-6" grouping spec.md §3 "ID space" requires
// for the base-62 text encoding of a 128-bit UUID.
var groupLens = [...]int{6, 4, 4, 4, 4, 4, 6}

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// ID is a 128-bit identifier for a PV, VG, LV, or snapshot. Two IDs
// compare equal iff their 128 bits are equal (spec.md §3).
type ID [16]byte

var base62 = big.NewInt(62)

// NewID generates a fresh ID from a cryptographic RNG.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("metadata: generating id: %w", err)
	}
	return id, nil
}

// String renders the ID as 32 base-62 digits grouped 6-4-4-4-4-4-6.
func (id ID) String() string {
	n := new(big.Int).SetBytes(id[:])
	digits := make([]byte, 32)
	mod := new(big.Int)
	for i := 31; i >= 0; i-- {
		n.DivMod(n, base62, mod)
		digits[i] = base62Alphabet[mod.Int64()]
	}

	var b strings.Builder
	pos := 0
	for i, n := range groupLens {
		if i > 0 {
			b.WriteByte('-')
		}
		b.Write(digits[pos : pos+n])
		pos += n
	}
	return b.String()
}

// ParseID parses the grouped base-62 text form produced by String.
func ParseID(s string) (ID, error) {
	groups := strings.Split(s, "-")
	if len(groups) != len(groupLens) {
		return ID{}, fmt.Errorf("metadata: id %q: expected %d groups, got %d", s, len(groupLens), len(groups))
	}
	var digits strings.Builder
	for i, g := range groups {
		if len(g) != groupLens[i] {
			return ID{}, fmt.Errorf("metadata: id %q: group %d has length %d, want %d", s, i, len(g), groupLens[i])
		}
		digits.WriteString(g)
	}

	n := big.NewInt(0)
	for _, r := range digits.String() {
		v := strings.IndexRune(base62Alphabet, r)
		if v < 0 {
			return ID{}, fmt.Errorf("metadata: id %q: invalid base-62 digit %q", s, r)
		}
		n.Mul(n, base62)
		n.Add(n, big.NewInt(int64(v)))
	}

	raw := n.Bytes()
	if len(raw) > 16 {
		return ID{}, fmt.Errorf("metadata: id %q: decodes to more than 128 bits", s)
	}
	var id ID
	copy(id[16-len(raw):], raw)
	return id, nil
}
