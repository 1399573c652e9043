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

// Package reservation implements per-device persistent reservation (PR)
// key management and the start/stop/remove/clear/check protocols that
// drive the external lvmpersist helper (spec.md §4.E).
package reservation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// Key is a 64-bit PR key (spec.md §3 "PR key").
type Key uint64

// keyTag is the fixed upper byte of a host-derived key (spec.md §3).
const keyTag = 0x10

// NewHostKey derives a key from hostID and generation per spec.md §3's
// layout: upper byte 0x10, middle 24 bits generation, lower 16 bits
// host_id.
func NewHostKey(hostID uint16, generation uint32) Key {
	return Key(uint64(keyTag)<<56 | uint64(generation&0xFFFFFF)<<16 | uint64(hostID))
}

// Generation extracts the middle 24 bits of a host-derived key.
func (k Key) Generation() uint32 { return uint32(k>>16) & 0xFFFFFF }

// HostID extracts the lower 16 bits of a host-derived key.
func (k Key) HostID() uint16 { return uint16(k) }

// String renders k as "0x<hex>", the key-file on-disk form (spec.md §6
// "Key file").
func (k Key) String() string { return fmt.Sprintf("0x%x", uint64(k)) }

// ErrBadKeyHex is returned by ParseKeyHex for an empty, overlong, or
// non-hex string.
var ErrBadKeyHex = errors.New("reservation: local_pr_key must be 1-16 hex digits")

// ParseKeyHex parses a user-supplied local_pr_key (spec.md §4.E "Key
// policy" #1): reject empty strings, strings longer than 16 hex digits,
// or non-hex characters.
func ParseKeyHex(s string) (Key, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" || len(s) > 16 {
		return 0, ErrBadKeyHex
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadKeyHex, err)
	}
	return Key(n), nil
}

// SanlockGeneration reads the current sanlock lockspace generation for a
// VG, the input to the host-id+generation key derivation (spec.md §4.E
// #2, "read from the sanlock lockspace via §4.D"). The production
// implementation is backed by lockclient; tests inject a fake.
type SanlockGeneration interface {
	Generation(vgName string) (uint32, error)
}

// DeriveKey implements the three-step policy of spec.md §4.E "Key
// policy": explicit hex, else host-id+sanlock-generation for
// sanlock-locked VGs, else host-id alone.
func DeriveKey(explicitHex string, hostID uint16, sanlockLocked bool, vgName string, gen SanlockGeneration) (Key, error) {
	if explicitHex != "" {
		return ParseKeyHex(explicitHex)
	}
	if sanlockLocked && gen != nil {
		g, err := gen.Generation(vgName)
		if err != nil {
			return 0, fmt.Errorf("reservation: reading sanlock generation for vg %q: %w", vgName, err)
		}
		return NewHostKey(hostID, g), nil
	}
	return NewHostKey(hostID, 0), nil
}

// KeyFileDir is the default directory key files are stored under
// (spec.md §6 "Key file" — "/var/lib/lvm/persist_key_<vg>").
const KeyFileDir = "/var/lib/lvm"

// KeyFilePath returns the path of vgName's key file.
func KeyFilePath(dir, vgName string) string {
	if dir == "" {
		dir = KeyFileDir
	}
	return filepath.Join(dir, "persist_key_"+vgName)
}

// ErrKeyFileInvalid is returned when a key file holds no key line, only
// blank or '#'-prefixed comment lines. A key line that does not parse as
// hex yields ErrBadKeyHex instead.
var ErrKeyFileInvalid = errors.New("reservation: key file content is not a valid key line")

// ReadKeyFile reads and parses vgName's key file. It returns
// os.ErrNotExist unmodified when the file is absent so callers can
// distinguish "no cached key" from a parse failure.
func ReadKeyFile(dir, vgName string) (Key, error) {
	path := KeyFilePath(dir, vgName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseKeyHex(line)
	}
	return 0, fmt.Errorf("%w: %s", ErrKeyFileInvalid, path)
}

// WriteKeyFile writes k to vgName's key file, guarded by a sibling
// "<path>.lock" flock so concurrent commands on the same host don't
// interleave writes (spec.md §4.E step 6, "best-effort, not a hard
// failure" — callers decide whether to treat an error as fatal).
func WriteKeyFile(dir, vgName string, k Key) error {
	path := KeyFilePath(dir, vgName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("reservation: mkdir %s: %w", filepath.Dir(path), err)
	}
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("reservation: lock %s: %w", path, err)
	}
	defer fl.Unlock()

	content := fmt.Sprintf("# lvm2go persist key\n%s\n", k)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("reservation: write %s: %w", path, err)
	}
	return nil
}

// RevalidateKeyFile re-derives the key for vgName and compares it
// against the cached key file, invalidating (removing) the cache on a
// host_id mismatch (spec.md §4.E "the cache is revalidated on every
// use (mismatching host_id triggers invalidation)"). It returns the key
// that should now be used.
func RevalidateKeyFile(dir, vgName string, hostID uint16, want Key) (Key, error) {
	cached, err := ReadKeyFile(dir, vgName)
	if err != nil {
		if os.IsNotExist(err) {
			return want, WriteKeyFile(dir, vgName, want)
		}
		return 0, err
	}
	if cached.HostID() != hostID {
		if err := os.Remove(KeyFilePath(dir, vgName)); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("reservation: invalidating stale key file: %w", err)
		}
		return want, WriteKeyFile(dir, vgName, want)
	}
	return cached, nil
}

// UpdateKeyGeneration rewrites vgName's cached key to embed newGeneration
// (spec.md §4.E "Generation coupling": "after sanlock lockstart completes
// and reveals the previous generation N, the key is rewritten to use
// N+1"). It is idempotent: a no-op when the cached key already matches.
// prevGeneration, if negative, means the daemon's response did not carry
// a previous-generation field; per spec.md §9's resolved Open Question,
// this is a hard failure rather than a silently stale key.
func UpdateKeyGeneration(dir, vgName string, hostID uint16, prevGeneration int64) (Key, error) {
	if prevGeneration < 0 {
		return 0, fmt.Errorf("reservation: sanlock lockstart response for vg %q did not report a previous generation", vgName)
	}
	want := NewHostKey(hostID, uint32(prevGeneration)+1)
	cached, err := ReadKeyFile(dir, vgName)
	if err == nil && cached == want {
		return want, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	if err := WriteKeyFile(dir, vgName, want); err != nil {
		return 0, err
	}
	return want, nil
}
