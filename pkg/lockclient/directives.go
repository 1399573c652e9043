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

package lockclient

// LVKind classifies an LV for lock-redirection purposes (spec.md §4.D
// "LV lock directives"). It is a simplification of the full LV
// status/segment-type vocabulary in pkg/metadata, scoped to exactly the
// distinctions the lock directives need.
type LVKind int

const (
	KindPlain LVKind = iota
	KindThin
	KindThinPool
	KindVDO
	KindVDOPool
	KindCachePool
	KindCacheVol
	KindOrigin
	KindSnapshot
	KindMirror
	KindRAID
	KindPoolMetadata
	KindPoolData
	KindMirrorLog
	KindMirrorImage
	KindRAIDImage
	KindRAIDMetadata
	KindPoolMetadataSpare
	KindLockLV
)

// Directive is the outcome of LockTarget for one LV.
type Directive struct {
	// RedirectTo, if non-empty, is the LV name the request must actually
	// be sent for instead.
	RedirectTo string
	// NoLock means this LV never takes its own lock.
	NoLock bool
	// NoSH means shared-mode activation is disallowed for this LV
	// (spec.md's MODE_NO_SH).
	NoSH bool
}

// LockTarget applies spec.md §4.D's "LV lock directives" table. pool is
// the owning thin/VDO pool name, used only when kind needs redirection.
func LockTarget(kind LVKind, name, pool, origin string) Directive {
	switch kind {
	case KindThin:
		return Directive{RedirectTo: pool}
	case KindVDO:
		return Directive{RedirectTo: pool}
	case KindCachePool, KindCacheVol:
		return Directive{RedirectTo: name}
	case KindSnapshot:
		return Directive{RedirectTo: origin}
	case KindMirror, KindRAID, KindThinPool, KindVDOPool:
		return Directive{NoSH: true}
	case KindPoolMetadata, KindPoolData, KindMirrorLog, KindMirrorImage,
		KindRAIDImage, KindRAIDMetadata, KindPoolMetadataSpare, KindLockLV:
		return Directive{NoLock: true}
	default:
		return Directive{}
	}
}

// ThinPoolLockState memoizes whether a batch of thin-volume operations
// has already locked/unlocked its pool, so repeated per-thin-volume
// requests within one command don't re-request the pool's lock (spec.md
// §4.D "Memoized flags on the pool ... prevent repeated requests for a
// batch").
type ThinPoolLockState struct {
	locked, unlocked map[string]bool
}

// NewThinPoolLockState constructs an empty memoization table.
func NewThinPoolLockState() *ThinPoolLockState {
	return &ThinPoolLockState{locked: map[string]bool{}, unlocked: map[string]bool{}}
}

// ShouldLock reports whether pool's ex lock still needs to be acquired
// for this batch, and marks it locked if so.
func (s *ThinPoolLockState) ShouldLock(pool string) bool {
	if s.locked[pool] {
		return false
	}
	s.locked[pool] = true
	return true
}

// ShouldUnlock is ShouldLock's counterpart for the batch's release phase.
func (s *ThinPoolLockState) ShouldUnlock(pool string) bool {
	if s.unlocked[pool] {
		return false
	}
	s.unlocked[pool] = true
	return true
}

// MtabMountType reports the filesystem mounting lv, if any, for the
// lvresize gfs2/ocfs2 special case (spec.md §4.D). The production
// implementation scans /etc/mtab; tests inject a fake.
type MtabMountType interface {
	MountedFSType(lvPath string) (string, bool, error)
}

// clusterFSTypes are the filesystems for which lvresize may acquire SH
// instead of EX when extending (spec.md §4.D).
var clusterFSTypes = map[string]bool{"gfs2": true, "ocfs2": true}

// ResizeMode reports whether extending lvPath should request EX (the
// default) or SH (permitted for gfs2/ocfs2, spec.md §4.D).
func ResizeMode(mtab MtabMountType, lvPath string) (Mode, error) {
	fsType, mounted, err := mtab.MountedFSType(lvPath)
	if err != nil {
		return EX, err
	}
	if mounted && clusterFSTypes[fsType] {
		return PR, nil
	}
	return EX, nil
}
