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

import (
	"errors"
	"testing"
)

func TestLockTargetRedirection(t *testing.T) {
	cases := []struct {
		name string
		kind LVKind
		want string
	}{
		{"thin redirects to pool", KindThin, "pool0"},
		{"vdo redirects to pool", KindVDO, "pool0"},
		{"cache pool redirects to self", KindCachePool, "cvol"},
		{"cache vol redirects to self", KindCacheVol, "cvol"},
		{"snapshot redirects to origin", KindSnapshot, "origin0"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := LockTarget(c.kind, "cvol", "pool0", "origin0")
			if got.RedirectTo != c.want {
				t.Errorf("RedirectTo = %q, want %q", got.RedirectTo, c.want)
			}
		})
	}
}

func TestLockTargetNoSH(t *testing.T) {
	for _, kind := range []LVKind{KindMirror, KindRAID, KindThinPool, KindVDOPool} {
		d := LockTarget(kind, "lv0", "", "")
		if !d.NoSH {
			t.Errorf("kind %d: NoSH = false, want true", kind)
		}
		if d.NoLock || d.RedirectTo != "" {
			t.Errorf("kind %d: unexpected NoLock/RedirectTo on %+v", kind, d)
		}
	}
}

func TestLockTargetNoLock(t *testing.T) {
	for _, kind := range []LVKind{
		KindPoolMetadata, KindPoolData, KindMirrorLog, KindMirrorImage,
		KindRAIDImage, KindRAIDMetadata, KindPoolMetadataSpare, KindLockLV,
	} {
		d := LockTarget(kind, "lv0", "", "")
		if !d.NoLock {
			t.Errorf("kind %d: NoLock = false, want true", kind)
		}
	}
}

func TestLockTargetPlainLVNoDirective(t *testing.T) {
	d := LockTarget(KindPlain, "lv0", "", "")
	if d != (Directive{}) {
		t.Errorf("plain LV should get the zero Directive, got %+v", d)
	}
}

func TestThinPoolLockStateMemoizes(t *testing.T) {
	s := NewThinPoolLockState()
	if !s.ShouldLock("pool0") {
		t.Fatal("first ShouldLock should be true")
	}
	if s.ShouldLock("pool0") {
		t.Fatal("second ShouldLock for the same pool should be false")
	}
	if !s.ShouldLock("pool1") {
		t.Fatal("a different pool should still need its own lock")
	}
	if !s.ShouldUnlock("pool0") {
		t.Fatal("first ShouldUnlock should be true")
	}
	if s.ShouldUnlock("pool0") {
		t.Fatal("second ShouldUnlock for the same pool should be false")
	}
}

type fakeMtab struct {
	fsType  string
	mounted bool
	err     error
}

func (f fakeMtab) MountedFSType(lvPath string) (string, bool, error) {
	return f.fsType, f.mounted, f.err
}

func TestResizeModeDefaultsToEX(t *testing.T) {
	mode, err := ResizeMode(fakeMtab{mounted: false}, "/dev/vg/lv")
	if err != nil {
		t.Fatalf("ResizeMode: %v", err)
	}
	if mode != EX {
		t.Fatalf("mode = %s, want EX", mode)
	}
}

func TestResizeModeClusterFSAllowsSH(t *testing.T) {
	for _, fs := range []string{"gfs2", "ocfs2"} {
		mode, err := ResizeMode(fakeMtab{fsType: fs, mounted: true}, "/dev/vg/lv")
		if err != nil {
			t.Fatalf("ResizeMode(%s): %v", fs, err)
		}
		if mode != PR {
			t.Errorf("ResizeMode(%s) = %s, want PR", fs, mode)
		}
	}
}

func TestResizeModeOtherFSStaysEX(t *testing.T) {
	mode, err := ResizeMode(fakeMtab{fsType: "ext4", mounted: true}, "/dev/vg/lv")
	if err != nil {
		t.Fatalf("ResizeMode: %v", err)
	}
	if mode != EX {
		t.Fatalf("mode = %s, want EX", mode)
	}
}

func TestResizeModePropagatesMtabError(t *testing.T) {
	wantErr := errors.New("mtab unreadable")
	_, err := ResizeMode(fakeMtab{err: wantErr}, "/dev/vg/lv")
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
