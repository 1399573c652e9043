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

package metadata

import (
	"errors"
	"fmt"
)

// ErrAlreadyCOW is returned by VGAddSnapshot when cow is already bound
// as a COW LV (spec.md §4.C "Snapshot relation ... Rejects if cow is
// already a COW").
var ErrAlreadyCOW = errors.New("metadata: lv is already a snapshot cow")

// VGAddSnapshot binds cow as the snapshot store for origin, hiding cow
// and appending the binding to vg.Snapshots (spec.md §4.C). If id is the
// zero value a fresh UUID is generated.
func VGAddSnapshot(vg *VG, origin, cow *LV, chunkSize, extents uint32, persistent bool, id ID) (*SnapshotBinding, error) {
	for _, s := range vg.Snapshots {
		if s.COW == cow {
			return nil, fmt.Errorf("%w: %q", ErrAlreadyCOW, cow.Name)
		}
	}

	if id == (ID{}) {
		fresh, err := NewID()
		if err != nil {
			return nil, err
		}
		id = fresh
	}
	cow.ID = id
	cow.Status &^= LVVisible

	binding := &SnapshotBinding{
		Origin:     origin,
		COW:        cow,
		ChunkSize:  chunkSize,
		Persistent: persistent,
		Extents:    extents,
	}
	vg.Snapshots = append(vg.Snapshots, binding)
	return binding, nil
}
