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
	"fmt"
	"strings"

	"github.com/google/btree"
)

// LockType is the distributed-lock manager protecting a VG, ∈ spec.md §3.
type LockType int

const (
	LockTypeNone LockType = iota
	LockTypeDLM
	LockTypeSanlock
	LockTypeIDM
	LockTypeCLVM
)

// PVStatus flags (spec.md §3 "Physical Volume").
type PVStatus uint32

const (
	PVAllocatable PVStatus = 1 << iota
	PVExported
)

// VGStatus flags (spec.md §3 "Volume Group").
type VGStatus uint32

const (
	VGExported VGStatus = 1 << iota
	VGResizeable
	VGPartial
	VGShared
	VGClustered
	VGPVMove
)

// VGPRFlags are the reservation-policy bits a VG carries (spec.md §3).
type VGPRFlags uint32

const (
	VGPRRequire VGPRFlags = 1 << iota
	VGPRPTPL
)

// LVStatus flags (spec.md §3 "Logical Volume"). The flag vocabulary
// follows lv_attr in topolvm's status vocabulary; this package does not
// render the flags as an attribute string.
type LVStatus uint32

const (
	LVRead LVStatus = 1 << iota
	LVWrite
	LVVisible
	LVFixedMinor
	LVActivateExcl
	LVPartial
	LVLockdSanlockLV
)

// SegType names the allocation shape of an lv_segment (spec.md §3).
type SegType int

const (
	SegLinear SegType = iota
	SegStriped
	SegMirrored
	SegSnapshot
)

// Area is one extent-range contributor to a segment: either a PV extent
// or a child LV's logical extent (spec.md §3 "Segment").
type Area struct {
	PV      *PV // nil if this area is backed by a child LV
	PE      uint32
	ChildLV *LV
	ChildLE uint32
}

// Segment is a contiguous, non-overlapping run of logical extents within
// an LV (spec.md §3).
type Segment struct {
	LEStart    uint32
	Length     uint32
	Type       SegType
	AreaCount  int
	StripeSize uint32 // valid for SegStriped; must be a power of two
	ChunkSize  uint32 // valid for SegSnapshot
	Areas      []Area

	// Origin/COW are set only for SegSnapshot.
	Origin *LV
	COW    *LV
}

// PV is a Physical Volume (spec.md §3).
type PV struct {
	ID         ID
	DevicePath string
	SizeSect   uint64
	PEStart    uint64 // reserved prefix, min 1 MiB equivalent
	PESize     uint64
	PECount    uint32
	PEAlloc    uint32
	Status     PVStatus
	VG         *VG // nil means orphan
	Tags       map[string]struct{}
}

// pvLess orders PVs by device path, the PV analog of LV's by-name
// ordering, so vg.pvs can use the same btree.BTreeG machinery as vg.lvs.
func pvLess(a, b *PV) bool { return a.DevicePath < b.DevicePath }

func lvLess(a, b *LV) bool { return a.Name < b.Name }

// SnapshotBinding couples an origin LV to its hidden COW LV (spec.md §3).
type SnapshotBinding struct {
	Origin     *LV
	COW        *LV
	ChunkSize  uint32
	Persistent bool
	Extents    uint32
}

// MDA is one on-disk metadata-area slot a VG is stored in (spec.md §3).
// Concrete formats (text, on-disk layout) are out of scope per spec.md's
// Non-goals; callers supply an implementation.
type MDA interface {
	VGRead(name string) (*VG, error)
	VGWrite(vg *VG) error
	VGCommit(vg *VG) error
	VGRevert(vg *VG) error
	VGRemove(name string) error
}

// VG is a Volume Group (spec.md §3).
type VG struct {
	ID         ID
	Name       string
	Seqno      uint64
	ExtentSize uint64
	MaxLV      int
	MaxPV      int
	Status     VGStatus
	LockType   LockType
	LockArgs   string
	SystemID   string
	PR         VGPRFlags

	pvs *btree.BTreeG[*PV]
	lvs *btree.BTreeG[*LV]

	Snapshots []*SnapshotBinding
	Tags      map[string]struct{}

	SanlockLV *LV

	// PendingFreeLVs queues LVs removed within an uncommitted
	// transaction so lvremove can be atomic with the VG commit
	// (spec.md §3 "pending-free-LV queue").
	PendingFreeLVs []*LV

	MDAs []MDA
}

const btreeDegree = 32

// NewVG constructs an empty VG with freshly initialized PV/LV collections.
func NewVG(id ID, name string) *VG {
	return &VG{
		ID:   id,
		Name: name,
		pvs:  btree.NewG(btreeDegree, pvLess),
		lvs:  btree.NewG(btreeDegree, lvLess),
		Tags: map[string]struct{}{},
	}
}

// AddPV inserts or replaces pv in the VG's sorted PV collection.
func (vg *VG) AddPV(pv *PV) { vg.pvs.ReplaceOrInsert(pv) }

// RemovePV removes pv from the VG's PV collection.
func (vg *VG) RemovePV(pv *PV) { vg.pvs.Delete(pv) }

// PVs returns every PV in device-path order.
func (vg *VG) PVs() []*PV {
	out := make([]*PV, 0, vg.pvs.Len())
	vg.pvs.Ascend(func(pv *PV) bool {
		out = append(out, pv)
		return true
	})
	return out
}

// AddLV inserts or replaces lv in the VG's sorted LV collection.
func (vg *VG) AddLV(lv *LV) { vg.lvs.ReplaceOrInsert(lv) }

// RemoveLV removes lv from the VG's LV collection.
func (vg *VG) RemoveLV(lv *LV) { vg.lvs.Delete(lv) }

// LVs returns every LV in name order.
func (vg *VG) LVs() []*LV {
	out := make([]*LV, 0, vg.lvs.Len())
	vg.lvs.Ascend(func(lv *LV) bool {
		out = append(out, lv)
		return true
	})
	return out
}

// ExtentCount returns sum(pv.pe_count), one half of spec.md §3's VG
// invariant "sum(pv.pe_count) == vg.extent_count".
func (vg *VG) ExtentCount() uint64 {
	var n uint64
	vg.pvs.Ascend(func(pv *PV) bool {
		n += uint64(pv.PECount)
		return true
	})
	return n
}

// FreeCount returns vg.extent_count − sum(lv.extents), the other half of
// the same invariant (spec.md §3).
func (vg *VG) FreeCount() uint64 {
	used := uint64(0)
	vg.lvs.Ascend(func(lv *LV) bool {
		used += uint64(lv.LECount)
		return true
	})
	return vg.ExtentCount() - used
}

// CheckInvariants validates spec.md §3's VG invariants and returns the
// first violation found, or nil.
func (vg *VG) CheckInvariants() error {
	if vg.FreeCount()+vg.usedExtents() != vg.ExtentCount() {
		return fmt.Errorf("metadata: vg %q: free_count + used != extent_count", vg.Name)
	}
	var err error
	vg.lvs.Ascend(func(lv *LV) bool {
		if e := lv.checkSegmentCoverage(); e != nil {
			err = fmt.Errorf("metadata: vg %q: lv %q: %w", vg.Name, lv.Name, e)
			return false
		}
		return true
	})
	return err
}

func (vg *VG) usedExtents() uint64 {
	used := uint64(0)
	vg.lvs.Ascend(func(lv *LV) bool {
		used += uint64(lv.LECount)
		return true
	})
	return used
}

// LV is a Logical Volume (spec.md §3).
type LV struct {
	ID           ID
	VGID         ID
	Name         string
	Status       LVStatus
	LECount      uint32
	Segments     []Segment
	LockArgs     string
	ReadAhead    uint32
	Major, Minor int
	Tags         map[string]struct{}
}

// checkSegmentCoverage verifies spec.md §3's "ordered list of lv_segments
// (contiguous, non-overlapping, starting at le == 0 and fully covering
// [0, le_count))".
func (lv *LV) checkSegmentCoverage() error {
	var pos uint32
	for i, seg := range lv.Segments {
		if seg.LEStart != pos {
			return fmt.Errorf("segment %d starts at %d, want %d", i, seg.LEStart, pos)
		}
		pos += seg.Length
	}
	if pos != lv.LECount {
		return fmt.Errorf("segments cover [0,%d), want [0,%d)", pos, lv.LECount)
	}
	return nil
}

// FindSegByLE returns the unique segment containing le, or nil (spec.md
// §4.C "find_seg_by_le").
func (lv *LV) FindSegByLE(le uint32) *Segment {
	for i := range lv.Segments {
		s := &lv.Segments[i]
		if le >= s.LEStart && le < s.LEStart+s.Length {
			return s
		}
	}
	return nil
}

// FindLV performs an exact match on the last path component (spec.md
// §4.C "find_lv").
func FindLV(vg *VG, name string) *LV {
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	var found *LV
	vg.lvs.AscendGreaterOrEqual(&LV{Name: base}, func(lv *LV) bool {
		if lv.Name != base {
			return false
		}
		found = lv
		return false
	})
	return found
}

// OrphanVGName is the synthetic VG name PVs not in any real VG are
// projected under (spec.md §4.C "Orphan VG").
const OrphanVGName = "#orphans"

// OrphanVG builds the synthetic "#orphans" VG for every pv in pvs whose
// VG back-reference is nil.
func OrphanVG(pvs []*PV) *VG {
	vg := NewVG(ID{}, OrphanVGName)
	for _, pv := range pvs {
		if pv.VG == nil {
			vg.AddPV(pv)
		}
	}
	return vg
}
