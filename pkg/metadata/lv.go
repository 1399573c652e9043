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

// reservedLVNames can never be used as an LV name regardless of
// collision with an existing LV (spec.md §4.C "lv_create_single ...
// colliding with any existing LV or reserved name fails").
var reservedLVNames = map[string]struct{}{
	"lvmlock": {},
	"pvmove":  {},
	"snapshot": {},
}

// ErrNameCollision is returned by LVCreateSingle when lp.Name is already
// taken or reserved.
var ErrNameCollision = errors.New("metadata: lv name already in use")

// AllocPolicy selects how lv_create_single lays out extents across PVs.
type AllocPolicy int

const (
	AllocNormal AllocPolicy = iota
	AllocContiguous
	AllocCling
	AllocAnywhere
)

// LVCreateParams configures lv_create_single (spec.md §4.C).
type LVCreateParams struct {
	Name    string
	Extents uint32
	Type    SegType
	Policy  AllocPolicy

	StripeCount int
	StripeSize  uint32
}

// LeaseExtender is called before allocation on a sanlock VG to ensure
// there is room in the lvmlock LV for the new lease (spec.md §4.C
// "For sanlock VGs, before allocation, calls the cache-pool extender").
// pkg/lockclient's sanlock bootstrap satisfies this.
type LeaseExtender interface {
	EnsureLeaseCapacity(vg *VG) error
}

// LVCreateSingle allocates PV extents for lp and links them into a new
// LV (spec.md §4.C "lv_create_single"). alloc is consulted for PV extent
// assignment; leases may be nil when vg.LockType != LockTypeSanlock.
func LVCreateSingle(vg *VG, lp LVCreateParams, alloc func(vg *VG, extents uint32, policy AllocPolicy) ([]Area, error), leases LeaseExtender) (*LV, error) {
	if _, reserved := reservedLVNames[lp.Name]; reserved {
		return nil, fmt.Errorf("%w: %q is reserved", ErrNameCollision, lp.Name)
	}
	if FindLV(vg, lp.Name) != nil {
		return nil, fmt.Errorf("%w: %q", ErrNameCollision, lp.Name)
	}
	if lp.Type == SegStriped {
		if lp.StripeCount < 2 {
			return nil, errors.New("metadata: striped segments require area_count >= 2")
		}
		if lp.StripeSize == 0 || lp.StripeSize&(lp.StripeSize-1) != 0 {
			return nil, errors.New("metadata: stripe_size must be a nonzero power of two")
		}
	}

	if vg.LockType == LockTypeSanlock && leases != nil {
		if err := leases.EnsureLeaseCapacity(vg); err != nil {
			return nil, fmt.Errorf("metadata: lv_create_single: extending lease capacity: %w", err)
		}
	}

	areas, err := alloc(vg, lp.Extents, lp.Policy)
	if err != nil {
		return nil, fmt.Errorf("metadata: lv_create_single: allocation failed: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}
	lv := &LV{
		ID:      id,
		VGID:    vg.ID,
		Name:    lp.Name,
		Status:  LVRead | LVWrite | LVVisible,
		LECount: lp.Extents,
		Segments: []Segment{{
			LEStart:    0,
			Length:     lp.Extents,
			Type:       lp.Type,
			AreaCount:  len(areas),
			StripeSize: lp.StripeSize,
			Areas:      areas,
		}},
		Tags: map[string]struct{}{},
	}
	vg.AddLV(lv)
	return lv, nil
}

// ActiveElsewhereChecker reports whether lv is active on a host other
// than the caller, per spec.md §4.C "verified via 4.D lockd_lv".
type ActiveElsewhereChecker interface {
	ActiveElsewhere(lv *LV) (bool, error)
}

// ErrLVHeld is returned by LVRemove when the LV is referenced by another
// LV or active on another host.
var ErrLVHeld = errors.New("metadata: lv is held")

// LVRemove refuses to remove lv if it is the origin of a snapshot bound
// in vg or is active elsewhere (spec.md §4.C "lv_remove"). It does not
// check whether lv is a pool still in use by other LVs.
func LVRemove(vg *VG, lv *LV, activeElsewhere ActiveElsewhereChecker) error {
	for _, snap := range vg.Snapshots {
		if snap.Origin == lv {
			return fmt.Errorf("%w: lv %q is the origin of an active snapshot", ErrLVHeld, lv.Name)
		}
	}
	if activeElsewhere != nil {
		active, err := activeElsewhere.ActiveElsewhere(lv)
		if err != nil {
			return fmt.Errorf("metadata: lv_remove: checking remote activation: %w", err)
		}
		if active {
			return fmt.Errorf("%w: lv %q is active on another host", ErrLVHeld, lv.Name)
		}
	}
	vg.RemoveLV(lv)
	vg.PendingFreeLVs = append(vg.PendingFreeLVs, lv)
	return nil
}
