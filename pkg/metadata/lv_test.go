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

import "testing"

func linearAlloc(vg *VG, extents uint32, policy AllocPolicy) ([]Area, error) {
	return []Area{{PV: vg.PVs()[0], PE: 0}}, nil
}

func TestLVCreateSingleBasic(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	vg.AddPV(mkPV(t, "/dev/sda", 100))

	lv, err := LVCreateSingle(vg, LVCreateParams{Name: "data", Extents: 10, Type: SegLinear}, linearAlloc, nil)
	if err != nil {
		t.Fatalf("LVCreateSingle: %v", err)
	}
	if lv.LECount != 10 {
		t.Fatalf("LECount = %d, want 10", lv.LECount)
	}
	if lv.Status&LVVisible == 0 {
		t.Fatal("a freshly created LV should be VISIBLE")
	}
	if FindLV(vg, "data") != lv {
		t.Fatal("LVCreateSingle should link the LV into the VG")
	}
}

func TestLVCreateSingleRejectsNameCollision(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	vg.AddPV(mkPV(t, "/dev/sda", 100))

	if _, err := LVCreateSingle(vg, LVCreateParams{Name: "data", Extents: 5}, linearAlloc, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := LVCreateSingle(vg, LVCreateParams{Name: "data", Extents: 5}, linearAlloc, nil); err == nil {
		t.Fatal("expected ErrNameCollision for a duplicate LV name")
	}
}

func TestLVCreateSingleRejectsReservedName(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	vg.AddPV(mkPV(t, "/dev/sda", 100))

	if _, err := LVCreateSingle(vg, LVCreateParams{Name: "lvmlock", Extents: 5}, linearAlloc, nil); err == nil {
		t.Fatal("expected ErrNameCollision for the reserved name \"lvmlock\"")
	}
}

func TestLVCreateSingleValidatesStriping(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	vg.AddPV(mkPV(t, "/dev/sda", 100))

	_, err := LVCreateSingle(vg, LVCreateParams{Name: "s1", Extents: 10, Type: SegStriped, StripeCount: 1, StripeSize: 64}, linearAlloc, nil)
	if err == nil {
		t.Fatal("expected an error: striped segments require area_count >= 2")
	}

	_, err = LVCreateSingle(vg, LVCreateParams{Name: "s2", Extents: 10, Type: SegStriped, StripeCount: 2, StripeSize: 3}, linearAlloc, nil)
	if err == nil {
		t.Fatal("expected an error: stripe_size must be a power of two")
	}

	lv, err := LVCreateSingle(vg, LVCreateParams{Name: "s3", Extents: 10, Type: SegStriped, StripeCount: 2, StripeSize: 64}, linearAlloc, nil)
	if err != nil {
		t.Fatalf("valid striped create: %v", err)
	}
	if lv.Segments[0].StripeSize != 64 {
		t.Fatalf("StripeSize = %d, want 64", lv.Segments[0].StripeSize)
	}
}

type fakeLeaseExtender struct {
	called bool
	err    error
}

func (f *fakeLeaseExtender) EnsureLeaseCapacity(vg *VG) error {
	f.called = true
	return f.err
}

func TestLVCreateSingleCallsLeaseExtenderForSanlockVG(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	vg.LockType = LockTypeSanlock
	vg.AddPV(mkPV(t, "/dev/sda", 100))

	leases := &fakeLeaseExtender{}
	if _, err := LVCreateSingle(vg, LVCreateParams{Name: "data", Extents: 5}, linearAlloc, leases); err != nil {
		t.Fatalf("LVCreateSingle: %v", err)
	}
	if !leases.called {
		t.Fatal("a sanlock VG create should call the lease extender before allocation")
	}
}

func TestLVCreateSingleSkipsLeaseExtenderForNonSanlockVG(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	vg.AddPV(mkPV(t, "/dev/sda", 100))

	leases := &fakeLeaseExtender{}
	if _, err := LVCreateSingle(vg, LVCreateParams{Name: "data", Extents: 5}, linearAlloc, leases); err != nil {
		t.Fatalf("LVCreateSingle: %v", err)
	}
	if leases.called {
		t.Fatal("a non-sanlock VG create should not consult the lease extender")
	}
}

type fakeActiveElsewhere struct {
	active bool
	err    error
}

func (f fakeActiveElsewhere) ActiveElsewhere(lv *LV) (bool, error) { return f.active, f.err }

func TestLVRemoveRefusesSnapshotOrigin(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	origin := &LV{Name: "origin", Tags: map[string]struct{}{}}
	cow := &LV{Name: "cow", Tags: map[string]struct{}{}}
	vg.AddLV(origin)
	vg.AddLV(cow)
	if _, err := VGAddSnapshot(vg, origin, cow, 4096, 10, true, ID{}); err != nil {
		t.Fatalf("VGAddSnapshot: %v", err)
	}

	if err := LVRemove(vg, origin, nil); err == nil {
		t.Fatal("LVRemove should refuse an LV that is an active snapshot origin")
	}
}

func TestLVRemoveRefusesActiveElsewhere(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	lv := &LV{Name: "data", Tags: map[string]struct{}{}}
	vg.AddLV(lv)

	if err := LVRemove(vg, lv, fakeActiveElsewhere{active: true}); err == nil {
		t.Fatal("LVRemove should refuse an LV active on another host")
	}
}

func TestLVRemoveQueuesPendingFree(t *testing.T) {
	id, _ := NewID()
	vg := NewVG(id, "testvg")
	lv := &LV{Name: "data", Tags: map[string]struct{}{}}
	vg.AddLV(lv)

	if err := LVRemove(vg, lv, fakeActiveElsewhere{active: false}); err != nil {
		t.Fatalf("LVRemove: %v", err)
	}
	if FindLV(vg, "data") != nil {
		t.Fatal("LVRemove should unlink the LV from the VG's live collection")
	}
	if len(vg.PendingFreeLVs) != 1 || vg.PendingFreeLVs[0] != lv {
		t.Fatal("LVRemove should queue the LV onto PendingFreeLVs for atomic commit")
	}
}
