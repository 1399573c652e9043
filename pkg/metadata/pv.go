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
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// minPEStartSect is the "min 1 MiB equivalent" reserved prefix spec.md §3
// requires ahead of the first allocatable extent, expressed in 512-byte
// sectors.
const minPEStartSect = (1 << 20) / 512

// ErrDeviceIsDM is returned by pv_create when asked to create a PV
// directly on a device-mapper node without an explicit override —
// spec.md's orphan/label scanning expects the underlying device, not the
// dm wrapper, as the udev layer the original CLI consults would report.
var ErrDeviceIsDM = errors.New("metadata: device is a device-mapper node")

// ErrLVAllocated is returned by pv_remove when the PV still has
// allocated extents (spec.md §3 PV lifecycle).
var ErrLVAllocated = errors.New("metadata: pv has allocated extents")

// DeviceResolver validates and sizes the block device backing a PV. The
// production resolver is sysResolver; tests inject a fake.
type DeviceResolver interface {
	// SizeSectors returns the device's size in 512-byte sectors.
	SizeSectors(path string) (uint64, error)
	// IsDeviceMapper reports whether path is a dm-backed node.
	IsDeviceMapper(path string) (bool, error)
}

// sysResolver resolves device attributes the way udev/sysfs would before
// handing a device path to the core (SPEC_FULL.md Domain Stack): size via
// the BLKGETSIZE64 ioctl, and device-mapper identity via the block
// device's major:minor under /sys/dev/block, the same pair the kernel
// exposes through stat(2).
type sysResolver struct{}

// NewSysResolver returns the production DeviceResolver.
func NewSysResolver() DeviceResolver { return sysResolver{} }

func (sysResolver) SizeSectors(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("metadata: resolve device %s: %w", path, err)
	}
	defer f.Close()

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, fmt.Errorf("metadata: BLKGETSIZE64 %s: %w", path, errno)
	}
	return size / 512, nil
}

func (sysResolver) IsDeviceMapper(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, fmt.Errorf("metadata: stat device %s: %w", path, err)
	}
	major, minor := unix.Major(st.Rdev), unix.Minor(st.Rdev)
	dmDir := filepath.Join("/sys/dev/block", fmt.Sprintf("%d:%d", major, minor), "dm")
	if _, err := os.Stat(dmDir); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("metadata: probe %s: %w", dmDir, err)
	}
	return false, nil
}

// PVCreateParams configures pv_create (spec.md §3 PV lifecycle).
type PVCreateParams struct {
	DevicePath  string
	PEStartSect uint64 // 0 selects minPEStartSect
	PESizeSect  uint64
	AllowDM     bool
}

// PVCreate validates path via resolver and constructs an orphan PV
// (spec.md §3 "created by pv_create"). The PV is not attached to any VG.
func PVCreate(resolver DeviceResolver, params PVCreateParams) (*PV, error) {
	isDM, err := resolver.IsDeviceMapper(params.DevicePath)
	if err != nil {
		return nil, err
	}
	if isDM && !params.AllowDM {
		return nil, fmt.Errorf("%w: %s", ErrDeviceIsDM, params.DevicePath)
	}
	size, err := resolver.SizeSectors(params.DevicePath)
	if err != nil {
		return nil, err
	}

	peStart := params.PEStartSect
	if peStart == 0 {
		peStart = minPEStartSect
	}
	if peStart < minPEStartSect {
		return nil, fmt.Errorf("metadata: pe_start %d sectors is below the 1 MiB minimum", peStart)
	}
	peSize := params.PESizeSect
	if peSize == 0 {
		return nil, errors.New("metadata: pe_size must be nonzero")
	}
	if size <= peStart {
		return nil, fmt.Errorf("metadata: device %s (%d sectors) too small for pe_start %d", params.DevicePath, size, peStart)
	}

	id, err := NewID()
	if err != nil {
		return nil, err
	}
	peCount := (size - peStart) / peSize
	return &PV{
		ID:         id,
		DevicePath: params.DevicePath,
		SizeSect:   size,
		PEStart:    peStart,
		PESize:     peSize,
		PECount:    uint32(peCount),
		Status:     PVAllocatable,
		Tags:       map[string]struct{}{},
	}, nil
}

// VGExtend attaches pv to vg (spec.md §3 "attached to a VG by
// vg_extend"). It fails if pv already belongs to a VG.
func VGExtend(vg *VG, pv *PV) error {
	if pv.VG != nil {
		return fmt.Errorf("metadata: pv %s already belongs to vg %q", pv.DevicePath, pv.VG.Name)
	}
	pv.VG = vg
	vg.AddPV(pv)
	return nil
}

// VGReduce detaches pv from vg (spec.md §3 "detached by vg_reduce"). It
// fails if pv has allocated extents.
func VGReduce(vg *VG, pv *PV) error {
	if pv.PEAlloc > 0 {
		return fmt.Errorf("%w: pv %s has %d allocated extents", ErrLVAllocated, pv.DevicePath, pv.PEAlloc)
	}
	vg.RemovePV(pv)
	pv.VG = nil
	return nil
}

// PVRemove destroys an orphan PV (spec.md §3 "destroyed by pv_remove,
// which requires no allocated extents").
func PVRemove(pv *PV) error {
	if pv.VG != nil {
		return fmt.Errorf("metadata: pv %s still belongs to vg %q", pv.DevicePath, pv.VG.Name)
	}
	if pv.PEAlloc > 0 {
		return fmt.Errorf("%w: pv %s", ErrLVAllocated, pv.DevicePath)
	}
	return nil
}
