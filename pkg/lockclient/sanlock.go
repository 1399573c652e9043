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
	"fmt"
)

// LockLVName is the hidden LV sanlock leases are stored on (spec.md
// §4.D "Sanlock LV bootstrap").
const LockLVName = "lvmlock"

// AlignSize is the configured sanlock alignment, in MiB (1, 2, 4, or 8).
type AlignSize int

const (
	Align1MiB AlignSize = 1
	Align2MiB AlignSize = 2
	Align4MiB AlignSize = 4
	Align8MiB AlignSize = 8
)

// ErrBadAlignSize is returned when AlignSize is not one of 1/2/4/8.
var ErrBadAlignSize = errors.New("lockclient: sanlock_align_size must be 1, 2, 4, or 8 MiB")

const mib = 1 << 20

// LockLVSizeMiB returns the lvmlock LV size in MiB for a brand-new
// sanlock VG, per spec.md §4.D: 256 MiB for 512-byte sectors, or
// 256/512/1024 MiB for 4K sectors depending on align (1/2 → 256,
// 4 → 512, 8 → 1024), rounded up to a multiple of 8 MiB (trivially true
// of all of these).
func LockLVSizeMiB(sectorBytes int, align AlignSize) (int, error) {
	if err := validateAlign(align); err != nil {
		return 0, err
	}
	if sectorBytes == 512 {
		return 256, nil
	}
	switch align {
	case Align1MiB, Align2MiB:
		return 256, nil
	case Align4MiB:
		return 512, nil
	default: // Align8MiB
		return 1024, nil
	}
}

// ExtendLockLVForExistingLVs returns the additional MiB to add to the
// lvmlock LV when converting an existing VG to sanlock, per existing LV
// (spec.md §4.D: "add 1 MiB per existing LV (or 8 MiB per LV for 4K
// sectors)").
func ExtendLockLVForExistingLVs(sectorBytes int, existingLVs int) int {
	if sectorBytes == 512 {
		return existingLVs * 1
	}
	return existingLVs * 8
}

// HostIDRange returns the valid [1, max] host_id range for align on a
// device with the given sector size (spec.md §4.D).
func HostIDRange(sectorBytes int, align AlignSize) (max int, err error) {
	if err := validateAlign(align); err != nil {
		return 0, err
	}
	if sectorBytes != 4096 {
		return 2000, nil
	}
	switch align {
	case Align1MiB:
		return 250, nil
	case Align2MiB:
		return 500, nil
	case Align4MiB:
		return 1000, nil
	default: // Align8MiB
		return 2000, nil
	}
}

func validateAlign(a AlignSize) error {
	switch a {
	case Align1MiB, Align2MiB, Align4MiB, Align8MiB:
		return nil
	default:
		return fmt.Errorf("%w: got %d", ErrBadAlignSize, a)
	}
}

// roundUp8MiB rounds n (in MiB) up to a multiple of 8.
func roundUp8MiB(n int) int {
	if r := n % 8; r != 0 {
		return n + (8 - r)
	}
	return n
}

// DMRefresher re-reads device-mapper table metadata for an LV after its
// backing size changes. Modeled as an injected interface (spec.md §4.D
// "refresh dm") rather than a real ioctl, per SPEC_FULL.md's Non-goals
// note: activation/dm-table materialization is out of scope here.
type DMRefresher interface {
	Refresh(lvName string) error
}

// ZeroWriter writes length bytes of zero starting at byteOffset on the
// lvmlock LV, used to zero the newly-extended tail (spec.md §4.D "zero
// the newly-allocated tail in 1-MiB chunks"). pkg/bcache.Cache.WriteZeros
// does not satisfy it directly, since that method also takes a device id.
type ZeroWriter interface {
	WriteZeros(byteOffset, length uint64) error
}

// ErrLeaseExtendNeeded signals -EMSGSIZE from find_free_lock: the caller
// must extend the lvmlock LV and retry (spec.md §4.D "Before LV create").
var ErrLeaseExtendNeeded = errors.New("lockclient: no free lease slot, lvmlock lv needs extending")

const (
	// EMsgSize is the daemon code find_free_lock returns when no slot
	// is free (spec.md §4.D).
	EMsgSize = -90
	// DefaultLeaseExtendMiB is sanlock_lv_extend's default (spec.md §4.D).
	DefaultLeaseExtendMiB = 256
)

// FindFreeLock asks the daemon (via Transport) for a free lease slot for
// vgName on a sanlock VG; on -EMSGSIZE it extends the lvmlock LV by
// extendMiB (defaulting to DefaultLeaseExtendMiB), zeros the new tail in
// 1 MiB chunks via zw, asks dm to refresh, and retries once (spec.md
// §4.D).
func (c *Client) FindFreeLock(vgName string, currentSizeMiB int, extendMiB int, zw ZeroWriter, dm DMRefresher) (slotSizeMiB int, err error) {
	if extendMiB <= 0 {
		extendMiB = DefaultLeaseExtendMiB
	}
	req := Request{Command: "find_free_lock", Scope: ScopeVG, Mode: NL, VGName: vgName}
	resp, err := c.cfg.Transport.Do(req)
	if err != nil {
		return 0, fmt.Errorf("lockclient: find_free_lock: %w", err)
	}
	if resp.OpResult == 0 {
		return currentSizeMiB, nil
	}
	if resp.OpResult != EMsgSize {
		return 0, fmt.Errorf("%w: find_free_lock returned %d", ErrFatal, resp.OpResult)
	}

	newSize := roundUp8MiB(currentSizeMiB + extendMiB)
	for off := currentSizeMiB; off < newSize; off++ {
		if err := zw.WriteZeros(uint64(off)*mib, mib); err != nil {
			return 0, fmt.Errorf("lockclient: zeroing lvmlock tail at %d MiB: %w", off, err)
		}
	}
	if dm != nil {
		if err := dm.Refresh(LockLVName); err != nil {
			return 0, fmt.Errorf("lockclient: refreshing lvmlock lv: %w", err)
		}
	}

	resp, err = c.cfg.Transport.Do(req)
	if err != nil {
		return 0, fmt.Errorf("lockclient: find_free_lock retry: %w", err)
	}
	if resp.OpResult != 0 {
		return 0, fmt.Errorf("%w: find_free_lock still failing after extend: %d", ErrFatal, resp.OpResult)
	}
	return newSize, nil
}
