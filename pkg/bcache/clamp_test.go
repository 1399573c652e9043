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

package bcache

import "testing"

func newClampTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Create(Config{BlockSectors: pageSectors(), NrBlocks: 4, Engine: newMockEngine()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

// TestClampStartExactlyAtBoundaryIsValid is spec.md §8's boundary case:
// a write whose start lands exactly on the last valid byte is a
// legitimate zero-length clamp, not an error (spec.md §4.B "if the write
// start exceeds the clamp, the operation fails" — equal is not exceeds).
func TestClampStartExactlyAtBoundaryIsValid(t *testing.T) {
	c := newClampTestCache(t)
	di := DeviceID(0)
	blockSectors := pageSectors()

	// One block's worth of sectors, clamp offset set exactly at the
	// start of the write range.
	sb, se := blockSectors, 2*blockSectors
	c.SetLastByte(di, sb*SectorSize, SectorSize)

	end, err := c.clampLocked(di, sb, se)
	if err != nil {
		t.Fatalf("clampLocked at the exact boundary: %v", err)
	}
	if end != sb {
		t.Fatalf("clampLocked returned end sector %d, want %d (zero-length write)", end, sb)
	}
}

// TestClampStartPastBoundaryFails covers the still-rejected case: the
// start sector strictly past the clamp.
func TestClampStartPastBoundaryFails(t *testing.T) {
	c := newClampTestCache(t)
	di := DeviceID(0)
	blockSectors := pageSectors()

	sb, se := blockSectors, 2*blockSectors
	c.SetLastByte(di, sb*SectorSize-1, SectorSize)

	if _, err := c.clampLocked(di, sb, se); err == nil {
		t.Fatal("expected an error: write start is past the last valid byte")
	}
}

// TestClampRoundsUpToSectorMultiple is spec.md §8's "metadata area whose
// last valid byte is not a multiple of sector size" boundary case.
func TestClampRoundsUpToSectorMultiple(t *testing.T) {
	c := newClampTestCache(t)
	di := DeviceID(0)

	// A single block [0, blockBytes). Clamp the last valid byte to a
	// non-sector-aligned offset inside it.
	blockSectors := pageSectors()
	blockBytes := blockSectors * SectorSize
	clampOffset := blockBytes - SectorSize + 100 // not a multiple of 512
	c.SetLastByte(di, clampOffset, SectorSize)

	end, err := c.clampLocked(di, 0, blockSectors)
	if err != nil {
		t.Fatalf("clampLocked: %v", err)
	}
	gotBytes := end * SectorSize
	if gotBytes < clampOffset {
		t.Fatalf("clamp rounded down to %d, want at least the clamp offset %d", gotBytes, clampOffset)
	}
	if gotBytes%SectorSize != 0 {
		t.Fatalf("clamp produced a non-sector-aligned length %d", gotBytes)
	}
	if gotBytes > blockBytes {
		t.Fatalf("clamp rounded past the original block size: %d > %d", gotBytes, blockBytes)
	}
}

// TestClampNoopWithoutConfiguredClamp checks that a device with no
// SetLastByte call passes writes through unchanged.
func TestClampNoopWithoutConfiguredClamp(t *testing.T) {
	c := newClampTestCache(t)
	di := DeviceID(1)
	blockSectors := pageSectors()

	end, err := c.clampLocked(di, 0, blockSectors)
	if err != nil {
		t.Fatalf("clampLocked: %v", err)
	}
	if end != blockSectors {
		t.Fatalf("clampLocked with no clamp configured = %d, want %d (unchanged)", end, blockSectors)
	}
}
