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

// Package bcache implements a fixed-size, page-aligned, asynchronous
// block cache over one or more registered file descriptors, used for
// every metadata read/write in the core (spec.md §2.B, §4.B).
//
// Lock order: Cache.mu guards every field below except the per-block
// data buffer, which callers may read/write freely between Get and Put
// (the cache guarantees at most one writer holds a block at a time via
// refCount/writer bookkeeping, not via a data-level lock). Completion
// callbacks run only inside Wait and must not call back into Get/Put/
// Flush — they only move blocks between lists.
package bcache

import (
	"container/list"
	"errors"
	"fmt"
)

// Sector size in bytes, the fixed unit spec.md expresses offsets in.
const SectorSize = 512

// MaxIO is the default in-flight submission limit the engines in this
// package report from MaxIO (spec.md §5). The cache itself uses whatever
// its engine reports, reduced to the block count when that is smaller.
const MaxIO = 256

var (
	// ErrInvalidArgument covers misaligned buffers, zero sizes, and
	// block sizes that are not a multiple of the page size.
	ErrInvalidArgument = errors.New("bcache: invalid argument")
	// ErrPersistentReadError is returned by Get when the device has a
	// block recycled due to an earlier unrecoverable read failure.
	ErrPersistentReadError = errors.New("bcache: persistent read error")
)

// GetFlags controls Get's behavior on a cache miss or on an existing
// cached block.
type GetFlags uint32

const (
	// GF_ZERO fills a newly allocated block with zeros and marks it
	// DIRTY instead of issuing a read.
	GF_ZERO GetFlags = 1 << iota
	// GF_DIRTY marks the block DIRTY once obtained; used when the
	// caller intends to overwrite the block in place.
	GF_DIRTY
)

type blockFlags uint32

const (
	flagIOPending blockFlags = 1 << iota
	flagDirty
)

// listState names the single list a Block may be linked into. A Block is
// always in exactly one of these (spec.md §8 "Cache list discipline").
type listState int

const (
	stateFree listState = iota
	stateClean
	stateDirty
	stateIOPending
	stateErrored
)

// Block is the unit of caching: one block-sized, page-aligned buffer
// for a single (device-id, block-index) pair.
type Block struct {
	cache *Cache
	di    DeviceID
	index uint64 // in units of block-sectors

	Data []byte

	refCount int
	err      error
	writeDir bool // true if the last issued I/O on this block was a write
	flags    blockFlags
	state    listState
	elem     *list.Element
}

// DeviceID returns the device this block belongs to.
func (b *Block) DeviceID() DeviceID { return b.di }

// Index returns the block's index within its device, in block-sectors.
func (b *Block) Index() uint64 { return b.index }

func cacheKey(di DeviceID, index uint64) []byte {
	k := make([]byte, 4+8)
	putU32(k[0:4], uint32(di))
	putU64(k[4:12], index)
	return k
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

func (c *Cache) unlink(b *Block) {
	switch b.state {
	case stateFree:
		c.freeList.Remove(b.elem)
	case stateClean:
		c.cleanList.Remove(b.elem)
	case stateDirty:
		c.dirtyList.Remove(b.elem)
		c.nrDirty--
	case stateIOPending:
		c.ioPendingList.Remove(b.elem)
		c.nrIOPending--
	case stateErrored:
		c.erroredList.Remove(b.elem)
	}
	b.elem = nil
}

func (c *Cache) link(b *Block, s listState) {
	var l *list.List
	switch s {
	case stateFree:
		l = c.freeList
	case stateClean:
		l = c.cleanList
	case stateDirty:
		l = c.dirtyList
		c.nrDirty++
	case stateIOPending:
		l = c.ioPendingList
		c.nrIOPending++
	case stateErrored:
		l = c.erroredList
	default:
		panic(fmt.Sprintf("bcache: unknown list state %d", s))
	}
	b.state = s
	b.elem = l.PushBack(b)
}

// move unlinks b from its current list and relinks it onto s. Every
// state transition in this package goes through move so nrDirty and
// nrIOPending can never drift from list length (spec.md §8).
func (c *Cache) move(b *Block, s listState) {
	c.unlink(b)
	c.link(b, s)
}

func (b *Block) setFlag(f blockFlags)   { b.flags |= f }
func (b *Block) clearFlag(f blockFlags) { b.flags &^= f }
func (b *Block) hasFlag(f blockFlags) bool { return b.flags&f != 0 }

// zeroData fills the block's buffer with zero bytes.
func (b *Block) zeroData() { zero(b.Data) }

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
