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

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lvmteam/lvm2go/pkg/radix"
)

// fdTableGrowth is the increment the device-id registry grows by once
// full (spec.md §4.B "grows the registry in increments when full").
const fdTableGrowth = 16

// writebackBatch is the number of dirty blocks _new_block writes back
// in one eviction attempt (spec.md §4.B "issue a writeback of up to 16
// dirty blocks").
const writebackBatch = 16

// Config configures a new Cache. There is no package-level mutable
// state (spec.md §9): every knob that used to live in globals
// (_fd_table, _last_byte_*, _log_file) is a field here or on Cache.
type Config struct {
	// BlockSectors is the block size in 512-byte sectors; the block size
	// in bytes must be a multiple of the system page size.
	BlockSectors uint64
	NrBlocks     int
	Engine       IOEngine
	Log          *logrus.Entry
}

// Cache is a fixed-size, page-aligned block cache over multiple
// registered file descriptors (spec.md §4.B).
type Cache struct {
	mu sync.Mutex

	blockSectors uint64
	blockBytes   int
	nrBlocks     int
	engine       IOEngine
	maxIO        int
	log          *logrus.Entry

	index radix.Index

	freeList, cleanList, dirtyList, ioPendingList, erroredList *list.List
	nrDirty, nrIOPending                                       int

	fds       []*os.File
	lastByte  map[DeviceID]clampInfo

	stats Stats

	destroyed bool
}

// Create allocates a Cache of nrBlocks page-aligned buffers of
// blockSectors sectors each, backed by engine. It fails if blockSectors
// is zero, nrBlocks is zero, or blockSectors*SectorSize is not a
// multiple of the page size (spec.md §4.B).
func Create(cfg Config) (*Cache, error) {
	if cfg.BlockSectors == 0 {
		return nil, fmt.Errorf("%w: block_sectors must be nonzero", ErrInvalidArgument)
	}
	if cfg.NrBlocks == 0 {
		return nil, fmt.Errorf("%w: nr_blocks must be nonzero", ErrInvalidArgument)
	}
	blockBytes := int(cfg.BlockSectors) * SectorSize
	pageSize := os.Getpagesize()
	if blockBytes%pageSize != 0 {
		return nil, fmt.Errorf("%w: block_sectors*%d must be a multiple of the page size (%d)", ErrInvalidArgument, SectorSize, pageSize)
	}
	engine := cfg.Engine
	if engine == nil {
		engine = NewSyncEngine()
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Cache{
		blockSectors:  cfg.BlockSectors,
		blockBytes:    blockBytes,
		nrBlocks:      cfg.NrBlocks,
		engine:        engine,
		maxIO:         engine.MaxIO(),
		log:           log,
		index:         radix.NewAdaptive(),
		freeList:      list.New(),
		cleanList:     list.New(),
		dirtyList:     list.New(),
		ioPendingList: list.New(),
		erroredList:   list.New(),
		lastByte:      map[DeviceID]clampInfo{},
	}
	// "when nr_cache_blocks < max_io, the effective max_io is reduced."
	if c.nrBlocks < c.maxIO {
		c.maxIO = c.nrBlocks
	}

	for i := 0; i < cfg.NrBlocks; i++ {
		buf := allocAligned(blockBytes, pageSize)
		b := &Block{cache: c, Data: buf}
		c.link(b, stateFree)
	}
	c.stats.NrCacheBlocks = cfg.NrBlocks
	c.stats.BlockSectors = cfg.BlockSectors
	return c, nil
}

// Destroy flushes every dirty block and tears down the engine. It logs a
// warning (rather than failing) if any block is still held, since a
// caller bug elsewhere should not prevent process shutdown.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	if !c.flushLocked() {
		c.log.Warn("bcache: destroy: some blocks could not be flushed")
	}
	for _, l := range []*list.List{c.cleanList, c.dirtyList, c.erroredList, c.ioPendingList} {
		for e := l.Front(); e != nil; e = e.Next() {
			if e.Value.(*Block).refCount > 0 {
				c.log.Warn("bcache: destroy: a block is still held")
				break
			}
		}
	}
	c.engine.Destroy()
	c.destroyed = true
}

// SetFD registers fd and returns the DeviceID the cache will use for it,
// growing the registry by fdTableGrowth slots when full.
func (c *Cache) SetFD(fd *os.File) DeviceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, slot := range c.fds {
		if slot == nil {
			c.fds[i] = fd
			return DeviceID(i)
		}
	}
	start := len(c.fds)
	c.fds = append(c.fds, make([]*os.File, fdTableGrowth)...)
	c.fds[start] = fd
	return DeviceID(start)
}

// ClearFD unregisters di. Any cached blocks for di are left in the
// cache; callers that want them dropped should AbortDI first.
func (c *Cache) ClearFD(di DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(di) < len(c.fds) {
		c.fds[di] = nil
	}
	delete(c.lastByte, di)
}

// ChangeFD swaps the file descriptor registered for di, e.g. after a
// device is reopened. Cached blocks for di are preserved.
func (c *Cache) ChangeFD(di DeviceID, fd *os.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(di) < len(c.fds) {
		c.fds[di] = fd
	}
}

func (c *Cache) fdFor(di DeviceID) (int, bool) {
	if int(di) >= len(c.fds) || c.fds[di] == nil {
		return 0, false
	}
	return int(c.fds[di].Fd()), true
}

// allocAligned returns a page-aligned slice of exactly n bytes.
func allocAligned(n, pageSize int) []byte {
	buf := make([]byte, n+pageSize)
	off := 0
	if r := uintptrOf(buf) % uintptr(pageSize); r != 0 {
		off = pageSize - int(r)
	}
	return buf[off : off+n]
}
