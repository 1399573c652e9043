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
	"fmt"

	"github.com/lvmteam/lvm2go/pkg/radix"
)

// Prefetch starts an async read for (di, index) if it is not already
// cached and the in-flight I/O count is under max_io. It is best-effort
// and returns immediately; errors are logged, not returned.
func (c *Cache) Prefetch(di DeviceID, index uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nrIOPending >= c.maxIO {
		return
	}
	if _, ok := c.lookupLocked(di, index); ok {
		return
	}
	b := c.newBlockLocked(di, index, false)
	if b == nil {
		return
	}
	if err := c.issueReadLocked(b); err != nil {
		c.log.WithError(err).Warn("bcache: prefetch issue failed")
		return
	}
	c.stats.Prefetches++
}

func (c *Cache) lookupLocked(di DeviceID, index uint64) (*Block, bool) {
	v, ok := c.index.Lookup(cacheKey(di, index))
	if !ok {
		return nil, false
	}
	return v.Ptr.(*Block), true
}

// Get returns the block for (di, index), blocking until it is available.
// On a cache miss it allocates a block and issues (or, with GF_ZERO,
// synthesizes) its content before returning. The caller must call Put
// exactly once for each successful Get.
func (c *Cache) Get(di DeviceID, index uint64, flags GetFlags) (*Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.lookupLocked(di, index); ok {
		if flags&GF_DIRTY != 0 && b.refCount > 0 {
			return nil, fmt.Errorf("%w: block (%d,%d) already held, cannot take a writer", ErrInvalidArgument, di, index)
		}
		if b.hasFlag(flagIOPending) {
			if err := c.waitForLocked(b); err != nil {
				return nil, err
			}
		}
		if b.err != nil {
			c.stats.ReadMisses++
			return nil, fmt.Errorf("%w: block (%d,%d)", ErrPersistentReadError, di, index)
		}
		b.refCount++
		if flags&GF_DIRTY != 0 {
			c.markDirtyLocked(b)
			c.stats.WriteHits++
		} else {
			c.stats.ReadHits++
		}
		return b, nil
	}

	b := c.newBlockLocked(di, index, true)
	if b == nil {
		return nil, fmt.Errorf("bcache: out of memory allocating block (%d,%d)", di, index)
	}

	if flags&GF_ZERO != 0 {
		b.zeroData()
		c.move(b, stateDirty)
		b.setFlag(flagDirty)
		c.stats.WriteZeroes++
	} else {
		if err := c.issueReadLocked(b); err != nil {
			return nil, err
		}
		if err := c.waitForLocked(b); err != nil {
			return nil, err
		}
		if b.err != nil {
			c.abortBlockLocked(b)
			c.stats.ReadMisses++
			return nil, fmt.Errorf("%w: block (%d,%d): %v", ErrPersistentReadError, di, index, b.err)
		}
		c.stats.ReadMisses++
		if flags&GF_DIRTY != 0 {
			c.markDirtyLocked(b)
		}
	}
	b.refCount++
	return b, nil
}

func (c *Cache) markDirtyLocked(b *Block) {
	if !b.hasFlag(flagDirty) {
		b.setFlag(flagDirty)
		c.move(b, stateDirty)
	}
}

// issueReadLocked submits a read for b and marks it IO_PENDING.
func (c *Cache) issueReadLocked(b *Block) error {
	fd, ok := c.fdFor(b.di)
	if !ok {
		return fmt.Errorf("%w: device id %d is not registered", ErrInvalidArgument, b.di)
	}
	b.setFlag(flagIOPending)
	c.move(b, stateIOPending)
	b.writeDir = false
	sb := b.index * c.blockSectors
	se := sb + c.blockSectors
	return c.engine.Issue(DirRead, b.di, fd, sb, se, b.Data, b)
}

// issueWriteLocked submits a write for b, clamped per SetLastByte, and
// marks it IO_PENDING.
func (c *Cache) issueWriteLocked(b *Block) error {
	fd, ok := c.fdFor(b.di)
	if !ok {
		return fmt.Errorf("%w: device id %d is not registered", ErrInvalidArgument, b.di)
	}
	sb := b.index * c.blockSectors
	se := sb + c.blockSectors
	se, err := c.clampLocked(b.di, sb, se)
	if err != nil {
		return err
	}
	b.setFlag(flagIOPending)
	c.move(b, stateIOPending)
	b.writeDir = true
	return c.engine.Issue(DirWrite, b.di, fd, sb, se, b.Data, b)
}

// waitForLocked blocks until b's own I/O completes, processing whatever
// other completions arrive along the way (spec.md: "waits for that
// specific block").
func (c *Cache) waitForLocked(b *Block) error {
	for b.hasFlag(flagIOPending) {
		c.mu.Unlock()
		err := c.engine.Wait(func(ctx interface{}, ioErr error) {
			cb := ctx.(*Block)
			c.mu.Lock()
			c.completeLocked(cb, ioErr)
			c.mu.Unlock()
		})
		c.mu.Lock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) completeLocked(b *Block, err error) {
	wasWrite := b.writeDir
	b.clearFlag(flagIOPending)
	b.err = err
	if err != nil {
		c.move(b, stateErrored)
		c.log.WithError(err).WithField("write", wasWrite).Warn("bcache: I/O completed with error")
		return
	}
	if wasWrite {
		b.clearFlag(flagDirty)
		c.move(b, stateClean)
	} else {
		c.move(b, stateClean)
	}
}

// Put releases a reference taken by Get. If the block is now unheld and
// dirty, a preemptive writeback may be triggered based on the cache's
// watermarks (spec.md §4.B "Eviction and allocation").
func (c *Cache) Put(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.refCount <= 0 {
		panic("bcache: Put on a block with refCount <= 0")
	}
	b.refCount--
	if b.refCount == 0 && b.hasFlag(flagDirty) {
		c.maybeWritebackLocked()
	}
}

// maybeWritebackLocked implements "when (cache_blocks − (dirty −
// io_pending)) < 33% × cache_blocks, issue writes until the number of
// clean+free reaches 66%".
func (c *Cache) maybeWritebackLocked() {
	lowWater := c.nrBlocks / 3
	highWater := (c.nrBlocks * 2) / 3
	if c.nrBlocks-(c.nrDirty-c.nrIOPending) >= lowWater {
		return
	}
	for c.cleanList.Len()+c.freeList.Len() < highWater {
		if !c.writebackOneLocked() {
			break
		}
	}
}

// writebackOneLocked issues a write for the first unheld dirty block, if
// any, and reports whether one was found.
func (c *Cache) writebackOneLocked() bool {
	for e := c.dirtyList.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Block)
		if b.refCount == 0 && !b.hasFlag(flagIOPending) {
			if err := c.issueWriteLocked(b); err != nil {
				c.log.WithError(err).Warn("bcache: writeback issue failed")
				continue
			}
			return true
		}
	}
	return false
}

// Flush writes every DIRTY and previously-errored block, moving errored
// entries back to dirty to retry. It returns true iff the errored list
// is empty afterward.
func (c *Cache) Flush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Cache) flushLocked() bool {
	for e := c.erroredList.Front(); e != nil; {
		next := e.Next()
		b := e.Value.(*Block)
		c.move(b, stateDirty)
		b.setFlag(flagDirty)
		e = next
	}
	pendingWrites := 0
	for e := c.dirtyList.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Block)
		if b.hasFlag(flagIOPending) {
			continue
		}
		if err := c.issueWriteLocked(b); err != nil {
			c.log.WithError(err).Warn("bcache: flush issue failed")
			continue
		}
		pendingWrites++
	}
	for c.nrIOPending > 0 {
		c.mu.Unlock()
		err := c.engine.Wait(func(ctx interface{}, ioErr error) {
			cb := ctx.(*Block)
			c.mu.Lock()
			c.completeLocked(cb, ioErr)
			c.mu.Unlock()
		})
		c.mu.Lock()
		if err != nil {
			c.log.WithError(err).Warn("bcache: flush wait failed")
			break
		}
	}
	return c.erroredList.Len() == 0
}

// Invalidate removes the cached block for (di, index). It fails if the
// block is held; a dirty block is flushed first, then rechecked.
func (c *Cache) Invalidate(di DeviceID, index uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.lookupLocked(di, index)
	if !ok {
		return nil
	}
	return c.invalidateBlockLocked(b)
}

func (c *Cache) invalidateBlockLocked(b *Block) error {
	if b.hasFlag(flagDirty) {
		if err := c.issueWriteLocked(b); err == nil {
			c.waitForLocked(b)
		}
	}
	if b.refCount > 0 {
		return fmt.Errorf("bcache: cannot invalidate a held block (%d,%d)", b.di, b.index)
	}
	if b.hasFlag(flagDirty) || b.err != nil {
		return fmt.Errorf("bcache: block (%d,%d) is still dirty or errored after flush", b.di, b.index)
	}
	c.index.Remove(cacheKey(b.di, b.index))
	c.move(b, stateFree)
	return nil
}

// InvalidateDI removes every cached block for di. It fails, leaving the
// cache unchanged, if any matching block is held. It also fails if a
// block remains dirty after being flushed; blocks invalidated before that
// one stay invalidated.
func (c *Cache) InvalidateDI(di DeviceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	blocks := c.blocksForLocked(di)
	for _, b := range blocks {
		if b.refCount > 0 {
			return fmt.Errorf("bcache: cannot invalidate device %d: block %d is held", di, b.index)
		}
	}
	for _, b := range blocks {
		if err := c.invalidateBlockLocked(b); err != nil {
			return err
		}
	}
	return nil
}

// AbortDI drops every cached block for di regardless of dirty state,
// after waiting for any in-flight I/O on them. Used after an
// unrecoverable device error.
func (c *Cache) AbortDI(di DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocksForLocked(di) {
		c.abortBlockLocked(b)
	}
}

func (c *Cache) abortBlockLocked(b *Block) {
	for b.hasFlag(flagIOPending) {
		c.waitForLocked(b)
	}
	c.index.Remove(cacheKey(b.di, b.index))
	b.clearFlag(flagDirty)
	b.err = nil
	c.move(b, stateFree)
}

func (c *Cache) blocksForLocked(di DeviceID) []*Block {
	var out []*Block
	prefix := make([]byte, 4)
	putU32(prefix, uint32(di))
	c.index.Iterate(prefix, func(_ []byte, v radix.Value) bool {
		out = append(out, v.Ptr.(*Block))
		return true
	})
	return out
}

// newBlockLocked implements spec.md's _new_block allocation order: free
// list, then an unheld clean block, then (if canWait) writeback and
// retry, aborting if the errored list has grown to >= max_io.
func (c *Cache) newBlockLocked(di DeviceID, index uint64, canWait bool) *Block {
	for {
		var b *Block
		if e := c.freeList.Front(); e != nil {
			b = e.Value.(*Block)
			c.unlink(b)
		} else if b = c.evictCleanLocked(); b != nil {
			// already unlinked by evictCleanLocked
		} else {
			if !canWait {
				return nil
			}
			if c.erroredList.Len() >= c.maxIO {
				return nil
			}
			wrote := 0
			for e := c.dirtyList.Front(); e != nil && wrote < writebackBatch; e = e.Next() {
				cand := e.Value.(*Block)
				if cand.refCount == 0 && !cand.hasFlag(flagIOPending) {
					if c.issueWriteLocked(cand) == nil {
						wrote++
					}
				}
			}
			if wrote == 0 && c.nrIOPending == 0 {
				// Nothing left to reclaim.
				return nil
			}
			c.mu.Unlock()
			err := c.engine.Wait(func(ctx interface{}, ioErr error) {
				cb := ctx.(*Block)
				c.mu.Lock()
				c.completeLocked(cb, ioErr)
				c.mu.Unlock()
			})
			c.mu.Lock()
			if err != nil {
				return nil
			}
			continue
		}

		b.di = di
		b.index = index
		b.err = nil
		b.flags = 0
		key := cacheKey(di, index)
		if !c.index.Insert(key, radix.PtrValue(b)) {
			c.link(b, stateFree)
			return nil
		}
		return b
	}
}

// evictCleanLocked returns and unlinks the first unheld clean block, if
// any, removing it from the index.
func (c *Cache) evictCleanLocked() *Block {
	for e := c.cleanList.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Block)
		if b.refCount == 0 {
			c.unlink(b)
			c.index.Remove(cacheKey(b.di, b.index))
			return b
		}
	}
	return nil
}
