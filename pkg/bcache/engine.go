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
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// isPageAligned reports whether buf's backing array starts on a page
// boundary, the alignment the engine contract requires of every I/O
// buffer (spec.md §4.B).
func isPageAligned(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))%uintptr(os.Getpagesize()) == 0
}

// DeviceID is a small integer the cache assigns when a file descriptor
// is registered; it is the first component of every cache key.
type DeviceID uint32

// Dir names the direction of an I/O submission.
type Dir int

const (
	DirRead Dir = iota
	DirWrite
)

// maxEventsPerWait bounds how many completions Wait batches in one call,
// mirroring the libaio io_getevents batch size spec.md §4.B names.
const maxEventsPerWait = 64

// Completion is delivered once per finished submission via the callback
// passed to Wait.
type Completion struct {
	Ctx interface{}
	Err error
}

// IOEngine is the async I/O backend contract (spec.md §4.B "Async engine
// contract"). Issue submits exactly one I/O covering sectors [sb, se) on
// device di; buf must be page-aligned. Wait blocks until at least one
// submission completes and invokes completionFn once per completion
// ready, batching up to maxEventsPerWait per call.
type IOEngine interface {
	Issue(dir Dir, di DeviceID, fd int, sb, se uint64, buf []byte, ioCtx interface{}) error
	Wait(completionFn func(ctx interface{}, err error)) error
	MaxIO() int
	Destroy()
}

// errShortRead mirrors the engine contract's -ENODATA for a short read
// below one sector.
var errShortRead = fmt.Errorf("bcache: short read below one sector")

// syncEngine performs pread/pwrite directly in Issue and defers the
// completion callback to Wait, per spec.md "the synchronous
// implementation performs pread/pwrite in the issue call".
type syncEngine struct {
	mu      sync.Mutex
	pending []Completion
}

// NewSyncEngine returns an IOEngine that performs I/O synchronously
// inside Issue, for callers (tests, or hosts without a real async I/O
// facility) that don't need true concurrency.
func NewSyncEngine() IOEngine { return &syncEngine{} }

func (e *syncEngine) Issue(dir Dir, di DeviceID, fd int, sb, se uint64, buf []byte, ioCtx interface{}) error {
	if !isPageAligned(buf) {
		return fmt.Errorf("%w: buffer is not page-aligned", ErrInvalidArgument)
	}
	off := int64(sb) * SectorSize
	want := int((se - sb) * SectorSize)
	var ioErr error
	switch dir {
	case DirRead:
		n, err := unix.Pread(fd, buf[:want], off)
		if err != nil {
			ioErr = err
		} else if n < SectorSize {
			ioErr = errShortRead
		}
	case DirWrite:
		_, err := unix.Pwrite(fd, buf[:want], off)
		ioErr = err
	}
	e.mu.Lock()
	e.pending = append(e.pending, Completion{Ctx: ioCtx, Err: ioErr})
	e.mu.Unlock()
	return nil
}

func (e *syncEngine) Wait(completionFn func(ctx interface{}, err error)) error {
	e.mu.Lock()
	batch := e.pending
	if len(batch) > maxEventsPerWait {
		e.pending = batch[maxEventsPerWait:]
		batch = batch[:maxEventsPerWait]
	} else {
		e.pending = nil
	}
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	for _, c := range batch {
		completionFn(c.Ctx, c.Err)
	}
	return nil
}

func (e *syncEngine) MaxIO() int { return MaxIO }

func (e *syncEngine) Destroy() {}

// asyncEngine dispatches each submission to a worker goroutine, bounded
// by a semaphore standing in for libaio's submission queue depth. This
// is the "fork safety" boundary spec.md calls out: an asyncEngine
// created in one process must not be torn down by Destroy in a
// different one (we track the creating pid and skip the real cleanup
// when they differ, exactly as the kernel io_destroy equivalent must
// not be invoked cross-process).
type asyncEngine struct {
	sem       *semaphore.Weighted
	maxIO     int
	createdIn int

	mu        sync.Mutex
	cond      *sync.Cond
	completed []Completion
}

// NewAsyncEngine returns an IOEngine that issues I/O from a bounded pool
// of goroutines, each performing a single pread/pwrite, completing
// asynchronously with respect to Issue.
func NewAsyncEngine(maxIO int) IOEngine {
	if maxIO <= 0 {
		maxIO = MaxIO
	}
	e := &asyncEngine{
		sem:       semaphore.NewWeighted(int64(maxIO)),
		maxIO:     maxIO,
		createdIn: os.Getpid(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *asyncEngine) Issue(dir Dir, di DeviceID, fd int, sb, se uint64, buf []byte, ioCtx interface{}) error {
	if !isPageAligned(buf) {
		return fmt.Errorf("%w: buffer is not page-aligned", ErrInvalidArgument)
	}
	if err := e.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	go func() {
		defer e.sem.Release(1)
		off := int64(sb) * SectorSize
		want := int((se - sb) * SectorSize)
		var ioErr error
		switch dir {
		case DirRead:
			n, err := unix.Pread(fd, buf[:want], off)
			if err != nil {
				ioErr = err
			} else if n < SectorSize {
				ioErr = errShortRead
			}
		case DirWrite:
			_, err := unix.Pwrite(fd, buf[:want], off)
			ioErr = err
		}
		e.mu.Lock()
		e.completed = append(e.completed, Completion{Ctx: ioCtx, Err: ioErr})
		e.cond.Signal()
		e.mu.Unlock()
	}()
	return nil
}

func (e *asyncEngine) Wait(completionFn func(ctx interface{}, err error)) error {
	e.mu.Lock()
	for len(e.completed) == 0 {
		e.cond.Wait()
	}
	batch := e.completed
	if len(batch) > maxEventsPerWait {
		e.completed = batch[maxEventsPerWait:]
		batch = batch[:maxEventsPerWait]
	} else {
		e.completed = nil
	}
	e.mu.Unlock()
	for _, c := range batch {
		completionFn(c.Ctx, c.Err)
	}
	return nil
}

func (e *asyncEngine) MaxIO() int { return e.maxIO }

func (e *asyncEngine) Destroy() {
	if os.Getpid() != e.createdIn {
		// Fork safety: never invoke real teardown from a different
		// process than the one that created this engine.
		return
	}
}
