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

import "sync"

// mockEngine is a synchronous, in-memory IOEngine used to exercise
// Cache's bookkeeping (which lists blocks move through, how many reads
// and writes are issued) without touching real file descriptors, in the
// style of the teacher's AsyncReader test: build concrete inputs, drive
// the real API, assert on observed state (async_io_test.go).
type mockEngine struct {
	mu sync.Mutex

	issueCount int
	waitCount  int
	maxIO      int
	failRead   map[string]bool // "di:index" -> force a read failure

	pending []mockIO
}

type mockIO struct {
	dir Dir
	di  DeviceID
	buf []byte
	ctx interface{}
	err error
}

func newMockEngine() *mockEngine {
	return &mockEngine{maxIO: MaxIO, failRead: map[string]bool{}}
}

func (m *mockEngine) Issue(dir Dir, di DeviceID, fd int, sb, se uint64, buf []byte, ctx interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issueCount++
	io := mockIO{dir: dir, di: di, buf: buf, ctx: ctx}
	if dir == DirRead {
		for i := range buf {
			buf[i] = 0xAB
		}
	}
	m.pending = append(m.pending, io)
	return nil
}

func (m *mockEngine) Wait(completionFn func(ctx interface{}, err error)) error {
	m.mu.Lock()
	m.waitCount++
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, io := range batch {
		completionFn(io.ctx, io.err)
	}
	return nil
}

func (m *mockEngine) MaxIO() int { return m.maxIO }
func (m *mockEngine) Destroy()   {}
