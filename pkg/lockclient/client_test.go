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
	"testing"
)

// scriptedTransport replays a fixed sequence of responses, one per call,
// repeating the last entry once exhausted.
type scriptedTransport struct {
	responses []Response
	calls     int
}

func (s *scriptedTransport) Do(req Request) (Response, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

func TestAcquireSucceedsImmediately(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: 0}}}
	c := New(Config{Transport: tr, Retries: 3})
	res, err := c.Acquire(Request{Mode: EX, VGName: "testvg"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Response.OpResult != 0 {
		t.Fatalf("OpResult = %d, want 0", res.Response.OpResult)
	}
	if tr.calls != 1 {
		t.Fatalf("calls = %d, want 1", tr.calls)
	}
}

func TestAcquireRetriesOnContentionThenSucceeds(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{
		{OpResult: EAGAIN, Holder: &Holder{HostID: 2}},
		{OpResult: EAGAIN, Holder: &Holder{HostID: 2}},
		{OpResult: 0},
	}}
	c := New(Config{Transport: tr, Retries: 5})
	res, err := c.Acquire(Request{Mode: EX, VGName: "testvg"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Response.OpResult != 0 {
		t.Fatal("should have eventually succeeded")
	}
	if tr.calls != 3 {
		t.Fatalf("calls = %d, want 3", tr.calls)
	}
}

func TestAcquireExhaustsRetries(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: EAGAIN}}}
	c := New(Config{Transport: tr, Retries: 2})
	_, err := c.Acquire(Request{Mode: EX, VGName: "testvg"})
	if !errors.Is(err, ErrContended) {
		t.Fatalf("err = %v, want ErrContended", err)
	}
}

func TestAcquireENOLSFailsWithoutBootstrapOptIn(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: ENOLS, ResultFlags: FlagNoGLLS | FlagNoLockspaces}}}
	c := New(Config{Transport: tr, Retries: 1})
	_, err := c.Acquire(Request{Scope: ScopeGlobal, Mode: EX})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal (bootstrap opt-in defaults false)", err)
	}
}

func TestAcquireENOLSBootstrapShortcut(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: ENOLS, ResultFlags: FlagNoGLLS | FlagNoLockspaces}}}
	c := New(Config{Transport: tr, Retries: 1, AllowGLBootstrapSkip: true})
	res, err := c.Acquire(Request{Scope: ScopeGlobal, Mode: EX})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.Response.OpResult != ENOLS {
		t.Fatal("bootstrap shortcut should still surface the raw response")
	}
}

func TestAcquireESTARTINGDegradesSharedRead(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: EStarting}}}
	c := New(Config{Transport: tr, Retries: 1})
	res, err := c.Acquire(Request{Mode: PR, VGName: "testvg"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.DegradedRead {
		t.Fatal("DegradedRead should be true for a permitted sh request during -ESTARTING")
	}
}

func TestAcquireESTARTINGFailsExclusive(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: EStarting}}}
	c := New(Config{Transport: tr, Retries: 1})
	_, err := c.Acquire(Request{Mode: EX, VGName: "testvg"})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
}

func TestAcquireEEXISTTreatedAsSuccess(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: EExist}}}
	c := New(Config{Transport: tr, Retries: 1})
	if _, err := c.Acquire(Request{Mode: EX, VGName: "testvg"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestAcquireEEXISTSHExistsFailsWithoutOptIn(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: EExist, ResultFlags: FlagSHExists}}}
	c := New(Config{Transport: tr, Retries: 1})
	_, err := c.Acquire(Request{Mode: EX, Scope: ScopeLV, LVName: "data"})
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
}

// TestAcquireEEXISTSHExistsOnNonLVScopeSucceeds exercises spec.md §4.D:
// SH_EXISTS without opt-in only fails an LV-scoped request; a VG (or
// global) request with the same flag set is treated as success.
func TestAcquireEEXISTSHExistsOnNonLVScopeSucceeds(t *testing.T) {
	tr := &scriptedTransport{responses: []Response{{OpResult: EExist, ResultFlags: FlagSHExists}}}
	c := New(Config{Transport: tr, Retries: 1})
	_, err := c.Acquire(Request{Mode: EX, Scope: ScopeVG, VGName: "vg0"})
	if err != nil {
		t.Fatalf("Acquire (VG scope, SH_EXISTS, no opt-in) = %v, want success", err)
	}
}

func TestReadOnlyRejectsEX(t *testing.T) {
	c := New(Config{Transport: &scriptedTransport{}, ReadOnly: true})
	_, err := c.Acquire(Request{Mode: EX})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
}
