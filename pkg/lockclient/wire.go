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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Opts are the optional request flags spec.md §4.D names (spec.md
// §4.D "Request protocol").
type Opts struct {
	Adopt      bool
	AdoptOnly  bool
	NoDelay    bool
	Repair     bool
	Persistent bool
	Force      bool
	SHExistsOK bool
}

// Request is one request to the lock daemon (spec.md §4.D).
type Request struct {
	Command     string
	PID         int
	Scope       Scope
	Mode        Mode
	Opts        Opts
	VGName      string
	VGLockType  string
	VGLockArgs  string
	LVName      string
	LVUUID      string
	LVLockArgs  string
	PVPaths     []string // idm-mode VGs only
}

// Holder describes the current lock holder returned when a request is
// contended (spec.md §4.D).
type Holder struct {
	HostID     uint64
	Generation uint64
	Name       string
}

// ResultFlag is a bit in Response.ResultFlags (spec.md §4.D).
type ResultFlag uint32

const (
	FlagNoLockspaces ResultFlag = 1 << iota
	FlagNoGLLS
	FlagNoLM
	FlagDupGLLS
	FlagWarnGLRemoved
	FlagSHExists
)

var flagNames = map[string]ResultFlag{
	"NO_LOCKSPACES":   FlagNoLockspaces,
	"NO_GL_LS":        FlagNoGLLS,
	"NO_LM":           FlagNoLM,
	"DUP_GL_LS":       FlagDupGLLS,
	"WARN_GL_REMOVED": FlagWarnGLRemoved,
	"SH_EXISTS":       FlagSHExists,
}

// Response is the daemon's reply to a Request (spec.md §4.D).
type Response struct {
	OpResult    int
	ResultFlags ResultFlag
	Holder      *Holder
}

// Has reports whether flag is set in r.ResultFlags.
func (r Response) Has(flag ResultFlag) bool { return r.ResultFlags&flag != 0 }

// writeRequest encodes req as newline-terminated "key=value" lines
// followed by a blank line, the framing spec.md §6 calls out as the
// daemon's wire protocol.
func writeRequest(w io.Writer, req Request) error {
	bw := bufio.NewWriter(w)
	fields := map[string]string{
		"command":      req.Command,
		"pid":          strconv.Itoa(req.PID),
		"scope":        req.Scope.String(),
		"mode":         req.Mode.String(),
		"vg_name":      req.VGName,
		"vg_lock_type": req.VGLockType,
		"vg_lock_args": req.VGLockArgs,
		"lv_name":      req.LVName,
		"lv_uuid":      req.LVUUID,
		"lv_lock_args": req.LVLockArgs,
	}
	if req.Opts.Adopt {
		fields["adopt"] = "1"
	}
	if req.Opts.AdoptOnly {
		fields["adopt_only"] = "1"
	}
	if req.Opts.NoDelay {
		fields["nodelay"] = "1"
	}
	if req.Opts.Repair {
		fields["repair"] = "1"
	}
	if req.Opts.Persistent {
		fields["persistent"] = "1"
	}
	if req.Opts.Force {
		fields["force"] = "1"
	}
	if len(req.PVPaths) > 0 {
		fields["pv_paths"] = strings.Join(req.PVPaths, ",")
	}

	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%s=%s\n", k, fields[k]); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// readResponse decodes a response in the same key=value-per-line,
// blank-line-terminated framing.
func readResponse(r io.Reader) (Response, error) {
	sc := bufio.NewScanner(r)
	var resp Response
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Response{}, fmt.Errorf("lockclient: malformed response line %q", line)
		}
		switch k {
		case "op_result":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Response{}, fmt.Errorf("lockclient: op_result %q: %w", v, err)
			}
			resp.OpResult = n
		case "result_flags":
			for _, name := range strings.Split(v, ",") {
				if name == "" {
					continue
				}
				f, ok := flagNames[name]
				if !ok {
					return Response{}, fmt.Errorf("lockclient: unknown result flag %q", name)
				}
				resp.ResultFlags |= f
			}
		case "holder_host_id":
			resp.holder().HostID = mustUint64(v)
		case "holder_generation":
			resp.holder().Generation = mustUint64(v)
		case "holder_name":
			resp.holder().Name = v
		}
	}
	if err := sc.Err(); err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (r *Response) holder() *Holder {
	if r.Holder == nil {
		r.Holder = &Holder{}
	}
	return r.Holder
}

func mustUint64(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
