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

// Package lockclient is a client for an external distributed lock daemon
// (spec.md §4.D). It never acquires locks itself; every request is a
// round trip to that daemon over Transport.
package lockclient

import "fmt"

// Scope names the resource a lock request addresses (spec.md §4.D).
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeVG
	ScopeLV
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "GL"
	case ScopeVG:
		return "VG"
	case ScopeLV:
		return "LV"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Mode is one of the six lock modes spec.md §4.D defines, ordered from
// weakest (NL) to strongest (EX).
type Mode int

const (
	NL Mode = iota
	CR
	CW
	PR
	PW
	EX
)

func (m Mode) String() string {
	return [...]string{"NL", "CR", "CW", "PR", "PW", "EX"}[m]
}

// compat is the compatibility matrix from spec.md §4.D, compat[a][b] is
// true iff a request for mode a may be granted while mode b is already
// held by another holder.
var compat = [6][6]bool{
	NL: {NL: true, CR: true, CW: true, PR: true, PW: true, EX: true},
	CR: {NL: true, CR: true, CW: true, PR: true, PW: true, EX: false},
	CW: {NL: true, CR: true, CW: true, PR: false, PW: false, EX: false},
	PR: {NL: true, CR: true, CW: false, PR: true, PW: false, EX: false},
	PW: {NL: true, CR: true, CW: false, PR: false, PW: false, EX: false},
	EX: {NL: true, CR: false, CW: false, PR: false, PW: false, EX: false},
}

// Compatible reports whether requesting mode a is compatible with mode b
// already being held (spec.md §4.D compatibility matrix). It is
// symmetric by construction of the table above.
func Compatible(a, b Mode) bool { return compat[a][b] }
