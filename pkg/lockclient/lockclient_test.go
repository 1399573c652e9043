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

import "testing"

func TestCompatibilityMatrixMatchesSpec(t *testing.T) {
	cases := []struct {
		a, b Mode
		want bool
	}{
		{NL, EX, true},
		{EX, NL, true},
		{EX, CR, false},
		{CR, EX, false},
		{CR, PR, true},
		{PR, CW, false},
		{CW, PW, false},
		{PW, PW, false},
		{PR, PR, true},
		{CW, CW, true},
	}
	for _, c := range cases {
		if got := Compatible(c.a, c.b); got != c.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestEveryModeCompatibleWithNL(t *testing.T) {
	for m := NL; m <= EX; m++ {
		if !Compatible(m, NL) {
			t.Errorf("Compatible(%s, NL) should always be true", m)
		}
		if !Compatible(NL, m) {
			t.Errorf("Compatible(NL, %s) should always be true", m)
		}
	}
}

func TestEXOnlyCompatibleWithNL(t *testing.T) {
	for m := CR; m <= EX; m++ {
		if Compatible(EX, m) {
			t.Errorf("Compatible(EX, %s) should be false", m)
		}
	}
}
