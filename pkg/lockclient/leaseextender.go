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
	"fmt"

	"github.com/lvmteam/lvm2go/pkg/metadata"
)

// LeaseExtender adapts Client.FindFreeLock to metadata.LeaseExtender, the
// hook lv_create_single calls on sanlock VGs before allocation (spec.md
// §4.C/§4.D).
type LeaseExtender struct {
	Client     *Client
	ZeroWriter ZeroWriter
	DM         DMRefresher

	// sizeMiB tracks the lvmlock LV size per VG name across calls so a
	// repeated extend doesn't lose track of the current size.
	sizeMiB map[string]int
}

var _ metadata.LeaseExtender = (*LeaseExtender)(nil)

// EnsureLeaseCapacity asks the daemon for a free lease slot for vg; on
// -EMSGSIZE it extends the lvmlock LV and zeroes the new tail.
func (e *LeaseExtender) EnsureLeaseCapacity(vg *metadata.VG) error {
	if e.sizeMiB == nil {
		e.sizeMiB = map[string]int{}
	}
	current := e.sizeMiB[vg.Name]
	newSize, err := e.Client.FindFreeLock(vg.Name, current, DefaultLeaseExtendMiB, e.ZeroWriter, e.DM)
	if err != nil {
		return fmt.Errorf("lockclient: ensuring lease capacity for vg %q: %w", vg.Name, err)
	}
	e.sizeMiB[vg.Name] = newSize
	return nil
}
