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

package metadata

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPartialVG is returned when a mutating operation is attempted on a VG
// with the PARTIAL flag set (spec.md §4.C "Partial VGs ... refuse the
// write phase").
var ErrPartialVG = errors.New("metadata: vg is partial, refusing write")

// ErrInconsistentVG marks a vg_read where MDA copies disagreed.
var ErrInconsistentVG = errors.New("metadata: vg copies are inconsistent")

// ErrPVMove is returned by vg_read when the VG has PVMOVE status and the
// caller did not assert pvmove-aware mode (spec.md §4.C).
var ErrPVMove = errors.New("metadata: vg has an in-progress pvmove, run pvmove recovery")

// Store owns the process-wide cache of the most recently committed VG
// metadata (spec.md §4.C step 2: "update the process-wide cache so
// readers observe the new version"). Lock order (teacher's mm.go
// convention: document the order, not just the existence, of locks):
// Store.mu guards only the cached and mdas maps and is released before
// any MDA call is made; MDA implementations must not call back into Store.
type Store struct {
	mu  sync.Mutex
	log *logrus.Entry

	cached map[string]*VG   // by VG name
	mdas   map[string][]MDA // by VG name, populated by Attach
}

// NewStore constructs an empty Store. log defaults to
// logrus.StandardLogger() if nil (SPEC_FULL.md Ambient Stack).
func NewStore(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{log: log, cached: map[string]*VG{}, mdas: map[string][]MDA{}}
}

// Attach records the set of MDAs Read should consult for name, before
// any VG by that name has been committed through this Store (e.g. when
// scanning labels for a VG being opened for the first time).
func (s *Store) Attach(name string, mdas []MDA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mdas[name] = mdas
}

// Commit runs the three-phase write/commit protocol of spec.md §4.C
// across every MDA attached to vg: write (bumping seqno first), then
// commit (first success updates the process-wide cache; the operation
// succeeds if at least one MDA commits — "single-commit durability").
// On any write failure every already-written MDA is reverted, in
// reverse order, and Commit returns that error without mutating seqno
// observably to callers (the in-memory bump is rolled back too).
func (s *Store) Commit(vg *VG) error {
	if vg.Status&VGPartial != 0 {
		return fmt.Errorf("%w: vg %q", ErrPartialVG, vg.Name)
	}

	prevSeqno := vg.Seqno
	vg.Seqno++

	written := make([]MDA, 0, len(vg.MDAs))
	for _, m := range vg.MDAs {
		if err := m.VGWrite(vg); err != nil {
			s.log.WithError(err).WithField("vg", vg.Name).Warn("metadata: vg_write failed, reverting")
			for i := len(written) - 1; i >= 0; i-- {
				if rerr := written[i].VGRevert(vg); rerr != nil {
					s.log.WithError(rerr).WithField("vg", vg.Name).Error("metadata: vg_revert failed during rollback")
				}
			}
			vg.Seqno = prevSeqno
			return fmt.Errorf("metadata: vg %q: write phase failed: %w", vg.Name, err)
		}
		written = append(written, m)
	}

	committedAny := false
	for _, m := range written {
		if err := m.VGCommit(vg); err != nil {
			s.log.WithError(err).WithField("vg", vg.Name).Warn("metadata: vg_commit failed on one mda")
			continue
		}
		if !committedAny {
			s.mu.Lock()
			s.cached[vg.Name] = vg
			s.mu.Unlock()
			committedAny = true
		}
	}
	if !committedAny {
		return fmt.Errorf("metadata: vg %q: no mda committed", vg.Name)
	}
	return nil
}

// Abandon reverts a staged write the caller decided not to commit
// (spec.md §4.C phase 3).
func (s *Store) Abandon(vg *VG) {
	for _, m := range vg.MDAs {
		if err := m.VGRevert(vg); err != nil {
			s.log.WithError(err).WithField("vg", vg.Name).Warn("metadata: vg_revert failed during abandon")
		}
	}
}

// Read implements spec.md §4.C's vg_read: it reads every MDA, keeps the
// copy with the highest seqno, and — if consistent is requested and the
// copies disagreed — repairs by rewriting the winning copy to every MDA.
// Repair is refused on a partial VG.
//
// A VG left with PVMOVE status by an interrupted pvmove fails Read
// unless pvmoveAware is set: only pvmove's own recovery path (and
// reporting tools that know to render the move in progress) may assert
// it and read the VG as-is.
func (s *Store) Read(name string, consistent, pvmoveAware bool) (*VG, error) {
	mdas := s.allMDAsFor(name)
	var best *VG
	inconsistent := false
	var lastErr error
	for _, m := range mdas {
		vg, err := m.VGRead(name)
		if err != nil {
			inconsistent = true
			lastErr = err
			continue
		}
		if best == nil || vg.Seqno > best.Seqno {
			if best != nil && vg.Seqno != best.Seqno {
				inconsistent = true
			}
			best = vg
		} else if vg.Seqno != best.Seqno {
			inconsistent = true
		}
	}
	if best == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("metadata: vg %q: no mda could be read: %w", name, lastErr)
		}
		return nil, fmt.Errorf("metadata: vg %q: not found", name)
	}
	if best.Status&VGPVMove != 0 && !pvmoveAware {
		return nil, fmt.Errorf("%w: vg %q", ErrPVMove, name)
	}
	if inconsistent {
		if !consistent {
			return best, ErrInconsistentVG
		}
		if best.Status&VGPartial != 0 {
			return nil, fmt.Errorf("metadata: vg %q: inconsistent but partial, refusing repair: %w", name, ErrPartialVG)
		}
		best.MDAs = mdas
		if err := s.Commit(best); err != nil {
			return nil, fmt.Errorf("metadata: vg %q: repair commit failed: %w", name, err)
		}
	}
	return best, nil
}

func (s *Store) allMDAsFor(name string) []MDA {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vg, ok := s.cached[name]; ok {
		return vg.MDAs
	}
	return s.mdas[name]
}
