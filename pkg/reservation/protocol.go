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

package reservation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ReservationType is the per-device reservation type tag (spec.md §3
// "Reservation").
type ReservationType string

const (
	TypeNone ReservationType = ""
	TypeWE   ReservationType = "WE"
	TypeEA   ReservationType = "EA"
	TypeWERO ReservationType = "WERO"
	TypeEARO ReservationType = "EARO"
	TypeWEAR ReservationType = "WEAR"
	TypeEAAR ReservationType = "EAAR"
)

// DeviceObservation is what reading a PV's registrations/reservation
// reports (spec.md §4.E "Verify" / "Status check").
type DeviceObservation struct {
	Device          string
	RegisteredKeys  []Key
	ReservationType ReservationType
	HolderKey       Key // valid when ReservationType != TypeNone
	ReadRegsErr     error
	ReadResErr      error
}

// DeviceReader reads the current registration/reservation state of a PV.
// This package ships no implementation that issues SCSI, NVMe or
// dm-multipath queries; callers supply one, and tests inject a fake.
type DeviceReader interface {
	Read(ctx context.Context, device string) DeviceObservation
}

// ErrUnsupportedDevice names a device class outside the supported set
// (SCSI, NVMe, device-mapper multipath). No function in this package
// returns it or checks a device's class.
var ErrUnsupportedDevice = errors.New("reservation: unsupported device class")

// ErrForeignKeyHeld is returned by Start when another host holds the VG
// exclusively and --removekey was not supplied (spec.md §4.E step 2).
var ErrForeignKeyHeld = errors.New("reservation: vg is held by a foreign key")

// ErrVerifyFailed is returned by Start when post-registration readback
// does not match what was requested (spec.md §4.E step 5).
var ErrVerifyFailed = errors.New("reservation: verification failed after start")

// Engine drives the PR protocols across a VG's PVs.
type Engine struct {
	Runner Runner
	Reader DeviceReader
	Log    *logrus.Entry
}

// NewEngine constructs an Engine. log defaults to
// logrus.StandardLogger() if nil; runner defaults to DefaultRunner if nil.
func NewEngine(runner Runner, reader DeviceReader, log *logrus.Entry) *Engine {
	if runner == nil {
		runner = DefaultRunner
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{Runner: runner, Reader: reader, Log: log}
}

// Start runs the start protocol across devices for a VG (spec.md §4.E
// "Start protocol"). shared selects sh (WEAR) vs ex (WE) access.
// removeKeyHex, if non-empty, is forwarded to lvmpersist as --removekey
// and also bypasses the foreign-key check of step 2.
func (e *Engine) Start(ctx context.Context, vgName string, devices []string, ourKey Key, shared bool, ptpl bool, removeKeyHex string) error {
	access := AccessEX
	if shared {
		access = AccessSH
	}

	if removeKeyHex == "" {
		for _, d := range devices {
			obs := e.Reader.Read(ctx, d)
			if foreign, ok := foreignKeyHeld(obs, ourKey); ok {
				return fmt.Errorf("%w: device %s holds key %s", ErrForeignKeyHeld, d, foreign)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			args := StartArgs{OurKey: ourKey, Access: access, PTPL: ptpl, RemoveKey: removeKeyHex, VGName: vgName, Device: d}
			_, err := e.Runner.Run(gctx, args.argv())
			if err != nil {
				return fmt.Errorf("reservation: start on %s: %w", d, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.undoStart(ctx, devices, ourKey)
		return err
	}

	if err := e.verifyStart(ctx, devices, ourKey, shared); err != nil {
		e.undoStart(ctx, devices, ourKey)
		return err
	}

	if err := WriteKeyFile("", vgName, ourKey); err != nil {
		e.Log.WithError(err).WithField("vg", vgName).Warn("reservation: persisting key file failed (best-effort)")
	}
	return nil
}

// foreignKeyHeld reports whether obs shows a WE/WERO reservation held by
// a key other than ourKey (spec.md §4.E step 2: "another host holds the
// VG ex ... by reading keys on any PV and finding a foreign key while
// our own is absent").
func foreignKeyHeld(obs DeviceObservation, ourKey Key) (Key, bool) {
	if obs.ReservationType != TypeWE && obs.ReservationType != TypeWERO {
		return 0, false
	}
	if obs.HolderKey == ourKey {
		return 0, false
	}
	for _, k := range obs.RegisteredKeys {
		if k == ourKey {
			return 0, false
		}
	}
	return obs.HolderKey, true
}

// verifyStart implements spec.md §4.E step 5: our key must be registered
// on every device; the reservation type must be WEAR for a shared start
// and WE for an exclusive one, and when WE the holder must be our key.
// Devices are not told apart by class, so an exclusive start requires WE
// on multipath devices too.
func (e *Engine) verifyStart(ctx context.Context, devices []string, ourKey Key, shared bool) error {
	for _, d := range devices {
		obs := e.Reader.Read(ctx, d)
		if obs.ReadRegsErr != nil || obs.ReadResErr != nil {
			return fmt.Errorf("%w: device %s: reading back state: %v/%v", ErrVerifyFailed, d, obs.ReadRegsErr, obs.ReadResErr)
		}
		if !hasKey(obs.RegisteredKeys, ourKey) {
			return fmt.Errorf("%w: device %s: our key not registered", ErrVerifyFailed, d)
		}
		switch {
		case shared:
			if obs.ReservationType != TypeWEAR {
				return fmt.Errorf("%w: device %s: want WEAR, got %s", ErrVerifyFailed, d, obs.ReservationType)
			}
		default:
			if obs.ReservationType != TypeWE {
				return fmt.Errorf("%w: device %s: want WE, got %s", ErrVerifyFailed, d, obs.ReservationType)
			}
			if obs.HolderKey != ourKey {
				return fmt.Errorf("%w: device %s: WE holder is not our key", ErrVerifyFailed, d)
			}
		}
	}
	return nil
}

func hasKey(keys []Key, want Key) bool {
	for _, k := range keys {
		if k == want {
			return true
		}
	}
	return false
}

// undoStart runs the stop protocol best-effort to unwind a failed start
// (spec.md §4.E "On any discrepancy, run the Stop protocol to undo and
// fail").
func (e *Engine) undoStart(ctx context.Context, devices []string, ourKey Key) {
	for _, d := range devices {
		if _, err := e.Runner.Run(ctx, stopArgv(ourKey, d)); err != nil {
			e.Log.WithError(err).WithField("device", d).Warn("reservation: undo-stop after failed start also failed")
		}
	}
}

// ErrLockspaceStillActive is returned by Stop when the lockspace has not
// been stopped and force was not requested (spec.md §4.E "Stop ...
// invoked after the lockspace has been stopped, otherwise refused unless
// --lockopt force").
var ErrLockspaceStillActive = errors.New("reservation: lockspace is still active")

// Stop runs the stop protocol across devices for ourKey (spec.md §4.E
// "Stop"). vgName is used only to remove the key file on success.
func (e *Engine) Stop(ctx context.Context, vgName string, devices []string, ourKey Key, lockspaceStopped, force bool) error {
	if !lockspaceStopped && !force {
		return ErrLockspaceStillActive
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			if _, err := e.Runner.Run(gctx, stopArgv(ourKey, d)); err != nil {
				return fmt.Errorf("reservation: stop on %s: %w", d, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	path := KeyFilePath("", vgName)
	if err := removeKeyFileIfExists(path); err != nil {
		e.Log.WithError(err).WithField("vg", vgName).Warn("reservation: removing key file after stop failed")
	}
	return nil
}

// Remove runs the remove protocol (spec.md §4.E "Remove"): strips a
// foreign key from every device while keeping our own registration.
func (e *Engine) Remove(ctx context.Context, devices []string, removeKeyHex string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			if _, err := e.Runner.Run(gctx, removeArgv(removeKeyHex, d)); err != nil {
				return fmt.Errorf("reservation: remove on %s: %w", d, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Clear runs the clear protocol (spec.md §4.E "Clear"): wipes every
// registration and reservation on devices, for recovery.
func (e *Engine) Clear(ctx context.Context, devices []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			if _, err := e.Runner.Run(gctx, clearArgv(d)); err != nil {
				return fmt.Errorf("reservation: clear on %s: %w", d, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CheckClass is one of the human-readable classifications persist_check
// assigns to a device (spec.md §4.E "Status check").
type CheckClass string

const (
	ClassErrorReadingRegistrations CheckClass = "error-reading-registrations"
	ClassErrorReadingReservation   CheckClass = "error-reading-reservation"
	ClassNoRegistration            CheckClass = "no-registration"
	ClassOurRegistration           CheckClass = "our-registration"
	ClassTheirRegistration         CheckClass = "their-registration"
	ClassNoReservation             CheckClass = "no-reservation"
	ClassWELocal                   CheckClass = "WE-local"
	ClassWEOther                   CheckClass = "WE-other"
	ClassWEARLocal                 CheckClass = "WEAR-local"
	ClassWEAROther                 CheckClass = "WEAR-other"
	ClassOtherType                 CheckClass = "other-type"
)

// CheckResult is one device's persist_check outcome.
type CheckResult struct {
	Device string
	Class  CheckClass
	// KeyFileMismatch is a SPEC_FULL.md supplemented feature: true when
	// the cached key file disagrees with what was actually observed on
	// this device (spec.md §4.E "reconciles the key file against the
	// observed registration").
	KeyFileMismatch bool
}

// Check runs persist_check across devices and reports whether PR is
// started overall (spec.md §4.E "Status check"). vgName selects the
// cached key file, if present, which is reconciled against each device's
// registered keys.
func (e *Engine) Check(ctx context.Context, vgName string, devices []string, ourKey Key) (results []CheckResult, started bool) {
	cached, _ := ReadKeyFile("", vgName)

	results = make([]CheckResult, len(devices))
	var weCount, wearCount int
	for i, d := range devices {
		obs := e.Reader.Read(ctx, d)
		r := CheckResult{Device: d}
		switch {
		case obs.ReadRegsErr != nil:
			r.Class = ClassErrorReadingRegistrations
		case obs.ReadResErr != nil:
			r.Class = ClassErrorReadingReservation
		case !hasKey(obs.RegisteredKeys, ourKey) && len(obs.RegisteredKeys) == 0:
			r.Class = ClassNoRegistration
		case hasKey(obs.RegisteredKeys, ourKey):
			r.Class = classifyRegistered(obs, ourKey, true)
		default:
			r.Class = classifyRegistered(obs, ourKey, false)
		}
		if cached != 0 && !hasKey(obs.RegisteredKeys, cached) {
			r.KeyFileMismatch = true
		}
		results[i] = r
		switch r.Class {
		case ClassWELocal:
			weCount++
		case ClassWEARLocal:
			wearCount++
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Device < results[j].Device })
	started = len(devices) > 0 && weCount+wearCount == len(devices)
	return results, started
}

func classifyRegistered(obs DeviceObservation, ourKey Key, registered bool) CheckClass {
	switch obs.ReservationType {
	case TypeNone:
		return ClassNoReservation
	case TypeWE:
		if obs.HolderKey == ourKey {
			return ClassWELocal
		}
		return ClassWEOther
	case TypeWEAR:
		if registered {
			return ClassWEARLocal
		}
		return ClassWEAROther
	default:
		return ClassOtherType
	}
}

func removeKeyFileIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
