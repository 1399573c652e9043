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
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// Daemon error codes (spec.md §4.D), modeled as negative ints the same
// way the daemon itself reports them (errno-style).
const (
	EAGAIN       = -11
	EIOTimeout   = -210
	ENOLS        = -211
	EStarting    = -212
	EExist       = -17
	ERemoved     = -213
	EVGKilled    = -214
	ELockIO      = -215
	ELockRepair  = -216
	EAdoptNone   = -217
	EAdoptRetry  = -218
	EOrphan      = -219
	ELMErr       = -220
)

// ErrContended is returned (after exhausting retries) when the daemon
// kept reporting -EAGAIN/-EIOTIMEOUT.
var ErrContended = errors.New("lockclient: lock request exhausted retries")

// ErrFatal wraps a non-retryable daemon response.
var ErrFatal = errors.New("lockclient: fatal lock response")

// ErrReadOnly is returned when a request that would result in EX is
// made against a client configured ReadOnly (spec.md §4.D).
var ErrReadOnly = errors.New("lockclient: readonly mode rejects EX requests")

// Transport sends a Request to the daemon and returns its Response. The
// production transport is a Unix-domain-socket connection framed per
// wire.go; tests use a fake.
type Transport interface {
	Do(req Request) (Response, error)
}

// Config configures a Client (SPEC_FULL.md Ambient Stack: one struct,
// no package globals).
type Config struct {
	Transport Transport
	Retries   int  // lvmlockd_lock_retries
	ReadOnly  bool

	// AllowGLBootstrapSkip permits the -ENOLS sanlock-bootstrap shortcut
	// for GL requests (spec.md §9 Open Question, resolved in DESIGN.md:
	// callers must opt in explicitly).
	AllowGLBootstrapSkip bool

	Log *logrus.Entry
}

// Result is the outcome of a successful Acquire.
type Result struct {
	Response Response
	// DegradedRead is set when a shared-mode request proceeded without
	// an actual lock because the lockspace was starting (-ESTARTING),
	// the SPEC_FULL.md supplemented feature that lets a later committer
	// refuse to treat the VG as consistently locked.
	DegradedRead bool
}

// Client issues lock requests against Transport, implementing spec.md
// §4.D's retry/timeout/fatal-code handling.
type Client struct {
	cfg Config
	log *logrus.Entry

	// sawSanlockVG remembers whether a sanlock VG has been seen, for
	// the -ENOLS GL bootstrap shortcut condition ("no sanlock VG is
	// cached").
	sawSanlockVG bool
}

// New constructs a Client. cfg.Log defaults to
// logrus.StandardLogger() if nil.
func New(cfg Config) *Client {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{cfg: cfg, log: log}
}

// NoteSanlockVG records that a sanlock-locked VG exists, consulted by
// the GL -ENOLS bootstrap shortcut.
func (c *Client) NoteSanlockVG() { c.sawSanlockVG = true }

func sharedMode(m Mode) bool { return m == CR || m == PR }

// Acquire sends req, retrying on contention and interpreting the fatal
// code table of spec.md §4.D. Whether the request counts as shared (CR or
// PR), which selects the sh/ex branch of the fatal code table, is taken
// from req.Mode.
func (c *Client) Acquire(req Request) (Result, error) {
	if c.cfg.ReadOnly && req.Mode == EX {
		return Result{}, ErrReadOnly
	}

	retries := c.cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), uint64(retries))

	var result Result
	op := func() error {
		resp, err := c.cfg.Transport.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lockclient: transport: %w", err))
		}
		r, retry, ferr := c.classify(req, resp)
		if ferr != nil {
			return backoff.Permanent(ferr)
		}
		if retry {
			if resp.Holder != nil {
				c.log.WithFields(logrus.Fields{
					"vg": req.VGName, "host_id": resp.Holder.HostID, "generation": resp.Holder.Generation,
				}).Warn("lockclient: lock contended, retrying")
			}
			return ErrContended
		}
		result = r
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return Result{}, err
	}
	return result, nil
}

// classify applies the fatal-code table of spec.md §4.D. It returns
// (result, retry, fatalErr): retry is true for -EAGAIN/-EIOTIMEOUT,
// fatalErr is non-nil for any response classify() decides must fail the
// whole request.
func (c *Client) classify(req Request, resp Response) (Result, bool, error) {
	sh := sharedMode(req.Mode)

	switch resp.OpResult {
	case 0:
		return Result{Response: resp}, false, nil
	case EAGAIN, EIOTimeout:
		return Result{}, true, nil
	case ENOLS:
		if req.Scope == ScopeGlobal && resp.Has(FlagNoGLLS) && resp.Has(FlagNoLockspaces) &&
			!c.sawSanlockVG && c.cfg.AllowGLBootstrapSkip {
			c.log.Warn("lockclient: no global lockspace yet, allowing sanlock bootstrap")
			return Result{Response: resp}, false, nil
		}
		return Result{}, false, fmt.Errorf("%w: -ENOLS: lockspace absent for %s %s", ErrFatal, req.Scope, req.VGName)
	case EStarting:
		if sh {
			c.log.Warn("lockclient: lockspace starting, permitting unlocked read")
			return Result{Response: resp, DegradedRead: true}, false, nil
		}
		return Result{}, false, fmt.Errorf("%w: -ESTARTING: lockspace starting, ex request failed", ErrFatal)
	case EExist:
		if req.Scope == ScopeLV && resp.Has(FlagSHExists) && !req.Opts.SHExistsOK {
			return Result{}, false, fmt.Errorf("%w: -EEXIST: sh lock exists and SH_EXISTS_OK not set", ErrFatal)
		}
		return Result{Response: resp}, false, nil
	case ERemoved:
		c.log.Warn("lockclient: vg removed underneath this request")
		return Result{Response: resp}, false, nil
	case EVGKilled, ELockIO:
		if sh {
			c.log.Warn("lockclient: sanlock lease i/o failed, proceeding (sh)")
			return Result{Response: resp}, false, nil
		}
		return Result{}, false, fmt.Errorf("%w: sanlock lease i/o failed for ex request", ErrFatal)
	case ELockRepair:
		if sh {
			c.log.Warn("lockclient: sanlock lease needs repair, proceeding (sh)")
			return Result{Response: resp}, false, nil
		}
		return Result{}, false, fmt.Errorf("%w: -ELOCKREPAIR: sanlock lease needs repair", ErrFatal)
	case EAdoptNone, EAdoptRetry, EOrphan:
		if sh {
			c.log.Warn("lockclient: adopt-mode outcome, permitting sh with warning")
			return Result{Response: resp}, false, nil
		}
		return Result{}, false, fmt.Errorf("%w: adopt-mode outcome failed ex request", ErrFatal)
	case ELMErr:
		if sh {
			c.log.Warn("lockclient: lock-manager internal error, warning only (sh)")
			return Result{Response: resp}, false, nil
		}
		return Result{}, false, fmt.Errorf("%w: -ELMERR: lock manager internal error", ErrFatal)
	default:
		return Result{}, false, fmt.Errorf("%w: unrecognized daemon result %d", ErrFatal, resp.OpResult)
	}
}
