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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// defaultHelperName is the sibling binary every verb is forwarded to
// (spec.md §4.E "Invoke the external lvmpersist ... helper").
const defaultHelperName = "lvmpersist"

// HelperPath resolves the lvmpersist binary: the LVMPERSIST_PATH
// environment variable if set, else the default name resolved via PATH.
func HelperPath() string {
	if p := os.Getenv("LVMPERSIST_PATH"); p != "" {
		return p
	}
	return defaultHelperName
}

// AccessMode selects the PR type lvmpersist registers (spec.md §4.E
// "Start protocol" step 1).
type AccessMode string

const (
	AccessEX AccessMode = "ex"
	AccessSH AccessMode = "sh"
)

// StartArgs are the flags spec.md §4.E lists for `lvmpersist start`.
type StartArgs struct {
	OurKey    Key
	Access    AccessMode
	PTPL      bool
	RemoveKey string // hex, optional
	VGName    string
	Device    string
}

// Runner invokes the lvmpersist helper and returns its combined stdout.
// The production Runner is execRunner; tests inject a fake.
type Runner interface {
	Run(ctx context.Context, args []string) (stdout string, err error)
}

// execRunner shells out to HelperPath() via os/exec. This is the one
// place in the package that forks a child process; every other verb
// goes through Runner so it can be faked in tests.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, HelperPath(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("reservation: %s %s: %w (stderr: %s)",
			HelperPath(), strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// DefaultRunner is the Runner production callers should pass when they
// are not under test.
var DefaultRunner Runner = execRunner{}

func (a StartArgs) argv() []string {
	args := []string{"start",
		"--ourkey", a.OurKey.String(),
		"--access", string(a.Access),
		"--vg", a.VGName,
		"--device", a.Device,
	}
	if a.PTPL {
		args = append(args, "--ptpl")
	}
	if a.RemoveKey != "" {
		args = append(args, "--removekey", a.RemoveKey)
	}
	return args
}

// stopArgv, removeArgv, clearArgv, checkArgv build argv for the
// remaining verbs (spec.md §4.E "Stop / remove / clear protocols",
// "Status check").
func stopArgv(ourKey Key, device string) []string {
	return []string{"stop", "--ourkey", ourKey.String(), "--device", device}
}

func removeArgv(removeKeyHex, device string) []string {
	return []string{"remove", "--removekey", removeKeyHex, "--device", device}
}

func clearArgv(device string) []string {
	return []string{"clear", "--device", device}
}

func checkArgv(device string) []string {
	return []string{"persist_check", "--device", device}
}
