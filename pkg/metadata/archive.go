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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// ArchiveHeader is the pre-image metadata written alongside the archived
// VG text (spec.md §6). VGName/Seqno are a SPEC_FULL.md supplemented
// feature (fast ls-style scanning without parsing the body).
type ArchiveHeader struct {
	Contents     string
	Version      int
	Description  string
	CreationHost string
	CreationTime time.Time
	VGName       string
	Seqno        uint64
}

// warnArchiveBytes and warnArchiveFiles are the thresholds spec.md §4.C
// says should produce a warning, not a hard failure.
const (
	warnArchiveBytes = 128 << 20
	warnArchiveFiles = 8192
)

// Archiver writes and prunes pre-commit VG snapshots under one directory
// (spec.md §4.C "Archiving"), guarding the directory with gofrs/flock so
// concurrent commands on the same host don't race the index scan used to
// derive the next `ix`.
type Archiver struct {
	Dir         string
	MinArchive  int
	RetainDays  int
	log         *logrus.Entry
}

// NewArchiver constructs an Archiver rooted at dir. log defaults to
// logrus.StandardLogger() if nil.
func NewArchiver(dir string, minArchive, retainDays int, log *logrus.Entry) *Archiver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Archiver{Dir: dir, MinArchive: minArchive, RetainDays: retainDays, log: log}
}

// Write serializes header and body to a new file named
// "<vg>_<ix>-<rand>.vg" in the archive directory, where ix is derived by
// scanning the directory for the VG's existing highest index, then prunes
// the archive per the retention policy (spec.md §4.C).
func (a *Archiver) Write(vgName string, header ArchiveHeader, body []byte) (string, error) {
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("metadata: archive: mkdir %s: %w", a.Dir, err)
	}
	lockPath := filepath.Join(a.Dir, ".lock")
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return "", fmt.Errorf("metadata: archive: lock %s: %w", lockPath, err)
	}
	defer fl.Unlock()

	ix, err := a.nextIndexLocked(vgName)
	if err != nil {
		return "", err
	}
	rnd := make([]byte, 4)
	if _, err := rand.Read(rnd); err != nil {
		return "", fmt.Errorf("metadata: archive: random suffix: %w", err)
	}
	name := fmt.Sprintf("%s_%05d-%s.vg", vgName, ix, hex.EncodeToString(rnd))
	path := filepath.Join(a.Dir, name)

	var out strings.Builder
	fmt.Fprintf(&out, "# contents = %s\n", header.Contents)
	fmt.Fprintf(&out, "# version = %d\n", header.Version)
	fmt.Fprintf(&out, "# description = %s\n", header.Description)
	fmt.Fprintf(&out, "# creation_host = %s\n", header.CreationHost)
	fmt.Fprintf(&out, "# creation_time = %d\n", header.CreationTime.Unix())
	fmt.Fprintf(&out, "# vg_name = %s\n", header.VGName)
	fmt.Fprintf(&out, "# seqno = %d\n", header.Seqno)
	out.Write(body)

	if err := os.WriteFile(path, []byte(out.String()), 0o644); err != nil {
		return "", fmt.Errorf("metadata: archive: write %s: %w", path, err)
	}
	a.pruneLocked(vgName)
	return path, nil
}

func (a *Archiver) nextIndexLocked(vgName string) (int, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("metadata: archive: readdir %s: %w", a.Dir, err)
	}
	max := -1
	prefix := vgName + "_"
	for _, e := range entries {
		ix, ok := parseArchiveIndex(e.Name(), prefix)
		if ok && ix > max {
			max = ix
		}
	}
	return max + 1, nil
}

func parseArchiveIndex(fname, prefix string) (int, bool) {
	if !strings.HasPrefix(fname, prefix) || !strings.HasSuffix(fname, ".vg") {
		return 0, false
	}
	rest := fname[len(prefix) : len(fname)-len(".vg")]
	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return 0, false
	}
	ix, err := strconv.Atoi(rest[:dash])
	if err != nil {
		return 0, false
	}
	return ix, true
}

// pruneLocked removes archive entries for vgName that fail the retention
// policy: keep the file iff the archive holds fewer than MinArchive
// entries for that VG, or the file's mtime is newer than
// now − RetainDays × 86400 seconds (spec.md §4.C).
func (a *Archiver) pruneLocked(vgName string) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		a.log.WithError(err).Warn("metadata: archive: prune: readdir failed")
		return
	}
	prefix := vgName + "_"
	type fileInfo struct {
		name  string
		mtime time.Time
		size  int64
	}
	var files []fileInfo
	var totalSize int64
	var totalFiles int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		totalFiles++
		info, err := e.Info()
		if err != nil {
			continue
		}
		totalSize += info.Size()
		if strings.HasPrefix(e.Name(), prefix) {
			files = append(files, fileInfo{name: e.Name(), mtime: info.ModTime(), size: info.Size()})
		}
	}
	if totalSize > warnArchiveBytes || totalFiles > warnArchiveFiles {
		a.log.WithField("dir", a.Dir).WithField("bytes", totalSize).WithField("files", totalFiles).
			Warn("metadata: archive directory exceeds recommended size")
	}
	if len(files) < a.MinArchive {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	cutoff := time.Now().Add(-time.Duration(a.RetainDays) * 24 * time.Hour)
	keep := len(files)
	for _, f := range files {
		if keep <= a.MinArchive {
			break
		}
		if f.mtime.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.Dir, f.name)); err != nil {
			a.log.WithError(err).WithField("file", f.name).Warn("metadata: archive: prune: remove failed")
			continue
		}
		keep--
	}
}
