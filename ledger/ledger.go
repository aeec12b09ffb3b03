// Copyright 2026 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package ledger records the ownership and permissions of an extracted tree
// before it is opened up for editing, and puts them back before repacking.
package ledger

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

const DefaultBatchSize = 256

var ErrNoManifest = errors.New("no permission manifest")

type CaptureResult struct {
	FileCount    int
	Skipped      int
	ManifestPath string
}

type RestoreResult struct {
	Restored     int
	Missing      int
	MissingPaths []string
	// TargetMismatch lists symlinks whose target changed since capture.
	// Targets are never rewritten.
	TargetMismatch []string
}

type Ledger struct {
	exec  shell.Executor
	log   logrus.FieldLogger
	batch int
	now   func() time.Time
}

func New(exec shell.Executor, log logrus.FieldLogger, batch int) *Ledger {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Ledger{exec: exec, log: log, batch: batch, now: time.Now}
}

// HasManifest reports whether a restore is possible for root.
func (l *Ledger) HasManifest(root string) bool {
	fi, err := os.Stat(ManifestPath(root))
	return err == nil && fi.Mode().IsRegular()
}

// Discard removes the manifest of root. A missing manifest is not an error.
func (l *Ledger) Discard(root string) error {
	if err := os.Remove(ManifestPath(root)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "can not remove stale manifest")
	}
	return nil
}

// Capture records every entry below root, root included, and writes the
// manifest side file.
func (l *Ledger) Capture(ctx context.Context, root, partition string) (*CaptureResult, error) {
	log := l.log.WithField("partition", partition)
	var (
		entries []Entry
		skipped int
		err     error
	)
	if elevates(l.exec) {
		entries, skipped, err = l.listElevated(ctx, root, log)
	} else {
		entries, skipped, err = l.walk(root, log)
		if err != nil {
			log.Warnf("Walking %s failed (%v), listing it through the privileged shell", root, err)
			entries, skipped, err = l.listElevated(ctx, root, log)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "can not capture permissions of %s", root)
	}

	m := &Manifest{Partition: partition, Date: l.now(), Entries: entries}
	path := ManifestPath(root)
	if err := writeManifest(path, m); err != nil {
		return nil, err
	}
	log.Infof("Recorded permissions of %d entries in %s", len(entries), filepath.Base(path))
	return &CaptureResult{FileCount: len(entries), Skipped: skipped, ManifestPath: path}, nil
}

func (l *Ledger) walk(root string, log logrus.FieldLogger) ([]Entry, int, error) {
	var (
		entries []Entry
		skipped int
	)
	// Only entries removed while walking are skipped. Anything else, an
	// unlistable directory in particular, would drop a whole subtree.
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil {
			var e Entry
			if e, err = statEntry(root, path); err == nil {
				entries = append(entries, e)
				return nil
			}
		}
		if path == root || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		log.Warnf("Skipping %s: %v", path, err)
		skipped++
		return nil
	})
	return entries, skipped, err
}

// elevates reports whether exec runs commands with more privileges than
// this process has.
func elevates(exec shell.Executor) bool {
	m, ok := exec.(interface{ Mode() shell.Mode })
	return ok && m.Mode() != shell.ModeNone
}

func statEntry(root, path string) (Entry, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Entry{}, err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Path: filepath.ToSlash(rel),
		UID:  int(st.Uid),
		GID:  int(st.Gid),
		Mode: uint32(st.Mode) & PermMask,
	}
	switch uint32(st.Mode) & unix.S_IFMT {
	case unix.S_IFDIR:
		e.Kind = KindDir
	case unix.S_IFLNK:
		e.Kind = KindSymlink
		if e.Target, err = os.Readlink(path); err != nil {
			return Entry{}, err
		}
	default:
		e.Kind = KindFile
	}
	return e, nil
}

// listElevated prints three lines per entry: raw hex mode with uid and gid,
// the path, and the link target (empty for non-links).
const listScript = `find . -exec sh -c 'for p; do printf "%s\n" "$(stat -c "%f %u %g" "$p")" "$p" "$(readlink "$p")"; done' _ {} +`

func (l *Ledger) listElevated(ctx context.Context, root string, log logrus.FieldLogger) ([]Entry, int, error) {
	res := l.exec.Run(ctx, "cd "+shell.Quote(root)+" && "+listScript)
	for _, line := range res.Stderr {
		log.Warn(line)
	}
	if err := toolchain.Check("find", res); err != nil {
		return nil, 0, err
	}
	if len(res.Stdout)%3 != 0 {
		return nil, 0, errors.Errorf("unexpected listing output: %d lines", len(res.Stdout))
	}
	var (
		entries []Entry
		skipped int
	)
	for i := 0; i < len(res.Stdout); i += 3 {
		e, err := parseListing(res.Stdout[i], res.Stdout[i+1], res.Stdout[i+2])
		if err != nil {
			log.Warnf("Skipping %s: %v", res.Stdout[i+1], err)
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

func parseListing(stat, path, target string) (Entry, error) {
	var e Entry
	fields := strings.Fields(stat)
	if len(fields) != 3 {
		return e, errors.Errorf("malformed stat output %q", stat)
	}
	raw, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return e, errors.Wrapf(err, "bad mode %q", fields[0])
	}
	if e.UID, err = strconv.Atoi(fields[1]); err != nil {
		return e, errors.Wrapf(err, "bad uid %q", fields[1])
	}
	if e.GID, err = strconv.Atoi(fields[2]); err != nil {
		return e, errors.Wrapf(err, "bad gid %q", fields[2])
	}
	e.Mode = uint32(raw) & PermMask
	switch uint32(raw) & unix.S_IFMT {
	case unix.S_IFDIR:
		e.Kind = KindDir
	case unix.S_IFLNK:
		e.Kind = KindSymlink
		e.Target = target
	default:
		e.Kind = KindFile
	}
	e.Path = filepath.ToSlash(filepath.Clean(path))
	return e, nil
}

func writeManifest(path string, m *Manifest) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "can not create manifest")
	}
	defer os.Remove(tmp.Name())
	if _, err = m.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "can not close manifest: %s", tmp.Name())
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return errors.Wrap(err, "can not chmod manifest")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "can not store manifest")
}

// Load reads the manifest that belongs to root.
func (l *Ledger) Load(root string) (*Manifest, error) {
	f, err := os.Open(ManifestPath(root))
	if os.IsNotExist(err) {
		return nil, ErrNoManifest
	} else if err != nil {
		return nil, errors.Wrap(err, "can not open manifest")
	}
	defer f.Close()
	return ReadManifest(f)
}

// Restore re-applies the recorded owner, group and mode to every entry that
// still exists. Entries are applied deepest first so that a directory is
// only locked down after its children.
func (l *Ledger) Restore(ctx context.Context, root string) (*RestoreResult, error) {
	m, err := l.Load(root)
	if err != nil {
		return nil, err
	}
	log := l.log.WithField("partition", m.Partition)
	res := &RestoreResult{}

	var batch []string
	applied := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		out := l.exec.Run(ctx, batch...)
		for _, line := range out.Stderr {
			log.Warn(line)
		}
		if err := toolchain.Check("chown/chmod", out); err != nil {
			return err
		}
		res.Restored += applied
		batch, applied = batch[:0], 0
		return nil
	}

	for i := len(m.Entries) - 1; i >= 0; i-- {
		e := m.Entries[i]
		path := filepath.Join(root, filepath.FromSlash(e.Path))
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			res.Missing++
			res.MissingPaths = append(res.MissingPaths, e.Path)
			log.Infof("Not restoring %s: deleted since extraction", e.Path)
			continue
		}
		if e.Kind == KindSymlink {
			if target, err := os.Readlink(path); err == nil && target != e.Target {
				res.TargetMismatch = append(res.TargetMismatch, e.Path)
				log.Warnf("Symlink %s now points to %s, recorded %s; leaving it", e.Path, target, e.Target)
			}
		}
		batch = append(batch, restoreCommands(path, e)...)
		applied++
		if applied >= l.batch {
			if err := flush(); err != nil {
				return res, errors.Wrap(err, "restoring permissions")
			}
		}
	}
	if err := flush(); err != nil {
		return res, errors.Wrap(err, "restoring permissions")
	}
	log.Infof("Restored permissions of %d entries (%d missing)", res.Restored, res.Missing)
	return res, nil
}

// restoreCommands chowns before chmod, chown clears the set-id bits.
func restoreCommands(path string, e Entry) []string {
	cmds := []string{fmt.Sprintf("chown -h %d:%d %s", e.UID, e.GID, shell.Quote(path))}
	if e.Kind != KindSymlink {
		cmds = append(cmds, fmt.Sprintf("chmod %04o %s", e.Mode, shell.Quote(path)))
	}
	return cmds
}

// Relax opens the whole tree up for the controlling process.
func (l *Ledger) Relax(ctx context.Context, root string) error {
	res := l.exec.Run(ctx, "chmod -R 0777 "+shell.Quote(root))
	for _, line := range res.Stderr {
		l.log.Warn(line)
	}
	return toolchain.Check("chmod", res)
}
