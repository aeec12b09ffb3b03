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

package ledger

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

const (
	ManifestVersion = "1"
	manifestSuffix  = ".perms"

	PermMask uint32 = 07777
)

type EntryKind int

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
)

var entryKindNames = []string{"file", "dir", "symlink"}

func (k EntryKind) String() string {
	if int(k) < len(entryKindNames) {
		return entryKindNames[k]
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

func parseEntryKind(s string) (EntryKind, error) {
	for i, name := range entryKindNames {
		if name == s {
			return EntryKind(i), nil
		}
	}
	return KindFile, errors.Errorf("manifest: unknown entry kind %q", s)
}

// Entry is the recorded metadata of one filesystem object. Path is relative
// to the extraction root, the root itself is ".".
type Entry struct {
	Path   string
	Kind   EntryKind
	UID    int
	GID    int
	Mode   uint32 // permission and set-id/sticky bits, 07777
	Target string // symlinks only
}

type Manifest struct {
	Partition string
	Date      time.Time
	Entries   []Entry
}

// ManifestPath is the side file that belongs to an extraction root. It
// sits next to the root and is named after the partition.
func ManifestPath(root string) string {
	root = filepath.Clean(root)
	return filepath.Join(filepath.Dir(root), filepath.Base(root)+manifestSuffix)
}

func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	var body bytes.Buffer
	for _, e := range m.Entries {
		body.WriteString(formatEntry(e))
		body.WriteByte('\n')
	}
	sum := sha256.Sum256(body.Bytes())

	bw := bufio.NewWriter(w)
	header := fmt.Sprintf("Version: %s\nPartition: %s\nDate: %s\nEntries: %d\nSHA256: %s\n",
		ManifestVersion, m.Partition, m.Date.UTC().Format(time.RFC3339),
		len(m.Entries), hex.EncodeToString(sum[:]))
	n, err := bw.WriteString(header)
	if err != nil {
		return int64(n), errors.Wrap(err, "manifest: can not write header")
	}
	k, err := bw.Write(body.Bytes())
	if err != nil {
		return int64(n + k), errors.Wrap(err, "manifest: can not write entries")
	}
	if err = bw.Flush(); err != nil {
		return int64(n + k), errors.Wrap(err, "manifest: can not flush")
	}
	return int64(n + k), nil
}

func formatEntry(e Entry) string {
	line := fmt.Sprintf("%s %d %d %04o %s", e.Kind, e.UID, e.GID, e.Mode&PermMask, strconv.Quote(e.Path))
	if e.Kind == KindSymlink {
		line += " " + strconv.Quote(e.Target)
	}
	return line
}

// ReadManifest parses and verifies a manifest.
func ReadManifest(r io.Reader) (*Manifest, error) {
	br := bufio.NewReader(r)
	m := &Manifest{}
	var (
		count    = -1
		checksum string
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "manifest: can not read")
		}
		line = strings.TrimRight(line, "\n")
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, errors.Errorf("manifest: malformed header line %q", line)
		}
		switch key {
		case "Version":
			if value != ManifestVersion {
				return nil, errors.Errorf("manifest: unsupported version %q", value)
			}
		case "Partition":
			m.Partition = value
		case "Date":
			if m.Date, err = time.Parse(time.RFC3339, value); err != nil {
				return nil, errors.Wrap(err, "manifest: bad date")
			}
		case "Entries":
			if count, err = strconv.Atoi(value); err != nil {
				return nil, errors.Wrap(err, "manifest: bad entry count")
			}
		case "SHA256":
			checksum = value
		default:
			return nil, errors.Errorf("manifest: unknown header %q", key)
		}
		if key == "SHA256" {
			break
		}
		if err == io.EOF {
			return nil, errors.New("manifest: truncated header")
		}
	}
	if count < 0 {
		return nil, errors.New("manifest: missing entry count")
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Wrap(err, "manifest: can not read entries")
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != checksum {
		return nil, errors.New("manifest: checksum mismatch")
	}

	m.Entries = make([]Entry, 0, count)
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, e)
	}
	if len(m.Entries) != count {
		return nil, errors.Errorf("manifest: expected %d entries, found %d", count, len(m.Entries))
	}
	return m, nil
}

func parseEntry(line string) (Entry, error) {
	var e Entry
	fields := strings.SplitN(line, " ", 5)
	if len(fields) != 5 {
		return e, errors.Errorf("manifest: malformed entry %q", line)
	}
	var err error
	if e.Kind, err = parseEntryKind(fields[0]); err != nil {
		return e, err
	}
	if e.UID, err = strconv.Atoi(fields[1]); err != nil {
		return e, errors.Wrapf(err, "manifest: bad uid in %q", line)
	}
	if e.GID, err = strconv.Atoi(fields[2]); err != nil {
		return e, errors.Wrapf(err, "manifest: bad gid in %q", line)
	}
	mode, err := strconv.ParseUint(fields[3], 8, 32)
	if err != nil {
		return e, errors.Wrapf(err, "manifest: bad mode in %q", line)
	}
	e.Mode = uint32(mode) & PermMask

	rest := fields[4]
	quoted, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return e, errors.Wrapf(err, "manifest: bad path in %q", line)
	}
	if e.Path, err = strconv.Unquote(quoted); err != nil {
		return e, errors.Wrapf(err, "manifest: bad path in %q", line)
	}
	rest = strings.TrimPrefix(rest[len(quoted):], " ")
	if e.Kind == KindSymlink {
		if e.Target, err = strconv.Unquote(rest); err != nil {
			return e, errors.Wrapf(err, "manifest: bad symlink target in %q", line)
		}
	} else if rest != "" {
		return e, errors.Errorf("manifest: trailing data in %q", line)
	}
	return e, nil
}
