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

// Package format identifies partition image formats from their magic bytes.
package format

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	Ext4
	Erofs
	F2fs
	BootImage
)

var kindNames = map[Kind]string{
	Unknown:   "unknown",
	Ext4:      "ext4",
	Erofs:     "erofs",
	F2fs:      "f2fs",
	BootImage: "boot",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return Unknown, errors.Errorf("unknown format %q", s)
}

const (
	// HeaderWindow is the number of leading bytes inspected.
	HeaderWindow = 8 * 1024

	BootMagic = "ANDROID!"

	SparseMagic uint32 = 0x3AFF26ED

	// The EXT2/3/4 superblock starts at 0x400, s_magic sits 0x38 into it.
	Ext4MagicOffset        = 0x438
	Ext4Magic       uint16 = 0xEF53

	SuperblockOffset        = 0x400
	ErofsMagic       uint32 = 0xE0F5E1E2
	F2fsMagic        uint32 = 0xF2F52010
)

// Classify applies the magic checks in priority order; first match wins.
func Classify(buf []byte) Kind {
	switch {
	case len(buf) >= len(BootMagic) && bytes.Equal(buf[:len(BootMagic)], []byte(BootMagic)):
		return BootImage
	case IsSparse(buf):
		// Sparse images are always EXT4 payloads here.
		return Ext4
	case le16(buf, Ext4MagicOffset) == Ext4Magic:
		return Ext4
	case le32(buf, SuperblockOffset) == ErofsMagic:
		return Erofs
	case le32(buf, SuperblockOffset) == F2fsMagic:
		return F2fs
	}
	return Unknown
}

// IsSparse reports whether buf starts with the Android sparse image magic.
func IsSparse(buf []byte) bool {
	return le32(buf, 0) == SparseMagic
}

// Diagnose renders the bytes the classifier looked at, for the log.
func Diagnose(buf []byte) string {
	var parts []string
	for _, off := range []int{0, SuperblockOffset, Ext4MagicOffset} {
		end := off + 8
		if end > len(buf) {
			end = len(buf)
		}
		if off >= end {
			parts = append(parts, fmt.Sprintf("0x%x: <eof>", off))
			continue
		}
		parts = append(parts, fmt.Sprintf("0x%x: %s", off, hex.EncodeToString(buf[off:end])))
	}
	return strings.Join(parts, " ")
}

func le16(buf []byte, off int) uint16 {
	if len(buf) < off+2 {
		return 0
	}
	return binary.LittleEndian.Uint16(buf[off:])
}

func le32(buf []byte, off int) uint32 {
	if len(buf) < off+4 {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[off:])
}
