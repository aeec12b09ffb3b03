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

// Package archiver packs extracted trees into compressed tar archives when a
// partition image can not be rebuilt.
package archiver

import (
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Compressor interface {
	GetFileExtension() string
	NewReader(r io.Reader) (io.ReadCloser, error)
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

var (
	compressors          = map[string]Compressor{}
	ErrUnknownCompressor = errors.New("unknown compressor")
)

func RegisterCompressor(id string, c Compressor) {
	compressors[id] = c
}

func NewCompressorFromId(id string) (Compressor, error) {
	c, ok := compressors[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCompressor, "%q", id)
	}
	return c, nil
}

// NewCompressorFromFileName picks the compressor by the file extension.
// Unrecognized extensions are treated as uncompressed.
func NewCompressorFromFileName(name string) (Compressor, error) {
	ext := filepath.Ext(name)
	for _, c := range compressors {
		if e := c.GetFileExtension(); e != "" && e == ext {
			return c, nil
		}
	}
	return NewCompressorFromId("none")
}

// GetRegisteredCompressorIds lists the ids with "none" first, the rest
// sorted.
func GetRegisteredCompressorIds() []string {
	ids := make([]string, 0, len(compressors))
	for id := range compressors {
		if id != "none" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := compressors["none"]; ok {
		ids = append([]string{"none"}, ids...)
	}
	return ids
}

// CompressorId is the reverse lookup of a registered compressor.
func CompressorId(c Compressor) string {
	for id, r := range compressors {
		if r == c {
			return id
		}
	}
	return ""
}

type CompressorNone struct{}

func (CompressorNone) GetFileExtension() string { return "" }

func (CompressorNone) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (CompressorNone) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func init() {
	RegisterCompressor("none", CompressorNone{})
}

// ArchiveName is the file name of the archive that replaces name.img.
func ArchiveName(name string, c Compressor) string {
	return strings.TrimSuffix(name, ".img") + ".tar" + c.GetFileExtension()
}
