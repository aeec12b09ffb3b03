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

// Package toolchain resolves the external image tools once and describes
// the ways running them can fail.
package toolchain

import (
	"sort"

	"github.com/payloadpack/imgpack/utils"
)

// Names of the tools looked up inside the tool directory.
const (
	ErofsExtract = "extract.erofs"
	ErofsFsck    = "fsck.erofs"
	ErofsDump    = "dump.erofs"
	ErofsMkfs    = "mkfs.erofs"
	Ext4Make     = "make_ext4fs"
	Ext4Dump     = "debugfs"
	Ext4Format   = "mke2fs"
	SparseToRaw  = "simg2img"
	BootSplit    = "magiskboot"
	BootRepack   = "magiskboot"
)

// Bundled lists every tool name searched for in the tool directory.
var Bundled = []string{
	ErofsExtract,
	ErofsFsck,
	ErofsDump,
	ErofsMkfs,
	Ext4Make,
	Ext4Dump,
	Ext4Format,
	SparseToRaw,
	BootSplit,
}

// Set is the immutable result of resolving a tool directory. A tool that
// is absent is simply not in the set.
type Set struct {
	dir     string
	bundled map[string]string
	system  func(string) (string, error)
}

// Resolve scans dir for the Bundled tools.
func Resolve(dir string) *Set {
	found := make(map[string]string, len(Bundled))
	for _, name := range Bundled {
		if p, err := utils.GetBundledBinaryPath(dir, name); err == nil {
			found[name] = p
		}
	}
	return &Set{dir: dir, bundled: found, system: utils.GetBinaryPath}
}

// NewSet builds a set from an explicit name to path mapping. A nil system
// lookup disables system tools altogether.
func NewSet(dir string, tools map[string]string, system func(string) (string, error)) *Set {
	bundled := make(map[string]string, len(tools))
	for k, v := range tools {
		bundled[k] = v
	}
	return &Set{dir: dir, bundled: bundled, system: system}
}

func (s *Set) Dir() string {
	return s.dir
}

// Bundled returns the path of a tool shipped in the tool directory.
func (s *Set) Bundled(name string) (string, bool) {
	p, ok := s.bundled[name]
	return p, ok
}

// System returns the path of a tool provided by the host.
func (s *Set) System(name string) (string, bool) {
	if s.system == nil {
		return "", false
	}
	p, err := s.system(name)
	if err != nil {
		return "", false
	}
	return p, true
}

// Find prefers the bundled tool and falls back to the host one.
func (s *Set) Find(name string) (string, bool) {
	if p, ok := s.Bundled(name); ok {
		return p, true
	}
	return s.System(name)
}

// Available lists the bundled tool names, sorted.
func (s *Set) Available() []string {
	names := make([]string, 0, len(s.bundled))
	for k := range s.bundled {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
