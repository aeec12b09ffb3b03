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

package repack

import (
	"github.com/payloadpack/imgpack/format"
	"github.com/payloadpack/imgpack/ledger"
)

const (
	BuilderErofs       = "mkfs.erofs"
	BuilderErofsSystem = "mkfs.erofs (system)"
	BuilderExt4        = "make_ext4fs"
	BuilderLoop        = "loop"
	BuilderBoot        = "magiskboot"
	BuilderArchive     = "archive"
)

// Record is the outcome of rebuilding one partition.
type Record struct {
	Partition string
	Root      string
	Format    format.Kind
	// Output is the image, or the archive when Degraded.
	Output     string
	Builder    string
	Builders   []string
	TargetSize int64
	Size       int64
	SHA256     string

	Success bool
	// Degraded is set when the tree was archived because no image could
	// be built.
	Degraded bool
	Restore  *ledger.RestoreResult
	Err      error
}

// TargetSize leaves a fifth of the original size for metadata growth and
// added files.
func TargetSize(original int64) int64 {
	return original * 6 / 5
}
