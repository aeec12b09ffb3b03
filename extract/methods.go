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

package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/payloadpack/imgpack/mount"
	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

func (o *Orchestrator) erofsExtract(ctx context.Context, j *job) error {
	_, err := o.run(ctx, j.log, toolchain.ErofsExtract, shell.Join(j.bin,
		"-i", j.image.Path, "-x", threadsFlag(o.threads), "-o", j.out))
	return err
}

func (o *Orchestrator) erofsFsck(ctx context.Context, j *job) error {
	_, err := o.run(ctx, j.log, toolchain.ErofsFsck, shell.Join(j.bin,
		"--extract="+j.out, j.image.Path))
	return err
}

// erofsDump logs the superblock and root directory listing.
func (o *Orchestrator) erofsDump(ctx context.Context, j *job) error {
	res, err := o.run(ctx, j.log, toolchain.ErofsDump,
		shell.Join(j.bin, "-s", j.image.Path),
		shell.Join(j.bin, "--ls", "--path=/", j.image.Path))
	for _, line := range res.Stdout {
		j.log.Info(line)
	}
	return err
}

// ext4Dump copies the whole filesystem out with debugfs. Sparse images are
// expanded next to the output first.
func (o *Orchestrator) ext4Dump(ctx context.Context, j *job) error {
	image := j.image.Path
	if j.header.Sparse {
		conv, ok := o.tools.Find(toolchain.SparseToRaw)
		if !ok {
			return toolchain.Unavailable(toolchain.SparseToRaw)
		}
		raw := filepath.Join(filepath.Dir(j.out), "."+j.image.Name+".raw.img")
		defer o.exec.Run(ctx, "rm -f "+shell.Quote(raw))
		if _, err := o.run(ctx, j.log, toolchain.SparseToRaw, shell.Join(conv, image, raw)); err != nil {
			return err
		}
		image = raw
	}
	res := o.exec.Run(ctx, shell.Join(j.bin, "-R", `rdump / "`+j.out+`"`, image))
	for _, line := range res.Stderr {
		// debugfs prints its version banner on stderr
		if strings.HasPrefix(line, "debugfs ") {
			continue
		}
		j.log.Warn(line)
	}
	return toolchain.Check(toolchain.Ext4Dump, res)
}

// bootSplit unpacks the boot image segments and header into the output
// directory.
func (o *Orchestrator) bootSplit(ctx context.Context, j *job) error {
	res, err := o.run(ctx, j.log, toolchain.BootSplit,
		shell.InDir(j.out, shell.Join(j.bin, "unpack", "-h", j.image.Path)))
	for _, line := range res.Stdout {
		j.log.Debug(line)
	}
	return err
}

// f2fsCopy mounts the image read-only and copies the tree out. The mount
// is released on every path.
func (o *Orchestrator) f2fsCopy(ctx context.Context, j *job) (err error) {
	point := filepath.Join(filepath.Dir(j.out), fmt.Sprintf(".%s.mnt", j.image.Name))
	m, err := mount.Loop(ctx, o.exec, j.log, j.image.Path, point, "f2fs", true)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
		o.exec.Run(ctx, "rmdir "+shell.Quote(point))
	}()
	_, err = o.run(ctx, j.log, "cp", fmt.Sprintf("cp -a %s/. %s",
		shell.Quote(point), shell.Quote(j.out)))
	return err
}
