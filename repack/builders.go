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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
	"github.com/pkg/errors"

	"github.com/payloadpack/imgpack/mount"
	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

func (o *Orchestrator) mkfsErofs(ctx context.Context, j *job) error {
	_, err := o.run(ctx, j.log, toolchain.ErofsMkfs,
		"rm -f "+shell.Quote(j.output),
		shell.Join(j.bin, "-z"+o.opts.ErofsCompression,
			"--mount-point=/"+j.image.Name, j.output, j.root))
	return err
}

func (o *Orchestrator) makeExt4(ctx context.Context, j *job) error {
	_, err := o.run(ctx, j.log, toolchain.Ext4Make,
		"rm -f "+shell.Quote(j.output),
		shell.Join(j.bin, "-J", "-T", "1", "-L", j.image.Name,
			"-l", fmt.Sprint(j.target), "-a", "/"+j.image.Name, j.output, j.root))
	return err
}

// loopBuild formats a file of the target size in the loop directory, copies
// the tree into it through a loop mount and moves the result into place.
// A MountFailureError means no loop method worked.
func (o *Orchestrator) loopBuild(ctx context.Context, j *job) (err error) {
	scratch := filepath.Join(o.opts.LoopDir, "imgpack-"+j.image.Name+".img")
	point := filepath.Join(o.opts.LoopDir, "imgpack-"+j.image.Name+".mnt")
	defer func() {
		if err != nil {
			o.exec.Run(ctx, "rm -f "+shell.Quote(scratch))
		}
		o.exec.Run(ctx, "rmdir "+shell.Quote(point))
	}()

	if _, err = o.run(ctx, j.log, "truncate",
		"rm -f "+shell.Quote(scratch),
		fmt.Sprintf("truncate -s %d %s", j.target, shell.Quote(scratch))); err != nil {
		return err
	}
	if _, err = o.run(ctx, j.log, toolchain.Ext4Format,
		shell.Join(j.bin, "-t", "ext4", "-F", "-q", "-L", j.image.Name, scratch)); err != nil {
		return err
	}

	m, err := mount.Loop(ctx, o.exec, j.log, scratch, point, "ext4", false)
	if err != nil {
		return err
	}
	_, err = o.run(ctx, j.log, "cp", fmt.Sprintf("cp -a %s/. %s",
		shell.Quote(j.root), shell.Quote(point)))
	if rerr := m.Release(ctx); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	_, err = o.run(ctx, j.log, "mv", shell.Join("mv", "-f", scratch, j.output))
	return err
}

// bootRepack runs the repacker from a staging copy of the split segments so
// that the extracted tree is left as it is.
func (o *Orchestrator) bootRepack(ctx context.Context, j *job) error {
	stage, err := os.MkdirTemp(filepath.Dir(j.output), "."+j.image.Name+"-boot-")
	if err != nil {
		return errors.Wrap(err, "can not create staging directory")
	}
	defer os.RemoveAll(stage)

	err = copy.Copy(j.root, stage, copy.Options{
		OnSymlink:     func(string) copy.SymlinkAction { return copy.Shallow },
		PreserveTimes: true,
	})
	if err != nil {
		return errors.Wrap(err, "can not stage boot segments")
	}
	const repacked = "new-boot.img"
	_, err = o.run(ctx, j.log, toolchain.BootRepack,
		shell.InDir(stage, shell.Join(j.bin, "repack", j.image.Path, repacked)),
		shell.Join("mv", "-f", filepath.Join(stage, repacked), j.output))
	return err
}
