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

// Package repack rebuilds partition images from extracted trees.
package repack

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/payloadpack/imgpack/archiver"
	"github.com/payloadpack/imgpack/format"
	"github.com/payloadpack/imgpack/ledger"
	"github.com/payloadpack/imgpack/partition"
	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

const DefaultErofsCompression = "lz4hc"

type Progress func(step string, percent int)

type Options struct {
	// LoopDir must allow loop mounting of regular files.
	LoopDir          string
	ErofsCompression string
	// Compressor is used for the archive written when no image can be
	// built.
	Compressor archiver.Compressor
}

type builder struct {
	name    string
	tool    string
	resolve func(string) (string, bool)
	build   func(ctx context.Context, j *job) error
}

type job struct {
	image  *partition.Image
	root   string
	output string
	target int64
	bin    string
	log    logrus.FieldLogger
}

type Orchestrator struct {
	tools    *toolchain.Set
	exec     shell.Executor
	detector *format.Detector
	ledger   *ledger.Ledger
	log      logrus.FieldLogger
	opts     Options
	chains   map[format.Kind][]builder
	fallback []builder
}

func NewOrchestrator(tools *toolchain.Set, exec shell.Executor, l *ledger.Ledger,
	log logrus.FieldLogger, opts Options) *Orchestrator {

	if opts.LoopDir == "" {
		opts.LoopDir = os.TempDir()
	}
	if opts.ErofsCompression == "" {
		opts.ErofsCompression = DefaultErofsCompression
	}
	if opts.Compressor == nil {
		opts.Compressor = archiver.NewCompressorGzip()
	}
	o := &Orchestrator{
		tools:    tools,
		exec:     exec,
		detector: format.NewDetector(exec),
		ledger:   l,
		log:      log,
		opts:     opts,
	}
	loop := builder{name: BuilderLoop, tool: toolchain.Ext4Format, resolve: tools.Find, build: o.loopBuild}
	o.chains = map[format.Kind][]builder{
		format.Erofs: {
			{name: BuilderErofs, tool: toolchain.ErofsMkfs, resolve: tools.Bundled, build: o.mkfsErofs},
			{name: BuilderErofsSystem, tool: toolchain.ErofsMkfs, resolve: tools.System, build: o.mkfsErofs},
		},
		format.Ext4: {
			{name: BuilderExt4, tool: toolchain.Ext4Make, resolve: tools.Bundled, build: o.makeExt4},
			loop,
		},
		format.BootImage: {
			{name: BuilderBoot, tool: toolchain.BootRepack, resolve: tools.Find, build: o.bootRepack},
		},
	}
	o.fallback = []builder{loop}
	return o
}

func (o *Orchestrator) chainFor(kind format.Kind) []builder {
	if c, ok := o.chains[kind]; ok {
		return c
	}
	return o.fallback
}

// Repack restores the recorded permissions of root and builds a new image
// for img into the project's repacked directory.
func (o *Orchestrator) Repack(ctx context.Context, root string, img *partition.Image,
	progress Progress) *Record {

	if progress == nil {
		progress = func(string, int) {}
	}
	log := o.log.WithField("partition", img.Name)
	rec := &Record{Partition: img.Name, Root: root}

	if o.ledger.HasManifest(root) {
		progress("restore", 0)
		res, err := o.ledger.Restore(ctx, root)
		rec.Restore = res
		if err != nil {
			rec.Err = errors.Wrapf(err, "partition %s: can not restore permissions", img.Name)
			return rec
		}
	} else {
		log.Warn("No permission manifest, repacking with the current ownership")
	}

	progress("detect", 20)
	rec.Format = img.Detect(ctx, o.detector)
	rec.TargetSize = TargetSize(img.Size)
	log.Infof("Rebuilding %s image, target size %s", rec.Format, humanize.IBytes(uint64(rec.TargetSize)))

	outDir := partition.RepackDir(img.Project())
	if _, err := o.run(ctx, log, "mkdir", "mkdir -p "+shell.Quote(outDir)); err != nil {
		rec.Err = errors.Wrapf(err, "partition %s: can not create %s", img.Name, outDir)
		return rec
	}

	j := &job{
		image:  img,
		root:   root,
		output: partition.RepackedImage(img.Project(), img.Name),
		target: rec.TargetSize,
		log:    log,
	}
	if err := o.runChain(ctx, j, rec, progress); err != nil {
		rec.Err = err
		return rec
	}

	progress("digest", 95)
	if err := o.digest(rec); err != nil {
		log.Warnf("Can not checksum %s: %v", rec.Output, err)
	}
	rec.Success = true
	progress("done", 100)
	if rec.Degraded {
		log.Warnf("No image could be built, archived the tree to %s (%s)",
			rec.Output, humanize.IBytes(uint64(rec.Size)))
	} else {
		log.Infof("Built %s with %s (%s)", rec.Output, rec.Builder, humanize.IBytes(uint64(rec.Size)))
	}
	return rec
}

func (o *Orchestrator) runChain(ctx context.Context, j *job, rec *Record, progress Progress) error {
	chain := o.chainFor(rec.Format)
	var causes *multierror.Error
	for i, b := range chain {
		progress(b.name, 30+60*i/len(chain))
		rec.Builders = append(rec.Builders, b.name)
		log := j.log.WithField("tool", b.name)

		bin, ok := b.resolve(b.tool)
		if !ok {
			log.Info("Not available, skipping")
			causes = multierror.Append(causes, toolchain.Unavailable(b.tool))
			continue
		}
		j.bin, j.log = bin, log

		err := b.build(ctx, j)
		if err == nil {
			rec.Output, rec.Builder = j.output, b.name
			return nil
		}
		if toolchain.IsMountFailure(err) {
			log.Warnf("%v, packaging the tree as an archive", err)
			progress(BuilderArchive, 90)
			return o.archive(ctx, j, rec)
		}
		log.Warnf("Build failed: %v", err)
		causes = multierror.Append(causes, err)
		o.exec.Run(ctx, "rm -f "+shell.Quote(j.output))
	}
	return &toolchain.ChainExhaustedError{
		Partition: j.image.Name,
		Formats:   []string{rec.Format.String()},
		Tools:     rec.Builders,
		Causes:    causes,
	}
}

func (o *Orchestrator) run(ctx context.Context, log logrus.FieldLogger, tool string, cmds ...string) (shell.Result, error) {
	res := o.exec.Run(ctx, cmds...)
	for _, line := range res.Stderr {
		log.Warn(line)
	}
	return res, toolchain.Check(tool, res)
}

func (o *Orchestrator) digest(rec *Record) error {
	f, err := os.Open(rec.Output)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return err
	}
	rec.Size = n
	rec.SHA256 = hex.EncodeToString(h.Sum(nil))
	return nil
}

// archive packs the tree with the recorded ownership when no image could be
// built. The tree is opened up for reading and restored again afterwards.
func (o *Orchestrator) archive(ctx context.Context, j *job, rec *Record) error {
	rec.Builders = append(rec.Builders, BuilderArchive)
	out := filepath.Join(partition.RepackDir(j.image.Project()),
		archiver.ArchiveName(j.image.Name, o.opts.Compressor))

	var overrides map[string]archiver.Owner
	if m, err := o.ledger.Load(j.root); err == nil {
		overrides = make(map[string]archiver.Owner, len(m.Entries))
		for _, e := range m.Entries {
			overrides[e.Path] = archiver.Owner{UID: e.UID, GID: e.GID, Mode: e.Mode}
		}
		if err = o.ledger.Relax(ctx, j.root); err != nil {
			return errors.Wrapf(err, "partition %s: can not read tree for archiving", j.image.Name)
		}
		defer func() {
			if _, err := o.ledger.Restore(ctx, j.root); err != nil {
				j.log.Warnf("Can not restore permissions after archiving: %v", err)
			}
		}()
	}

	res, err := archiver.NewTreeArchiver(o.opts.Compressor, overrides, j.log).Pack(j.root, out)
	if err != nil {
		return errors.Wrapf(err, "partition %s: archive fallback failed", j.image.Name)
	}
	if res.Skipped > 0 {
		j.log.Warnf("%d entries could not be archived", res.Skipped)
	}
	rec.Output, rec.Builder, rec.Degraded = out, BuilderArchive, true
	return nil
}
