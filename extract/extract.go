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

// Package extract turns partition images into directory trees with the tool
// that fits the image format, falling back through alternatives when a tool
// is missing or fails.
package extract

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/payloadpack/imgpack/format"
	"github.com/payloadpack/imgpack/ledger"
	"github.com/payloadpack/imgpack/partition"
	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

const DefaultThreads = 8

// Progress receives the step being run and a rough percentage.
type Progress func(step string, percent int)

type Options struct {
	// Threads is the parallelism passed to the EROFS extractor.
	Threads int
}

// method is one way of extracting a format. The chain runner resolves tool
// before calling run.
type method struct {
	tool       string
	diagnostic bool
	run        func(ctx context.Context, j *job) error
}

type job struct {
	image  *partition.Image
	header format.Header
	out    string
	bin    string
	log    logrus.FieldLogger
}

type Orchestrator struct {
	tools    *toolchain.Set
	exec     shell.Executor
	detector *format.Detector
	ledger   *ledger.Ledger
	log      logrus.FieldLogger
	threads  int
	chains   map[format.Kind][]method
}

func NewOrchestrator(tools *toolchain.Set, exec shell.Executor, l *ledger.Ledger,
	log logrus.FieldLogger, opts Options) *Orchestrator {

	o := &Orchestrator{
		tools:    tools,
		exec:     exec,
		detector: format.NewDetector(exec),
		ledger:   l,
		log:      log,
		threads:  opts.Threads,
	}
	if o.threads <= 0 {
		o.threads = DefaultThreads
	}
	o.chains = map[format.Kind][]method{
		format.Erofs: {
			{tool: toolchain.ErofsExtract, run: o.erofsExtract},
			{tool: toolchain.ErofsFsck, run: o.erofsFsck},
			{tool: toolchain.ErofsDump, diagnostic: true, run: o.erofsDump},
		},
		format.Ext4: {
			{tool: toolchain.Ext4Dump, run: o.ext4Dump},
		},
		format.BootImage: {
			{tool: toolchain.BootSplit, run: o.bootSplit},
		},
		format.F2fs: {
			{tool: "mount", run: o.f2fsCopy},
		},
	}
	return o
}

// chainFor is the ordered list of formats tried for a detected kind.
func chainFor(kind format.Kind) []format.Kind {
	if kind == format.Unknown {
		return []format.Kind{format.Erofs, format.Ext4}
	}
	return []format.Kind{kind}
}

// Extract unpacks img into out, replacing whatever out held. Every failure
// is reported through the returned record.
func (o *Orchestrator) Extract(ctx context.Context, img *partition.Image, out string,
	progress Progress) *Record {

	if progress == nil {
		progress = func(string, int) {}
	}
	log := o.log.WithField("partition", img.Name)
	rec := &Record{Partition: img.Name, Root: out}

	progress("detect", 0)
	hdr := o.detector.Inspect(ctx, img.Path)
	img.Kind = hdr.Kind
	rec.Format, rec.Sparse = hdr.Kind, hdr.Sparse
	if hdr.Kind == format.Unknown {
		log.Warnf("Unrecognized image signature (%s), trying %s then %s",
			format.Diagnose(hdr.Raw), format.Erofs, format.Ext4)
	} else if hdr.Sparse {
		log.Infof("Detected sparse %s image", hdr.Kind)
	} else {
		log.Infof("Detected %s image", hdr.Kind)
	}

	// The manifest of an earlier extraction must not outlive its tree.
	if err := o.ledger.Discard(out); err != nil {
		rec.Err = errors.Wrapf(err, "partition %s", img.Name)
		return rec
	}
	if err := o.resetOutput(ctx, out, log); err != nil {
		rec.Err = errors.Wrapf(err, "partition %s: can not prepare %s", img.Name, out)
		return rec
	}

	j := &job{image: img, header: hdr, out: out, log: log}
	if err := o.runChain(ctx, j, chainFor(hdr.Kind), rec, progress); err != nil {
		rec.Err = err
		return rec
	}

	progress("capture", 80)
	capRes, err := o.ledger.Capture(ctx, out, img.Name)
	if err != nil {
		rec.Err = errors.Wrapf(err, "partition %s: extracted with %s", img.Name, rec.Tool())
		return rec
	}
	rec.Manifest, rec.ManifestPath, rec.FileCount = true, capRes.ManifestPath, capRes.FileCount

	progress("relax", 95)
	if err = o.ledger.Relax(ctx, out); err != nil {
		rec.Err = errors.Wrapf(err, "partition %s: extracted with %s", img.Name, rec.Tool())
		return rec
	}
	rec.Success = true
	progress("done", 100)
	log.Infof("Extracted %d entries with %s", rec.FileCount, rec.Tool())
	return rec
}

// runChain tries each method of each format until one leaves files in the
// output directory.
func (o *Orchestrator) runChain(ctx context.Context, j *job, kinds []format.Kind,
	rec *Record, progress Progress) error {

	var (
		causes  *multierror.Error
		formats []string
		step    int
		total   int
	)
	for _, k := range kinds {
		total += len(o.chains[k])
	}
	for _, kind := range kinds {
		formats = append(formats, kind.String())
		for _, m := range o.chains[kind] {
			progress(m.tool, 5+70*step/total)
			step++
			log := j.log.WithField("tool", m.tool)

			bin, ok := o.tools.Find(m.tool)
			if !ok {
				err := toolchain.Unavailable(m.tool)
				log.Info("Not available, skipping")
				rec.Attempts = append(rec.Attempts, Attempt{Format: kind, Tool: m.tool, Outcome: Unavailable, Err: err})
				causes = multierror.Append(causes, err)
				continue
			}
			j.bin, j.log = bin, log

			err := m.run(ctx, j)
			if m.diagnostic {
				if err != nil {
					log.Warnf("Diagnostics failed: %v", err)
				}
				rec.Attempts = append(rec.Attempts, Attempt{Format: kind, Tool: m.tool, Outcome: Diagnostic, Err: err})
				continue
			}
			if err == nil {
				if err = o.materialized(ctx, j.out); err == nil {
					rec.Attempts = append(rec.Attempts, Attempt{Format: kind, Tool: m.tool, Outcome: Succeeded})
					return nil
				}
			}
			log.Warnf("Extraction failed: %v", err)
			rec.Attempts = append(rec.Attempts, Attempt{Format: kind, Tool: m.tool, Outcome: Failed, Err: err})
			causes = multierror.Append(causes, err)
			if cerr := o.resetOutput(ctx, j.out, log); cerr != nil {
				return errors.Wrapf(cerr, "partition %s: can not clean %s", j.image.Name, j.out)
			}
		}
	}
	return &toolchain.ChainExhaustedError{
		Partition: j.image.Name,
		Formats:   formats,
		Tools:     rec.Tools(),
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

// resetOutput leaves out as an empty directory.
func (o *Orchestrator) resetOutput(ctx context.Context, out string, log logrus.FieldLogger) error {
	_, err := o.run(ctx, log, "mkdir",
		"rm -rf "+shell.Quote(out),
		"mkdir -p "+shell.Quote(out))
	return err
}

func (o *Orchestrator) materialized(ctx context.Context, out string) error {
	res := o.exec.Run(ctx, "ls -A "+shell.Quote(out))
	if !res.Success {
		return toolchain.Check("ls", res)
	}
	if len(res.Stdout) == 0 {
		return errors.New("no files were extracted")
	}
	return nil
}

func threadsFlag(n int) string {
	return fmt.Sprintf("-T%d", n)
}
