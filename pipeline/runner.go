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

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/payloadpack/imgpack/extract"
	"github.com/payloadpack/imgpack/partition"
	"github.com/payloadpack/imgpack/payload"
	"github.com/payloadpack/imgpack/repack"
)

type Extractor interface {
	Extract(ctx context.Context, img *partition.Image, out string, progress extract.Progress) *extract.Record
}

type Repacker interface {
	Repack(ctx context.Context, root string, img *partition.Image, progress repack.Progress) *repack.Record
}

// Job is one asynchronous operation on one partition.
type Job struct {
	Partition string
	Operation Operation

	done    chan struct{}
	extract *extract.Record
	repack  *repack.Record
	payload *payload.Result
	err     error
}

func newJob(name string, op Operation) *Job {
	return &Job{Partition: name, Operation: op, done: make(chan struct{})}
}

// Wait blocks until the job has finished and returns its terminal error.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

func (j *Job) ExtractRecord() *extract.Record {
	<-j.done
	return j.extract
}

func (j *Job) RepackRecord() *repack.Record {
	<-j.done
	return j.repack
}

func (j *Job) PayloadResult() *payload.Result {
	<-j.done
	return j.payload
}

type Runner struct {
	mu sync.Mutex
	// inflight holds every partition with a running job. It is separate
	// from the machine, whose entries can be forgotten while a job runs.
	inflight map[string]Operation

	machine   *Machine
	ring      *Ring
	extractor Extractor
	repacker  Repacker
	decoder   payload.Decoder
	log       logrus.FieldLogger
}

type Options struct {
	Extractor Extractor
	Repacker  Repacker
	Decoder   payload.Decoder
	Ring      *Ring
	Log       logrus.FieldLogger
}

func NewRunner(opts Options) *Runner {
	ring := opts.Ring
	if ring == nil {
		ring = NewRing(DefaultRingCapacity)
	}
	return &Runner{
		inflight:  map[string]Operation{},
		machine:   NewMachine(),
		ring:      ring,
		extractor: opts.Extractor,
		repacker:  opts.Repacker,
		decoder:   opts.Decoder,
		log:       opts.Log,
	}
}

func (r *Runner) Machine() *Machine {
	return r.machine
}

func (r *Runner) Ring() *Ring {
	return r.ring
}

func (r *Runner) Decoder() payload.Decoder {
	return r.decoder
}

// acquire claims name for op until release is called.
func (r *Runner) acquire(name string, op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running, ok := r.inflight[name]; ok {
		return errors.Wrapf(ErrBusy, "%s is running %s", name, running)
	}
	if err := r.machine.Begin(name, op); err != nil {
		return err
	}
	r.inflight[name] = op
	return nil
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.inflight, name)
	r.mu.Unlock()
}

// StartExtract extracts img into the project's extracted directory in the
// background. The job is not cancelled when ctx is.
func (r *Runner) StartExtract(ctx context.Context, img *partition.Image) (*Job, error) {
	if err := r.acquire(img.Name, OpExtract); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	job := newJob(img.Name, OpExtract)
	go func() {
		defer close(job.done)
		defer r.release(img.Name)
		rec := r.extractor.Extract(ctx, img, partition.ExtractRoot(img.Project(), img.Name),
			func(step string, percent int) {
				r.machine.Progress(img.Name, step, percent)
			})
		job.extract, job.err = rec, rec.Err
		if rec.Err != nil {
			r.log.WithField("partition", img.Name).Errorf("Extraction failed: %v", rec.Err)
			r.machine.Fail(img.Name, rec.Err.Error())
			return
		}
		r.machine.Succeed(img.Name, rec.FileCount, false,
			fmt.Sprintf("%d entries extracted with %s", rec.FileCount, rec.Tool()))
	}()
	return job, nil
}

// StartRepack rebuilds img from its extracted tree in the background.
func (r *Runner) StartRepack(ctx context.Context, img *partition.Image) (*Job, error) {
	if err := r.acquire(img.Name, OpRepack); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	job := newJob(img.Name, OpRepack)
	go func() {
		defer close(job.done)
		defer r.release(img.Name)
		rec := r.repacker.Repack(ctx, partition.ExtractRoot(img.Project(), img.Name), img,
			func(step string, percent int) {
				r.machine.Progress(img.Name, step, percent)
			})
		job.repack, job.err = rec, rec.Err
		if rec.Err != nil {
			r.log.WithField("partition", img.Name).Errorf("Repack failed: %v", rec.Err)
			r.machine.Fail(img.Name, rec.Err.Error())
			return
		}
		restored := 0
		if rec.Restore != nil {
			restored = rec.Restore.Restored
		}
		msg := fmt.Sprintf("built %s with %s", filepath.Base(rec.Output), rec.Builder)
		if rec.Degraded {
			msg = fmt.Sprintf("image could not be built, archived as %s", filepath.Base(rec.Output))
		}
		r.machine.Succeed(img.Name, restored, rec.Degraded, msg)
	}()
	return job, nil
}

// PayloadKey is the state key of a payload extraction.
func PayloadKey(path string) string {
	return "payload:" + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// StartPayload runs the external decoder and mirrors its progress into the
// state of PayloadKey(path).
func (r *Runner) StartPayload(ctx context.Context, path, outDir string) (*Job, error) {
	key := PayloadKey(path)
	if err := r.acquire(key, OpPayload); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	job := newJob(key, OpPayload)
	ext := r.decoder.Extract(ctx, path, outDir)
	go func() {
		defer close(job.done)
		defer r.release(key)
		for p := range ext.Progress() {
			r.machine.Progress(key, p.File, p.Percent)
		}
		res, err := ext.Wait()
		if n := ext.Dropped(); n > 0 {
			r.log.WithField("partition", key).Debugf("%d progress updates were dropped", n)
		}
		job.payload, job.err = res, err
		if err != nil {
			r.log.WithField("partition", key).Errorf("Payload extraction failed: %v", err)
			r.machine.Fail(key, err.Error())
			return
		}
		r.machine.Succeed(key, len(res.Extracted), false,
			fmt.Sprintf("%d partitions extracted", len(res.Extracted)))
	}()
	return job, nil
}

// RunAll runs op for every image and waits for all of them. One failing
// partition does not stop the others; the first error is returned.
func (r *Runner) RunAll(ctx context.Context, op Operation, images []*partition.Image) ([]*Job, error) {
	var g errgroup.Group
	jobs := make([]*Job, len(images))
	for i, img := range images {
		var (
			job *Job
			err error
		)
		switch op {
		case OpExtract:
			job, err = r.StartExtract(ctx, img)
		case OpRepack:
			job, err = r.StartRepack(ctx, img)
		default:
			err = errors.Errorf("operation %s can not run on partitions", op)
		}
		if err != nil {
			g.Go(func() error { return err })
			continue
		}
		jobs[i] = job
		g.Go(job.Wait)
	}
	return jobs, g.Wait()
}
