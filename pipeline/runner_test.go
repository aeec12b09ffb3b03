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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payloadpack/imgpack/extract"
	"github.com/payloadpack/imgpack/ledger"
	"github.com/payloadpack/imgpack/partition"
	"github.com/payloadpack/imgpack/payload"
	"github.com/payloadpack/imgpack/repack"
	"github.com/payloadpack/imgpack/toolchain"
)

type fakeExtractor struct {
	mu      sync.Mutex
	release chan struct{}
	fail    map[string]bool
	outs    map[string]string
	ctxErr  error
}

func (f *fakeExtractor) Extract(ctx context.Context, img *partition.Image, out string,
	progress extract.Progress) *extract.Record {

	progress(toolchain.ErofsExtract, 10)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.outs[img.Name] = out
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	rec := &extract.Record{Partition: img.Name, Root: out,
		Attempts: []extract.Attempt{{Tool: toolchain.ErofsExtract}}}
	if f.fail[img.Name] {
		rec.Err = &toolchain.ChainExhaustedError{Partition: img.Name, Tools: []string{toolchain.ErofsExtract}}
		return rec
	}
	rec.Success, rec.FileCount = true, 42
	return rec
}

type fakeRepacker struct {
	degraded bool
}

func (f *fakeRepacker) Repack(ctx context.Context, root string, img *partition.Image,
	progress repack.Progress) *repack.Record {

	progress(repack.BuilderLoop, 50)
	rec := &repack.Record{Partition: img.Name, Root: root, Success: true,
		Restore: &ledger.RestoreResult{Restored: 7}}
	if f.degraded {
		rec.Builder, rec.Degraded = repack.BuilderArchive, true
		rec.Output = filepath.Join(partition.RepackDir(img.Project()), img.Name+".tar.gz")
	} else {
		rec.Builder = repack.BuilderExt4
		rec.Output = partition.RepackedImage(img.Project(), img.Name)
	}
	return rec
}

type fakeDecoder struct {
	events []payload.Progress
	result *payload.Result
	// inline publishes every event before Extract returns.
	inline bool
}

func (f *fakeDecoder) Inspect(ctx context.Context, path string) (*payload.Inspection, error) {
	return nil, errors.New("not used")
}

func (f *fakeDecoder) Extract(ctx context.Context, path, out string) *payload.Extraction {
	e := payload.NewExtraction()
	publish := func() {
		for _, p := range f.events {
			e.Publish(p)
		}
		e.Finish(f.result, nil)
	}
	if f.inline {
		publish()
	} else {
		go publish()
	}
	return e
}

func images(t *testing.T, names ...string) []*partition.Image {
	dir := t.TempDir()
	var out []*partition.Image
	for _, n := range names {
		path := filepath.Join(dir, n+".img")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		img, err := partition.New(path)
		require.NoError(t, err)
		out = append(out, img)
	}
	return out
}

func newRunner(ex Extractor, rp Repacker, dec payload.Decoder) (*Runner, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	ring := NewRing(20)
	logger.AddHook(ring)
	return NewRunner(Options{Extractor: ex, Repacker: rp, Decoder: dec, Ring: ring, Log: logger}), hook
}

func TestStartExtract(t *testing.T) {
	ex := &fakeExtractor{outs: map[string]string{}, release: make(chan struct{})}
	r, _ := newRunner(ex, nil, nil)
	img := images(t, "system")[0]

	ctx, cancel := context.WithCancel(context.Background())
	job, err := r.StartExtract(ctx, img)
	require.NoError(t, err)

	_, err = r.StartExtract(context.Background(), img)
	assert.True(t, errors.Is(err, ErrBusy))

	// Navigating away does not stop the job.
	cancel()
	close(ex.release)
	require.NoError(t, job.Wait())
	assert.NoError(t, ex.ctxErr)
	assert.Equal(t, partition.ExtractRoot(img.Project(), "system"), ex.outs["system"])

	s, ok := r.Machine().Get("system")
	require.True(t, ok)
	assert.Equal(t, Succeeded, s.Phase)
	assert.Equal(t, 42, s.Count)
	assert.Equal(t, "42 entries extracted with extract.erofs", s.Message)
	assert.Equal(t, 42, job.ExtractRecord().FileCount)
}

func TestForgottenPartitionKeepsRunning(t *testing.T) {
	ex := &fakeExtractor{outs: map[string]string{}, release: make(chan struct{})}
	r, _ := newRunner(ex, nil, nil)
	img := images(t, "vendor")[0]

	job, err := r.StartExtract(context.Background(), img)
	require.NoError(t, err)
	r.Machine().Forget("vendor")

	// The running job still owns the partition.
	_, err = r.StartExtract(context.Background(), img)
	assert.True(t, errors.Is(err, ErrBusy))
	_, err = r.StartRepack(context.Background(), img)
	assert.True(t, errors.Is(err, ErrBusy))
	_, ok := r.Machine().Get("vendor")
	assert.False(t, ok)

	close(ex.release)
	require.NoError(t, job.Wait())
	_, ok = r.Machine().Get("vendor")
	assert.False(t, ok)

	job, err = r.StartExtract(context.Background(), img)
	require.NoError(t, err)
	require.NoError(t, job.Wait())
	s, ok := r.Machine().Get("vendor")
	require.True(t, ok)
	assert.Equal(t, Succeeded, s.Phase)
}

func TestRunAllIsolatesFailures(t *testing.T) {
	ex := &fakeExtractor{outs: map[string]string{}, fail: map[string]bool{"odm": true}}
	r, _ := newRunner(ex, nil, nil)
	imgs := images(t, "system", "odm", "vendor")

	jobs, err := r.RunAll(context.Background(), OpExtract, imgs)
	require.Error(t, err)
	assert.True(t, toolchain.IsChainExhausted(err))
	require.Len(t, jobs, 3)

	states := map[string]Phase{}
	for _, s := range r.Machine().Snapshot() {
		states[s.Partition] = s.Phase
	}
	assert.Equal(t, map[string]Phase{"system": Succeeded, "odm": Failed, "vendor": Succeeded}, states)

	var failed bool
	for _, line := range r.Ring().Lines() {
		if line == "error: [odm] Extraction failed: "+jobs[1].Wait().Error() {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestRunAllRejectsPayloadOperation(t *testing.T) {
	r, _ := newRunner(nil, nil, nil)
	_, err := r.RunAll(context.Background(), OpPayload, images(t, "system"))
	assert.Error(t, err)
}

func TestStartRepack(t *testing.T) {
	for _, degraded := range []bool{false, true} {
		r, _ := newRunner(nil, &fakeRepacker{degraded: degraded}, nil)
		img := images(t, "product")[0]
		job, err := r.StartRepack(context.Background(), img)
		require.NoError(t, err)
		require.NoError(t, job.Wait())

		s, _ := r.Machine().Get("product")
		assert.Equal(t, Succeeded, s.Phase)
		assert.Equal(t, OpRepack, s.Operation)
		assert.Equal(t, 7, s.Count)
		assert.Equal(t, degraded, s.Degraded)
		if degraded {
			assert.Equal(t, "image could not be built, archived as product.tar.gz", s.Message)
		} else {
			assert.Equal(t, "built product.img with make_ext4fs", s.Message)
		}
	}
}

func TestStartPayload(t *testing.T) {
	dec := &fakeDecoder{
		events: []payload.Progress{{File: "system", Percent: 30}, {File: "vendor", Percent: 90}},
		result: &payload.Result{Status: payload.StatusSuccess, Extracted: []payload.Extracted{
			{Name: "system"}, {Name: "vendor"},
		}},
	}
	r, _ := newRunner(nil, nil, dec)
	job, err := r.StartPayload(context.Background(), "/sdcard/ota/payload.bin", "/sdcard/project")
	require.NoError(t, err)
	require.NoError(t, job.Wait())
	assert.Len(t, job.PayloadResult().Extracted, 2)

	s, ok := r.Machine().Get(PayloadKey("/sdcard/ota/payload.bin"))
	require.True(t, ok)
	assert.Equal(t, "payload:payload", s.Partition)
	assert.Equal(t, Succeeded, s.Phase)
	assert.Equal(t, 2, s.Count)
}

func TestStartPayloadReportsDroppedProgress(t *testing.T) {
	dec := &fakeDecoder{inline: true,
		result: &payload.Result{Status: payload.StatusSuccess}}
	for i := 0; i < payload.ProgressBuffer+10; i++ {
		dec.events = append(dec.events, payload.Progress{File: "system", Percent: i})
	}
	r, hook := newRunner(nil, nil, dec)
	job, err := r.StartPayload(context.Background(), "/sdcard/payload.bin", "/sdcard/project")
	require.NoError(t, err)
	require.NoError(t, job.Wait())

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Message == "10 progress updates were dropped" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestStartPayloadFailure(t *testing.T) {
	dec := &fakeDecoder{result: &payload.Result{Status: payload.StatusError, Message: "Invalid magic"}}
	r, _ := newRunner(nil, nil, dec)
	job, err := r.StartPayload(context.Background(), "/sdcard/payload.bin", "/sdcard/project")
	require.NoError(t, err)
	assert.EqualError(t, job.Wait(), "Invalid magic")
	s, _ := r.Machine().Get(PayloadKey("/sdcard/payload.bin"))
	assert.Equal(t, Failed, s.Phase)
}
