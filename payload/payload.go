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

// Package payload talks to the external OTA payload decoder.
package payload

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

type Header struct {
	VersionMajor          uint32 `json:"version_major"`
	VersionMinor          uint32 `json:"version_minor"`
	ManifestSize          uint64 `json:"manifest_size,omitempty"`
	MetadataSignatureSize uint32 `json:"metadata_signature_size,omitempty"`
}

type PartitionInfo struct {
	Name            string `json:"name"`
	Size            uint64 `json:"size"`
	OperationsCount int    `json:"operations_count"`
	SizeHuman       string `json:"size_human"`
}

type Inspection struct {
	Header             Header          `json:"header"`
	BlockSize          uint32          `json:"block_size"`
	PartialUpdate      bool            `json:"partial_update"`
	SecurityPatchLevel string          `json:"security_patch_level,omitempty"`
	Partitions         []PartitionInfo `json:"partitions"`
	TotalSize          uint64          `json:"total_size"`
	TotalSizeHuman     string          `json:"total_size_human"`
	Error              string          `json:"error,omitempty"`
}

// normalize fills in sizes a decoder left out.
func (i *Inspection) normalize() {
	var total uint64
	for n := range i.Partitions {
		p := &i.Partitions[n]
		if p.SizeHuman == "" {
			p.SizeHuman = humanize.IBytes(p.Size)
		}
		total += p.Size
	}
	if i.TotalSize == 0 {
		i.TotalSize = total
	}
	if i.TotalSizeHuman == "" {
		i.TotalSizeHuman = humanize.IBytes(i.TotalSize)
	}
}

type Progress struct {
	File       string `json:"file"`
	Percent    int    `json:"percent"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
}

type Extracted struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
	Path string `json:"path"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Result struct {
	Status    string      `json:"status"`
	Extracted []Extracted `json:"extracted,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func (r *Result) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	if r.Message == "" {
		return errors.Errorf("payload extraction reported status %q", r.Status)
	}
	return errors.New(r.Message)
}

type Decoder interface {
	Inspect(ctx context.Context, path string) (*Inspection, error)
	Extract(ctx context.Context, payload, outDir string) *Extraction
}

// ProgressBuffer is how many progress events may queue up before new ones
// are dropped.
const ProgressBuffer = 64

// Extraction is a running payload extraction. Progress events are
// delivered on a buffered channel, the producer never waits for the
// consumer and events are dropped when the buffer is full. Last always holds
// the newest event.
type Extraction struct {
	progress chan Progress
	done     chan struct{}

	mu      sync.Mutex
	last    Progress
	dropped int
	result  *Result
	err     error
}

// NewExtraction is used by decoders to report a running extraction.
func NewExtraction() *Extraction {
	return &Extraction{
		progress: make(chan Progress, ProgressBuffer),
		done:     make(chan struct{}),
	}
}

// Progress is closed when the extraction finishes.
func (e *Extraction) Progress() <-chan Progress {
	return e.progress
}

func (e *Extraction) Publish(p Progress) {
	e.mu.Lock()
	e.last = p
	e.mu.Unlock()
	select {
	case e.progress <- p:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Finish stores the outcome and closes the progress channel. It must be
// called exactly once.
func (e *Extraction) Finish(res *Result, err error) {
	if err == nil && res != nil {
		err = res.Err()
	}
	e.mu.Lock()
	e.result, e.err = res, err
	e.mu.Unlock()
	close(e.progress)
	close(e.done)
}

func (e *Extraction) Last() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Dropped counts the progress events the consumer missed.
func (e *Extraction) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Wait blocks until the decoder has finished.
func (e *Extraction) Wait() (*Result, error) {
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}
