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

package format

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/payloadpack/imgpack/shell"
)

// Header is what the detector learned about an image.
type Header struct {
	Kind   Kind
	Sparse bool
	// Raw holds the bytes read, at most HeaderWindow.
	Raw []byte
	// Elevated is set when the direct read was refused and the window was
	// read through the privileged shell.
	Elevated bool
}

type Detector struct {
	exec shell.Executor
}

func NewDetector(exec shell.Executor) *Detector {
	return &Detector{exec: exec}
}

// Detect never fails, any read error classifies as Unknown.
func (d *Detector) Detect(ctx context.Context, path string) Kind {
	return d.Inspect(ctx, path).Kind
}

func (d *Detector) Inspect(ctx context.Context, path string) Header {
	buf, err := readDirect(path)
	elevated := false
	if err != nil || allZero(buf) {
		if d.exec == nil {
			return Header{Kind: Unknown, Raw: buf}
		}
		ebuf, eerr := d.readElevated(ctx, path)
		if eerr != nil {
			return Header{Kind: Unknown, Raw: buf}
		}
		buf = ebuf
		elevated = true
	}
	return Header{
		Kind:     Classify(buf),
		Sparse:   IsSparse(buf),
		Raw:      buf,
		Elevated: elevated,
	}
}

func readDirect(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, HeaderWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}

// readElevated dumps the window through the privileged shell as base64 so
// that binary data survives the line-oriented transport.
func (d *Detector) readElevated(ctx context.Context, path string) ([]byte, error) {
	cmd := fmt.Sprintf("dd if=%s bs=%d count=1 2>/dev/null | base64", shell.Quote(path), HeaderWindow)
	res := d.exec.Run(ctx, cmd)
	if !res.Success {
		return nil, errors.Errorf("privileged read of %s failed: %s", path, strings.Join(res.Stderr, "; "))
	}
	encoded := strings.Join(res.Stdout, "")
	buf, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Wrapf(err, "can not decode header of %s", path)
	}
	if len(buf) > HeaderWindow {
		buf = buf[:HeaderWindow]
	}
	return buf, nil
}

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
