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

package payload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Command runs a decoder binary that speaks JSON on stdout:
//
//	<bin> inspect <payload>
//	<bin> extract <payload> <outdir>
//
// While extracting the decoder prints one {"progress":{...}} line per
// update and the final result as the last line.
type Command struct {
	bin string
	log logrus.FieldLogger
}

func NewCommand(bin string, log logrus.FieldLogger) *Command {
	return &Command{bin: bin, log: log}
}

func (c *Command) Inspect(ctx context.Context, path string) (*Inspection, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, "inspect", path)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	runErr := cmd.Run()
	c.logStderr(stderr.String())

	var insp Inspection
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &insp); err != nil {
		if runErr != nil {
			return nil, errors.Wrapf(runErr, "payload: %s inspect failed", c.bin)
		}
		return nil, errors.Wrap(err, "payload: invalid inspection output")
	}
	if insp.Error != "" {
		return nil, errors.Errorf("payload: %s", insp.Error)
	}
	if runErr != nil {
		return nil, errors.Wrapf(runErr, "payload: %s inspect failed", c.bin)
	}
	insp.normalize()
	return &insp, nil
}

type line struct {
	Progress *Progress `json:"progress"`
	Result
}

func (c *Command) Extract(ctx context.Context, payload, outDir string) *Extraction {
	e := NewExtraction()
	cmd := exec.CommandContext(ctx, c.bin, "extract", payload, outDir)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.Finish(nil, errors.Wrap(err, "payload: can not open stdout pipe"))
		return e
	}
	if err = cmd.Start(); err != nil {
		e.Finish(nil, errors.Wrapf(err, "payload: can not start %s", c.bin))
		return e
	}

	go func() {
		var res *Result
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var l line
			if err := json.Unmarshal([]byte(text), &l); err != nil {
				c.log.Debugf("payload: %s", text)
				continue
			}
			if l.Progress != nil {
				e.Publish(*l.Progress)
				continue
			}
			if l.Status != "" {
				r := l.Result
				res = &r
			}
		}
		scanErr := scanner.Err()
		waitErr := cmd.Wait()
		c.logStderr(stderr.String())

		switch {
		case res != nil:
			e.Finish(res, nil)
		case scanErr != nil:
			e.Finish(nil, errors.Wrap(scanErr, "payload: can not read decoder output"))
		case waitErr != nil:
			e.Finish(nil, errors.Wrapf(waitErr, "payload: %s extract failed", c.bin))
		default:
			e.Finish(nil, errors.New("payload: decoder printed no result"))
		}
	}()
	return e
}

func (c *Command) logStderr(s string) {
	for _, l := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		if l != "" {
			c.log.Warn(l)
		}
	}
}
