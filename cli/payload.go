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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli"

	"github.com/payloadpack/imgpack/pipeline"
)

const progressInterval = 200 * time.Millisecond

func PayloadInspect(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("exactly one payload file is required", errInvalidParameters)
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	info, err := e.runner.Decoder().Inspect(context.Background(), c.Args().First())
	if err != nil {
		return cli.NewExitError(err, errSystemError)
	}
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Printf("Payload version: %d.%d\n", info.Header.VersionMajor, info.Header.VersionMinor)
	fmt.Printf("Block size: %d\n", info.BlockSize)
	fmt.Printf("Partial update: %t\n", info.PartialUpdate)
	if info.SecurityPatchLevel != "" {
		fmt.Printf("Security patch level: %s\n", info.SecurityPatchLevel)
	}
	fmt.Printf("Partitions (%d, %s):\n", len(info.Partitions), info.TotalSizeHuman)
	for _, p := range info.Partitions {
		fmt.Printf("  %-20s %10s  %d operations\n", p.Name, p.SizeHuman, p.OperationsCount)
	}
	return nil
}

func PayloadExtract(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("a payload file and an output directory are required",
			errInvalidParameters)
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	path, out := c.Args().Get(0), c.Args().Get(1)
	if err = os.MkdirAll(out, 0755); err != nil {
		return cli.NewExitError(err, errSystemError)
	}
	job, err := e.runner.StartPayload(context.Background(), path, out)
	if err != nil {
		return cli.NewExitError(err, errSystemError)
	}
	if !c.Bool("no-progress") {
		watchProgress(e.runner.Machine(), job)
	}
	if err = job.Wait(); err != nil {
		return cli.NewExitError(err, errPartition)
	}
	for _, x := range job.PayloadResult().Extracted {
		fmt.Printf("%s\t%s\n", x.Name, x.Path)
	}
	return nil
}

// watchProgress polls the state of job until it finishes.
func watchProgress(m *pipeline.Machine, job *pipeline.Job) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(job.Partition),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
	done := make(chan struct{})
	go func() {
		job.Wait()
		close(done)
	}()
	tick := time.NewTicker(progressInterval)
	defer tick.Stop()
	for {
		select {
		case <-done:
			bar.Finish()
			return
		case <-tick.C:
			st, ok := m.Get(job.Partition)
			if !ok {
				continue
			}
			if st.CurrentEntry != "" {
				bar.Describe(st.CurrentEntry)
			}
			bar.Set(st.Progress)
		}
	}
}
