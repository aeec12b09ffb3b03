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
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/payloadpack/imgpack/pipeline"
)

func Detect(c *cli.Context) error {
	imgs, err := images(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, img := range imgs {
		kind := img.Detect(ctx, e.detector)
		fmt.Printf("%s\t%s\t%s\n", img.Name, kind, humanize.IBytes(uint64(img.Size)))
	}
	return nil
}

func Extract(c *cli.Context) error {
	return runPartitions(c, pipeline.OpExtract)
}

func Repack(c *cli.Context) error {
	return runPartitions(c, pipeline.OpRepack)
}

func runPartitions(c *cli.Context, op pipeline.Operation) error {
	imgs, err := images(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	jobs, err := e.runner.RunAll(context.Background(), op, imgs)
	failed := 0
	for i, job := range jobs {
		if job == nil {
			failed++
			fmt.Printf("%s: not started\n", imgs[i].Name)
		}
	}
	for _, st := range e.runner.Machine().Snapshot() {
		fmt.Printf("%s: %s, %s\n", st.Partition, st.Phase, st.Message)
		if st.Phase == pipeline.Failed {
			failed++
		}
	}
	if err != nil {
		printLog(e.runner.Ring().Lines())
		return cli.NewExitError(
			fmt.Sprintf("%d of %d partitions failed, first error: %v", failed, len(imgs), err),
			errPartition)
	}
	return nil
}

// printLog prints the warnings and errors of the ring, oldest first.
func printLog(lines []string) {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], "warning: ") || strings.HasPrefix(lines[i], "error: ") {
			fmt.Println(lines[i])
		}
	}
}
