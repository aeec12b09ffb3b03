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
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/payloadpack/imgpack/archiver"
	"github.com/payloadpack/imgpack/partition"
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	noneColor = color.New(color.FgHiBlack).SprintFunc()
)

type partitionStatus struct {
	Name      string
	Kind      string
	Size      int64
	Extracted bool
	Entries   int
	Repacked  string
	Archived  bool
}

func Status(c *cli.Context) error {
	project, err := singleDir(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	imgs, err := partition.Scan(project)
	if err != nil {
		return cli.NewExitError(err, errInvalidParameters)
	}
	if len(imgs) == 0 {
		return cli.NewExitError("no partition images found in "+project, errInvalidParameters)
	}
	ctx := context.Background()
	fmt.Println(statusHeader())
	for _, img := range imgs {
		fmt.Println(e.partitionStatus(ctx, img).row())
	}
	return nil
}

const extractedWidth = 16

func statusHeader() string {
	return fmt.Sprintf("%-16s %-10s %10s  %-*s  %s", "PARTITION", "FORMAT", "SIZE",
		extractedWidth, "EXTRACTED", "REPACKED")
}

// row pads every column before colouring it, the escape sequences would
// otherwise count towards the width.
func (st partitionStatus) row() string {
	extracted := noneColor(fmt.Sprintf("%-*s", extractedWidth, "-"))
	if st.Extracted {
		extracted = okColor(fmt.Sprintf("%-*s", extractedWidth, fmt.Sprintf("%d entries", st.Entries)))
	}
	repacked := noneColor("-")
	switch {
	case st.Archived:
		repacked = warnColor(st.Repacked + " (archive)")
	case st.Repacked != "":
		repacked = okColor(st.Repacked)
	}
	return fmt.Sprintf("%-16s %-10s %10s  %s  %s", st.Name, st.Kind,
		humanize.IBytes(uint64(st.Size)), extracted, repacked)
}

func (e *env) partitionStatus(ctx context.Context, img *partition.Image) partitionStatus {
	st := partitionStatus{
		Name: img.Name,
		Kind: img.Detect(ctx, e.detector).String(),
		Size: img.Size,
	}
	root := partition.ExtractRoot(img.Project(), img.Name)
	if m, err := e.ledger.Load(root); err == nil {
		st.Extracted = true
		st.Entries = len(m.Entries)
	}
	if fi, err := os.Stat(partition.RepackedImage(img.Project(), img.Name)); err == nil {
		st.Repacked = humanize.IBytes(uint64(fi.Size()))
		return st
	}
	matches, _ := filepath.Glob(filepath.Join(partition.RepackDir(img.Project()), img.Name+".tar*"))
	for _, m := range matches {
		comp, err := archiver.NewCompressorFromFileName(m)
		if err != nil {
			continue
		}
		if name := filepath.Base(m); name == archiver.ArchiveName(img.Name, comp) {
			st.Repacked = name
			st.Archived = true
			break
		}
	}
	return st
}
