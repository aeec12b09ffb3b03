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
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/payloadpack/imgpack/ledger"
	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

func Capture(c *cli.Context) error {
	dir, err := singleDir(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	name := c.String("partition")
	if name == "" {
		name = filepath.Base(dir)
	}
	ctx := context.Background()
	res, err := e.ledger.Capture(ctx, dir, name)
	if err != nil {
		return cli.NewExitError(err, errSystemError)
	}
	fmt.Printf("Recorded %d entries in %s\n", res.FileCount, res.ManifestPath)
	if res.Skipped > 0 {
		fmt.Printf("Skipped %d unreadable entries\n", res.Skipped)
	}
	if c.Bool("relax") {
		if err = e.ledger.Relax(ctx, dir); err != nil {
			return cli.NewExitError(err, errSystemError)
		}
	}
	return nil
}

func Restore(c *cli.Context) error {
	dir, err := singleDir(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	res, err := e.ledger.Restore(context.Background(), dir)
	if errors.Is(err, ledger.ErrNoManifest) {
		return cli.NewExitError(
			fmt.Sprintf("%s has no %s, run capture first", dir, filepath.Base(ledger.ManifestPath(dir))),
			errInvalidParameters)
	} else if toolchain.IsToolFailure(err) && e.mode == shell.ModeNone {
		return cli.NewExitError(
			fmt.Sprintf("%v; restoring ownership needs root, try --elevation su or sudo", err),
			errSystemError)
	} else if err != nil {
		return cli.NewExitError(err, errSystemError)
	}
	fmt.Printf("Restored %d entries\n", res.Restored)
	for _, p := range res.MissingPaths {
		fmt.Printf("missing: %s\n", p)
	}
	for _, p := range res.TargetMismatch {
		fmt.Printf("symlink changed: %s\n", p)
	}
	return nil
}
