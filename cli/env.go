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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/payloadpack/imgpack/config"
	"github.com/payloadpack/imgpack/extract"
	"github.com/payloadpack/imgpack/format"
	"github.com/payloadpack/imgpack/ledger"
	"github.com/payloadpack/imgpack/partition"
	"github.com/payloadpack/imgpack/payload"
	"github.com/payloadpack/imgpack/pipeline"
	"github.com/payloadpack/imgpack/repack"
	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

// env holds the components shared by all commands.
type env struct {
	conf     *config.Config
	exec     shell.Executor
	mode     shell.Mode
	tools    *toolchain.Set
	detector *format.Detector
	ledger   *ledger.Ledger
	runner   *pipeline.Runner
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if v := c.GlobalString("tool-dir"); v != "" {
		conf.ToolDir = v
	}
	if v := c.GlobalString("loop-dir"); v != "" {
		conf.LoopDir = v
	}
	if v := c.GlobalString("elevation"); v != "" {
		conf.Elevation = v
	}
	if v := c.GlobalString("compression"); v != "" {
		conf.ArchiveCompression = v
	}
	if err = conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return conf, nil
}

func newEnv(c *cli.Context) (*env, error) {
	if c.GlobalBool("verbose") {
		Log.SetLevel(logrus.DebugLevel)
	}
	conf, err := loadConfig(c)
	if err != nil {
		return nil, cli.NewExitError(err, errConfig)
	}
	exec, err := conf.Executor()
	if err != nil {
		return nil, cli.NewExitError(err, errConfig)
	}
	comp, err := conf.Compressor()
	if err != nil {
		return nil, cli.NewExitError(err, errConfig)
	}

	e := &env{
		conf:     conf,
		exec:     exec,
		mode:     exec.Mode(),
		tools:    conf.Toolchain(),
		detector: format.NewDetector(exec),
		ledger:   ledger.New(exec, Log, conf.RestoreBatch),
	}
	Log.Debugf("Using %s privileges, tools from %s", e.mode, conf.ToolDir)
	if avail := e.tools.Available(); len(avail) > 0 {
		Log.Debugf("Bundled tools: %v", avail)
	}

	ring := pipeline.NewRing(conf.LogCapacity)
	Log.ReplaceHooks(make(logrus.LevelHooks))
	Log.AddHook(ring)

	e.runner = pipeline.NewRunner(pipeline.Options{
		Extractor: extract.NewOrchestrator(e.tools, exec, e.ledger, Log,
			extract.Options{Threads: conf.ErofsThreads}),
		Repacker: repack.NewOrchestrator(e.tools, exec, e.ledger, Log, repack.Options{
			LoopDir:          conf.LoopDir,
			ErofsCompression: conf.ErofsCompression,
			Compressor:       comp,
		}),
		Decoder: payload.NewCommand(conf.PayloadDecoder, Log),
		Ring:    ring,
		Log:     Log,
	})
	return e, nil
}

func ShowConfig(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(err, errConfig)
	}
	out, err := conf.Marshal()
	if err != nil {
		return cli.NewExitError(err, errSystemError)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// images turns the command arguments into partition images. A directory
// argument stands for every image of that project.
func images(c *cli.Context) ([]*partition.Image, error) {
	if c.NArg() == 0 {
		return nil, cli.NewExitError("at least one image or project directory is required",
			errInvalidParameters)
	}
	var out []*partition.Image
	for _, arg := range c.Args() {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, cli.NewExitError(err, errInvalidParameters)
		}
		if fi.IsDir() {
			found, err := partition.Scan(arg)
			if err != nil {
				return nil, cli.NewExitError(err, errInvalidParameters)
			}
			if len(found) == 0 {
				Log.Warnf("No partition images found in %s", arg)
			}
			out = append(out, found...)
			continue
		}
		img, err := partition.New(arg)
		if err != nil {
			return nil, cli.NewExitError(err, errInvalidParameters)
		}
		out = append(out, img)
	}
	return out, nil
}

func singleDir(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.NewExitError("exactly one directory is required", errInvalidParameters)
	}
	dir, err := filepath.Abs(c.Args().First())
	if err != nil {
		return "", cli.NewExitError(err, errInvalidParameters)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return "", cli.NewExitError(err, errInvalidParameters)
	}
	if !fi.IsDir() {
		return "", cli.NewExitError(dir+" is not a directory", errInvalidParameters)
	}
	return dir, nil
}
