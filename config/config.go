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

// Package config loads the imgpack configuration file.
package config

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/payloadpack/imgpack/archiver"
	"github.com/payloadpack/imgpack/extract"
	"github.com/payloadpack/imgpack/ledger"
	"github.com/payloadpack/imgpack/pipeline"
	"github.com/payloadpack/imgpack/repack"
	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

const (
	DefaultToolDir = "/data/local/imgpack/bin"
	// DefaultLoopDir is a location where loop mounting regular files is
	// allowed on Android devices.
	DefaultLoopDir            = "/data/local/tmp"
	DefaultArchiveCompression = "gzip"
	DefaultPayloadDecoder     = "payload-decoder"
)

type Config struct {
	ToolDir            string `yaml:"tool_dir"`
	LoopDir            string `yaml:"loop_dir"`
	Elevation          string `yaml:"elevation"`
	LogCapacity        int    `yaml:"log_capacity"`
	ArchiveCompression string `yaml:"archive_compression"`
	ErofsThreads       int    `yaml:"erofs_threads"`
	ErofsCompression   string `yaml:"erofs_compression"`
	PayloadDecoder     string `yaml:"payload_decoder"`
	RestoreBatch       int    `yaml:"restore_batch"`
}

func Default() *Config {
	return &Config{
		ToolDir:            DefaultToolDir,
		LoopDir:            DefaultLoopDir,
		Elevation:          shell.ModeAuto.String(),
		LogCapacity:        pipeline.DefaultRingCapacity,
		ArchiveCompression: DefaultArchiveCompression,
		ErofsThreads:       extract.DefaultThreads,
		ErofsCompression:   repack.DefaultErofsCompression,
		PayloadDecoder:     DefaultPayloadDecoder,
		RestoreBatch:       ledger.DefaultBatchSize,
	}
}

// Load reads path on top of the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can not read configuration")
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "can not parse %s", path)
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs *multierror.Error
	if _, err := shell.ParseMode(c.Elevation); err != nil {
		errs = multierror.Append(errs, err)
	}
	if _, err := archiver.NewCompressorFromId(c.ArchiveCompression); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.LogCapacity <= 0 {
		errs = multierror.Append(errs, errors.Errorf("log_capacity must be positive, got %d", c.LogCapacity))
	}
	if c.ErofsThreads <= 0 {
		errs = multierror.Append(errs, errors.Errorf("erofs_threads must be positive, got %d", c.ErofsThreads))
	}
	if c.RestoreBatch <= 0 {
		errs = multierror.Append(errs, errors.Errorf("restore_batch must be positive, got %d", c.RestoreBatch))
	}
	if c.ErofsCompression == "" {
		errs = multierror.Append(errs, errors.New("erofs_compression is empty"))
	}
	if c.LoopDir == "" {
		errs = multierror.Append(errs, errors.New("loop_dir is empty"))
	}
	return errs.ErrorOrNil()
}

// Toolchain resolves the tool directory once.
func (c *Config) Toolchain() *toolchain.Set {
	return toolchain.Resolve(c.ToolDir)
}

func (c *Config) Executor() (*shell.Elevated, error) {
	mode, err := shell.ParseMode(c.Elevation)
	if err != nil {
		return nil, err
	}
	return shell.NewElevated(mode), nil
}

func (c *Config) Compressor() (archiver.Compressor, error) {
	return archiver.NewCompressorFromId(c.ArchiveCompression)
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
