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

package utils

import (
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
)

var (
	// ExternalBinaryPaths are searched when a command is not on PATH. The
	// Android system locations come last so that host tools win on a
	// development machine.
	ExternalBinaryPaths = []string{
		"/usr/sbin",
		"/sbin",
		"/usr/local/sbin",
		"/system/bin",
		"/system/xbin",
		"/vendor/bin",
	}
)

var errNotExecutable = errors.New("file is not executable")

func GetBinaryPath(command string) (string, error) {
	// first check if command exists in PATH
	p, err := exec.LookPath(command)
	if err == nil {
		return p, nil
	}

	// maybe sbin isn't included in PATH, check there explicitly.
	for _, p = range ExternalBinaryPaths {
		p, err = exec.LookPath(path.Join(p, command))
		if err == nil {
			return p, nil
		}
	}

	return command, err
}

// GetBundledBinaryPath looks for command inside dir only. It never consults
// PATH, so a missing bundled tool stays missing.
func GetBundledBinaryPath(dir, command string) (string, error) {
	if dir == "" {
		return "", errors.Errorf("no tool directory configured for %q", command)
	}
	p := filepath.Join(dir, command)
	fi, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if fi.IsDir() || fi.Mode().Perm()&0111 == 0 {
		return "", errors.Wrap(errNotExecutable, p)
	}
	return p, nil
}
