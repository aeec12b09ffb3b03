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

// Package mount attaches partition images through the loop driver.
package mount

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

const (
	MethodLoopOption = "mount -o loop"
	MethodLosetup    = "losetup"
)

// Mount is an attached image. Release must be called on every exit path.
type Mount struct {
	Image  string
	Point  string
	Device string // set when attached with losetup
	Method string

	exec shell.Executor
	log  logrus.FieldLogger
	once sync.Once
	err  error
}

func mountOptions(readOnly bool, extra ...string) string {
	opts := extra
	if readOnly {
		opts = append(opts, "ro")
	}
	if len(opts) == 0 {
		return ""
	}
	return " -o " + strings.Join(opts, ",")
}

func typeOption(fstype string) string {
	if fstype == "" {
		return ""
	}
	return " -t " + shell.Quote(fstype)
}

func logStderr(log logrus.FieldLogger, res shell.Result) {
	for _, line := range res.Stderr {
		log.Warn(line)
	}
}

// Loop mounts image on mountpoint, first with the loop mount option and then
// by attaching a loop device explicitly. The mount point is created if
// needed.
func Loop(ctx context.Context, exec shell.Executor, log logrus.FieldLogger,
	image, mountpoint, fstype string, readOnly bool) (*Mount, error) {

	m := &Mount{Image: image, Point: mountpoint, exec: exec, log: log}

	res := exec.Run(ctx, "mkdir -p "+shell.Quote(mountpoint))
	logStderr(log, res)
	if err := toolchain.Check("mkdir", res); err != nil {
		return nil, errors.Wrapf(err, "can not create mount point %s", mountpoint)
	}

	var causes *multierror.Error
	res = exec.Run(ctx, fmt.Sprintf("mount%s%s %s %s",
		typeOption(fstype), mountOptions(readOnly, "loop"),
		shell.Quote(image), shell.Quote(mountpoint)))
	logStderr(log, res)
	err := toolchain.Check("mount", res)
	if err == nil {
		m.Method = MethodLoopOption
		log.Debugf("Mounted %s on %s with %s", image, mountpoint, m.Method)
		return m, nil
	}
	causes = multierror.Append(causes, err)
	log.Infof("Loop mount of %s refused, attaching a loop device", image)

	attach := "losetup -f --show "
	if readOnly {
		attach += "-r "
	}
	res = exec.Run(ctx, attach+shell.Quote(image))
	logStderr(log, res)
	if err = toolchain.Check("losetup", res); err != nil || len(res.Stdout) == 0 {
		if err == nil {
			err = errors.New("losetup printed no device")
		}
		causes = multierror.Append(causes, err)
		return nil, mountFailure(image, causes)
	}
	m.Device = strings.TrimSpace(res.Stdout[len(res.Stdout)-1])

	res = exec.Run(ctx, fmt.Sprintf("mount%s%s %s %s",
		typeOption(fstype), mountOptions(readOnly),
		shell.Quote(m.Device), shell.Quote(mountpoint)))
	logStderr(log, res)
	if err = toolchain.Check("mount", res); err != nil {
		causes = multierror.Append(causes, err)
		detach := exec.Run(ctx, "losetup -d "+shell.Quote(m.Device))
		logStderr(log, detach)
		return nil, mountFailure(image, causes)
	}
	m.Method = MethodLosetup
	log.Debugf("Mounted %s on %s through %s", image, mountpoint, m.Device)
	return m, nil
}

func mountFailure(image string, causes *multierror.Error) error {
	return &toolchain.MountFailureError{
		Image:   image,
		Methods: []string{MethodLoopOption, MethodLosetup},
		Cause:   causes.ErrorOrNil(),
	}
}

// Release unmounts and detaches. Only the first call does any work, later
// calls return the first result.
func (m *Mount) Release(ctx context.Context) error {
	m.once.Do(func() {
		cmds := []string{"sync", "umount " + shell.Quote(m.Point)}
		if m.Device != "" {
			cmds = append(cmds, "losetup -d "+shell.Quote(m.Device))
		}
		res := m.exec.Run(ctx, cmds...)
		logStderr(m.log, res)
		if err := toolchain.Check("umount", res); err != nil {
			m.err = errors.Wrapf(err, "can not release %s", m.Point)
			return
		}
		m.log.Debugf("Released %s", m.Point)
	})
	return m.err
}
