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

// Package shell runs shell command sequences, optionally as a privileged
// session.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/payloadpack/imgpack/utils"
)

// Result is the outcome of one session.
type Result struct {
	// Success is true only if every command of the session exited 0.
	Success bool
	// ExitCode is the first non-zero exit status, or -1 if the session
	// could not be started.
	ExitCode int
	Stdout   []string
	Stderr   []string
}

// Executor runs cmds, in order, as one shell session.
type Executor interface {
	Run(ctx context.Context, cmds ...string) Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cmds ...string) Result

func (f ExecutorFunc) Run(ctx context.Context, cmds ...string) Result {
	return f(ctx, cmds...)
}

type Mode int

const (
	ModeAuto Mode = iota
	ModeSu
	ModeSudo
	ModeNone
)

var modeNames = map[Mode]string{
	ModeAuto: "auto",
	ModeSu:   "su",
	ModeSudo: "sudo",
	ModeNone: "none",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModeAuto, errors.Errorf("unknown elevation mode %q", s)
}

// Elevated feeds the commands as a script on the stdin of a single shell,
// which is started through su or sudo unless the process already runs as
// root or elevation is disabled.
type Elevated struct {
	mode Mode
	// lookup is replaceable for tests.
	lookup func(string) (string, error)
	euid   func() int
}

func NewElevated(mode Mode) *Elevated {
	return &Elevated{
		mode:   mode,
		lookup: utils.GetBinaryPath,
		euid:   os.Geteuid,
	}
}

// Local returns an executor that never elevates.
func Local() *Elevated {
	return NewElevated(ModeNone)
}

// Mode returns the elevation actually used for a session.
func (e *Elevated) Mode() Mode {
	if e.mode == ModeNone || e.euid() == 0 {
		return ModeNone
	}
	if e.mode != ModeAuto {
		return e.mode
	}
	if _, err := e.lookup("sudo"); err == nil {
		return ModeSudo
	}
	if _, err := e.lookup("su"); err == nil {
		return ModeSu
	}
	return ModeNone
}

func (e *Elevated) command(ctx context.Context) *exec.Cmd {
	switch e.Mode() {
	case ModeSu:
		return exec.CommandContext(ctx, "su")
	case ModeSudo:
		return exec.CommandContext(ctx, "sudo", "-n", "sh")
	default:
		return exec.CommandContext(ctx, "sh")
	}
}

func (e *Elevated) Run(ctx context.Context, cmds ...string) Result {
	cmd := e.command(ctx)
	cmd.Stdin = strings.NewReader(script(cmds))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Kill the whole group on cancellation, tools like cp -a and mount
	// helpers fork.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	res := Result{ExitCode: 0}
	err := cmd.Run()
	res.Stdout = splitLines(stdout.String())
	res.Stderr = splitLines(stderr.String())
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr = append(res.Stderr, err.Error())
		}
		return res
	}
	res.Success = true
	return res
}

// script runs every command and exits with the first failing status. The
// script itself is read from stdin, so every command gets /dev/null there.
func script(cmds []string) string {
	var b strings.Builder
	b.WriteString("__rc=0\n")
	b.WriteString("__chk() { __s=$?; if [ \"$__s\" -ne 0 ] && [ \"$__rc\" -eq 0 ]; then __rc=$__s; fi; }\n")
	for _, c := range cmds {
		b.WriteString("{\n")
		b.WriteString(c)
		b.WriteString("\n} </dev/null\n__chk\n")
	}
	b.WriteString("exit $__rc\n")
	return b.String()
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
