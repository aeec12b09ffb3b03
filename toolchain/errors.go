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

package toolchain

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/payloadpack/imgpack/shell"
)

// ToolUnavailableError means the binary is missing. It advances a fallback
// chain and is only reported once the chain is exhausted.
type ToolUnavailableError struct {
	Tool string
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("%s is not available", e.Tool)
}

// ToolFailureError is a non-zero exit of an external tool.
type ToolFailureError struct {
	Tool     string
	ExitCode int
	Stderr   []string
}

func (e *ToolFailureError) Error() string {
	msg := fmt.Sprintf("%s failed with exit code %d", e.Tool, e.ExitCode)
	for i := len(e.Stderr) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(e.Stderr[i]); line != "" {
			return msg + ": " + line
		}
	}
	return msg
}

// MountFailureError means a loop mount was refused by every method tried.
type MountFailureError struct {
	Image   string
	Methods []string
	Cause   error
}

func (e *MountFailureError) Error() string {
	msg := fmt.Sprintf("can not loop mount %s (tried %s)", e.Image, strings.Join(e.Methods, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MountFailureError) Unwrap() error {
	return e.Cause
}

// ChainExhaustedError is the terminal per-partition error raised when every
// step of a fallback chain failed.
type ChainExhaustedError struct {
	Partition string
	Formats   []string
	Tools     []string
	Causes    *multierror.Error
}

func (e *ChainExhaustedError) Error() string {
	return fmt.Sprintf("partition %s: all methods failed for %s (tools tried: %s, last: %s)",
		e.Partition, strings.Join(e.Formats, ", "), strings.Join(e.Tools, ", "), e.LastTool())
}

func (e *ChainExhaustedError) LastTool() string {
	if len(e.Tools) == 0 {
		return "none"
	}
	return e.Tools[len(e.Tools)-1]
}

func (e *ChainExhaustedError) Unwrap() error {
	return e.Causes.ErrorOrNil()
}

func Unavailable(tool string) error {
	return &ToolUnavailableError{Tool: tool}
}

// Check turns the result of running tool into an error, nil on success.
func Check(tool string, res shell.Result) error {
	if res.Success {
		return nil
	}
	return &ToolFailureError{Tool: tool, ExitCode: res.ExitCode, Stderr: res.Stderr}
}

func IsUnavailable(err error) bool {
	var target *ToolUnavailableError
	return errors.As(err, &target)
}

func IsToolFailure(err error) bool {
	var target *ToolFailureError
	return errors.As(err, &target)
}

func IsMountFailure(err error) bool {
	var target *MountFailureError
	return errors.As(err, &target)
}

func IsChainExhausted(err error) bool {
	var target *ChainExhaustedError
	return errors.As(err, &target)
}
