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

package extract

import (
	"fmt"

	"github.com/payloadpack/imgpack/format"
)

type Outcome int

const (
	Succeeded Outcome = iota
	Unavailable
	Failed
	// Diagnostic attempts only log, they never extract anything.
	Diagnostic
)

var outcomeNames = []string{"succeeded", "unavailable", "failed", "diagnostic"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Attempt is one tool run of an extraction chain.
type Attempt struct {
	Format  format.Kind
	Tool    string
	Outcome Outcome
	Err     error
}

// Record is the outcome of extracting one partition. It is only written by
// the orchestrator and is frozen once Extract returns.
type Record struct {
	Partition string
	Root      string
	// Format is what the detector reported, Unknown included.
	Format   format.Kind
	Sparse   bool
	Attempts []Attempt

	Success      bool
	Manifest     bool
	ManifestPath string
	FileCount    int
	Err          error
}

// Tools lists every tool tried, in order.
func (r *Record) Tools() []string {
	tools := make([]string, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		tools = append(tools, a.Tool)
	}
	return tools
}

// Tool is the one that produced the tree, or the last one tried.
func (r *Record) Tool() string {
	if len(r.Attempts) == 0 {
		return ""
	}
	for _, a := range r.Attempts {
		if a.Outcome == Succeeded {
			return a.Tool
		}
	}
	return r.Attempts[len(r.Attempts)-1].Tool
}
