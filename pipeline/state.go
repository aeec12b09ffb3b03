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

// Package pipeline tracks extraction and repack jobs per partition.
package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Phase int

const (
	Idle Phase = iota
	Extracting
	Repacking
	Succeeded
	Failed
)

var phaseNames = []string{"idle", "extracting", "repacking", "succeeded", "failed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Running reports whether a job owns the partition.
func (p Phase) Running() bool {
	return p == Extracting || p == Repacking
}

type Operation int

const (
	OpNone Operation = iota
	OpExtract
	OpRepack
	OpPayload
)

var operationNames = []string{"none", "extract", "repack", "payload"}

func (o Operation) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

func (o Operation) phase() Phase {
	if o == OpRepack {
		return Repacking
	}
	return Extracting
}

type State struct {
	Partition    string
	Phase        Phase
	Operation    Operation
	Progress     int
	CurrentEntry string
	// Count is the number of entries extracted or restored.
	Count    int
	Message  string
	Degraded bool
	Updated  time.Time
}

var ErrBusy = errors.New("partition is busy")

// Machine holds the state of every partition. Updates for partitions that
// have been forgotten are dropped.
type Machine struct {
	mu     sync.RWMutex
	states map[string]*State
	now    func() time.Time
}

func NewMachine() *Machine {
	return &Machine{states: map[string]*State{}, now: time.Now}
}

// Begin moves a partition into the running phase of op. A partition that
// is already running is refused with ErrBusy.
func (m *Machine) Begin(name string, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[name]; ok && s.Phase.Running() {
		return errors.Wrapf(ErrBusy, "%s is %s", name, s.Phase)
	}
	m.states[name] = &State{
		Partition: name,
		Phase:     op.phase(),
		Operation: op,
		Updated:   m.now(),
	}
	return nil
}

func (m *Machine) update(name string, fn func(s *State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		return
	}
	fn(s)
	s.Updated = m.now()
}

// Progress records the step a running job is at. Finished partitions are
// not touched.
func (m *Machine) Progress(name, entry string, percent int) {
	m.update(name, func(s *State) {
		if !s.Phase.Running() {
			return
		}
		s.CurrentEntry, s.Progress = entry, percent
	})
}

func (m *Machine) Succeed(name string, count int, degraded bool, msg string) {
	m.update(name, func(s *State) {
		s.Phase, s.Progress, s.Count = Succeeded, 100, count
		s.Degraded, s.Message, s.CurrentEntry = degraded, msg, ""
	})
}

func (m *Machine) Fail(name, msg string) {
	m.update(name, func(s *State) {
		s.Phase, s.Message, s.CurrentEntry = Failed, msg, ""
	})
}

func (m *Machine) Get(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[name]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// Snapshot copies every state, sorted by partition name.
func (m *Machine) Snapshot() []State {
	m.mu.RLock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Partition < out[j].Partition
	})
	return out
}

func (m *Machine) Forget(name string) {
	m.mu.Lock()
	delete(m.states, name)
	m.mu.Unlock()
}
