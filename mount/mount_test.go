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

package mount

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payloadpack/imgpack/shell"
	"github.com/payloadpack/imgpack/toolchain"
)

// scripted fails every command that starts with one of the given prefixes.
type scripted struct {
	mu    sync.Mutex
	fail  []string
	calls []string
}

func (s *scripted) Run(ctx context.Context, cmds ...string) shell.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := shell.Result{Success: true}
	for _, c := range cmds {
		s.calls = append(s.calls, c)
		for _, f := range s.fail {
			if strings.HasPrefix(c, f) {
				res.Success = false
				res.ExitCode = 32
				res.Stderr = append(res.Stderr, "refused: "+c)
			}
		}
		if strings.HasPrefix(c, "losetup -f") && res.Success {
			res.Stdout = append(res.Stdout, "/dev/block/loop7")
		}
	}
	return res
}

func TestLoopMountOption(t *testing.T) {
	log, _ := test.NewNullLogger()
	exec := &scripted{}
	m, err := Loop(context.Background(), exec, log, "/data/vendor.img", "/mnt/vendor", "f2fs", true)
	require.NoError(t, err)
	assert.Equal(t, MethodLoopOption, m.Method)
	assert.Empty(t, m.Device)
	assert.Equal(t, []string{
		"mkdir -p '/mnt/vendor'",
		"mount -t 'f2fs' -o loop,ro '/data/vendor.img' '/mnt/vendor'",
	}, exec.calls)

	require.NoError(t, m.Release(context.Background()))
	require.NoError(t, m.Release(context.Background()))
	assert.Equal(t, []string{"sync", "umount '/mnt/vendor'"}, exec.calls[2:])
}

func TestLoopFallsBackToLosetup(t *testing.T) {
	log, hook := test.NewNullLogger()
	exec := &scripted{fail: []string{"mount -t 'ext4' -o loop"}}
	m, err := Loop(context.Background(), exec, log, "/tmp/system.img", "/tmp/mnt", "ext4", false)
	require.NoError(t, err)
	assert.Equal(t, MethodLosetup, m.Method)
	assert.Equal(t, "/dev/block/loop7", m.Device)
	assert.Contains(t, exec.calls, "losetup -f --show '/tmp/system.img'")
	assert.Contains(t, exec.calls, "mount -t 'ext4' '/dev/block/loop7' '/tmp/mnt'")

	var stderrLogged bool
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "refused: mount") {
			stderrLogged = true
		}
	}
	assert.True(t, stderrLogged)

	require.NoError(t, m.Release(context.Background()))
	assert.Equal(t, "losetup -d '/dev/block/loop7'", exec.calls[len(exec.calls)-1])
}

func TestLoopFailsByEveryMethod(t *testing.T) {
	log, _ := test.NewNullLogger()

	t.Run("attach refused", func(t *testing.T) {
		exec := &scripted{fail: []string{"mount", "losetup"}}
		m, err := Loop(context.Background(), exec, log, "/tmp/a.img", "/tmp/mnt", "", false)
		assert.Nil(t, m)
		require.Error(t, err)
		assert.True(t, toolchain.IsMountFailure(err))
		assert.Contains(t, err.Error(), "/tmp/a.img")
	})

	t.Run("mount of device refused", func(t *testing.T) {
		exec := &scripted{fail: []string{"mount"}}
		m, err := Loop(context.Background(), exec, log, "/tmp/a.img", "/tmp/mnt", "", false)
		assert.Nil(t, m)
		assert.True(t, toolchain.IsMountFailure(err))
		// The device attached for the attempt is detached again.
		assert.Equal(t, "losetup -d '/dev/block/loop7'", exec.calls[len(exec.calls)-1])
	})
}

func TestLoopMountPointFailure(t *testing.T) {
	log, _ := test.NewNullLogger()
	exec := &scripted{fail: []string{"mkdir"}}
	_, err := Loop(context.Background(), exec, log, "/tmp/a.img", "/proc/x", "", true)
	require.Error(t, err)
	assert.False(t, toolchain.IsMountFailure(err))
	assert.True(t, toolchain.IsToolFailure(err))
	assert.Len(t, exec.calls, 1)
}

func TestReleaseReportsFailureOnce(t *testing.T) {
	log, _ := test.NewNullLogger()
	exec := &scripted{}
	m, err := Loop(context.Background(), exec, log, "/tmp/a.img", "/tmp/mnt", "", true)
	require.NoError(t, err)

	exec.fail = []string{"umount"}
	first := m.Release(context.Background())
	require.Error(t, first)
	assert.Equal(t, first, m.Release(context.Background()))
	assert.Len(t, exec.calls, 4)
}
