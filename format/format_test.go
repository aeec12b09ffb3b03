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

package format

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payloadpack/imgpack/shell"
)

func header(size int) []byte {
	return make([]byte, size)
}

func withU16(buf []byte, off int, v uint16) []byte {
	binary.LittleEndian.PutUint16(buf[off:], v)
	return buf
}

func withU32(buf []byte, off int, v uint32) []byte {
	binary.LittleEndian.PutUint32(buf[off:], v)
	return buf
}

func TestClassify(t *testing.T) {
	erofs := header(HeaderWindow)
	copy(erofs[SuperblockOffset:], []byte{0xE2, 0xE1, 0xF5, 0xE0})

	testCases := map[string]struct {
		buf      []byte
		expected Kind
	}{
		"boot":           {append([]byte(BootMagic), header(64)...), BootImage},
		"boot short":     {[]byte(BootMagic), BootImage},
		"sparse":         {withU32(header(HeaderWindow), 0, SparseMagic), Ext4},
		"ext4":           {withU16(header(HeaderWindow), Ext4MagicOffset, Ext4Magic), Ext4},
		"erofs":          {erofs, Erofs},
		"f2fs":           {withU32(header(HeaderWindow), SuperblockOffset, F2fsMagic), F2fs},
		"zeros":          {header(HeaderWindow), Unknown},
		"empty":          {nil, Unknown},
		"too short ext4": {header(Ext4MagicOffset + 1), Unknown},
		"partial boot":   {[]byte("ANDROID"), Unknown},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.buf))
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	// Boot magic wins over anything that follows.
	buf := withU16(header(HeaderWindow), Ext4MagicOffset, Ext4Magic)
	copy(buf, BootMagic)
	assert.Equal(t, BootImage, Classify(buf))

	// EXT4 wins over the superblock magics.
	buf = withU32(header(HeaderWindow), SuperblockOffset, ErofsMagic)
	withU16(buf, Ext4MagicOffset, Ext4Magic)
	assert.Equal(t, Ext4, Classify(buf))
}

func TestClassifyBootIgnoresTrailingContent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		buf := make([]byte, 8+r.Intn(HeaderWindow))
		r.Read(buf)
		copy(buf, BootMagic)
		require.Equal(t, BootImage, Classify(buf))
	}
}

func TestClassifyExt4MagicAlwaysWins(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		buf := make([]byte, HeaderWindow)
		r.Read(buf)
		// Keep clear of the two higher priority signatures.
		copy(buf, "NOTBOOT!")
		withU16(buf, Ext4MagicOffset, Ext4Magic)
		require.Equal(t, Ext4, Classify(buf))
	}
}

func TestKindString(t *testing.T) {
	for _, k := range []Kind{Unknown, Ext4, Erofs, F2fs, BootImage} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("squashfs")
	assert.Error(t, err)
}

func TestDiagnose(t *testing.T) {
	buf := withU32(header(HeaderWindow), SuperblockOffset, ErofsMagic)
	out := Diagnose(buf)
	assert.Contains(t, out, "0x0: 0000000000000000")
	assert.Contains(t, out, "0x400: e2e1f5e000000000")
	assert.Contains(t, out, "0x438: ")

	assert.Contains(t, Diagnose([]byte("ANDROID!")), "0x400: <eof>")
}

func writeImage(t *testing.T, buf []byte) string {
	p := filepath.Join(t.TempDir(), "part.img")
	require.NoError(t, os.WriteFile(p, buf, 0644))
	return p
}

func TestDetectDirect(t *testing.T) {
	failing := shell.ExecutorFunc(func(ctx context.Context, cmds ...string) shell.Result {
		t.Fatalf("unexpected privileged read: %v", cmds)
		return shell.Result{}
	})
	d := NewDetector(failing)

	boot := append([]byte(BootMagic), bytes.Repeat([]byte{0xAA}, 100)...)
	assert.Equal(t, BootImage, d.Detect(context.Background(), writeImage(t, boot)))

	erofs := withU32(header(2*HeaderWindow), SuperblockOffset, ErofsMagic)
	h := d.Inspect(context.Background(), writeImage(t, erofs))
	assert.Equal(t, Erofs, h.Kind)
	assert.False(t, h.Elevated)
	assert.Len(t, h.Raw, HeaderWindow)

	sparse := withU32(header(64), 0, SparseMagic)
	h = d.Inspect(context.Background(), writeImage(t, sparse))
	assert.Equal(t, Ext4, h.Kind)
	assert.True(t, h.Sparse)
}

func elevatedReader(t *testing.T, content []byte, calls *[]string) shell.Executor {
	return shell.ExecutorFunc(func(ctx context.Context, cmds ...string) shell.Result {
		*calls = append(*calls, cmds...)
		enc := base64.StdEncoding.EncodeToString(content)
		// base64(1) wraps at 76 columns.
		var lines []string
		for len(enc) > 76 {
			lines = append(lines, enc[:76])
			enc = enc[76:]
		}
		lines = append(lines, enc)
		return shell.Result{Success: true, Stdout: lines}
	})
}

func TestDetectFallsBackWhenUnreadable(t *testing.T) {
	var calls []string
	content := withU32(header(HeaderWindow), SuperblockOffset, F2fsMagic)
	d := NewDetector(elevatedReader(t, content, &calls))

	missing := filepath.Join(t.TempDir(), "restricted.img")
	h := d.Inspect(context.Background(), missing)
	assert.Equal(t, F2fs, h.Kind)
	assert.True(t, h.Elevated)
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0], "dd if='"+missing+"'"))
	assert.Contains(t, calls[0], "| base64")
}

func TestDetectFallsBackOnZeroWindow(t *testing.T) {
	var calls []string
	content := withU16(header(HeaderWindow), Ext4MagicOffset, Ext4Magic)
	d := NewDetector(elevatedReader(t, content, &calls))

	assert.Equal(t, Ext4, d.Detect(context.Background(), writeImage(t, header(HeaderWindow))))
	assert.Len(t, calls, 1)
}

func TestDetectNeverFails(t *testing.T) {
	broken := shell.ExecutorFunc(func(ctx context.Context, cmds ...string) shell.Result {
		return shell.Result{ExitCode: 1, Stderr: []string{"permission denied"}}
	})
	d := NewDetector(broken)
	assert.Equal(t, Unknown, d.Detect(context.Background(), filepath.Join(t.TempDir(), "nope.img")))

	garbage := shell.ExecutorFunc(func(ctx context.Context, cmds ...string) shell.Result {
		return shell.Result{Success: true, Stdout: []string{"!!not base64!!"}}
	})
	assert.Equal(t, Unknown, NewDetector(garbage).Detect(context.Background(), writeImage(t, header(16))))

	assert.Equal(t, Unknown, NewDetector(nil).Detect(context.Background(), "/nonexistent/x.img"))
}
