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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/payloadpack/imgpack/archiver"
	"github.com/payloadpack/imgpack/ledger"
)

var (
	lastExitCode = 0
	fakeOsExiter = func(rc int) {
		lastExitCode = rc
	}
	fakeErrWriter = &bytes.Buffer{}
)

func init() {
	cli.OsExiter = fakeOsExiter
	cli.ErrWriter = fakeErrWriter
}

func run(t *testing.T, args ...string) (string, error) {
	lastExitCode = 0
	fakeErrWriter.Reset()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	out := make(chan string)
	go func() {
		b, _ := io.ReadAll(r)
		out <- string(b)
	}()

	err = getCliContext().Run(append([]string{"imgpack", "--elevation", "none"}, args...))

	os.Stdout = stdout
	w.Close()
	return <-out, err
}

func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 0
}

func mode(t *testing.T, path string) os.FileMode {
	fi, err := os.Lstat(path)
	require.NoError(t, err)
	return fi.Mode()
}

// ext4Image writes an image carrying only the ext4 superblock magic.
func ext4Image(t *testing.T, dir, name string) string {
	buf := make([]byte, 8192)
	buf[1080], buf[1081] = 0x53, 0xef
	path := filepath.Join(dir, name+".img")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestCaptureAndRestore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vendor")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "fstab"), []byte("x"), 0640))
	require.NoError(t, os.Symlink("etc/fstab", filepath.Join(dir, "fstab")))

	out, err := run(t, "capture", "--relax", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded 4 entries")
	assert.Equal(t, os.FileMode(0777), mode(t, filepath.Join(dir, "etc", "fstab")).Perm())

	m, err := ledger.New(nil, Log, 0).Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "vendor", m.Partition)

	out, err = run(t, "restore", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Restored 4 entries")
	assert.Equal(t, os.FileMode(0640), mode(t, filepath.Join(dir, "etc", "fstab")).Perm())
	assert.Equal(t, os.FileMode(0750), mode(t, filepath.Join(dir, "etc")).Perm())
}

func TestCapturePartitionName(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "capture", "-p", "odm", dir)
	require.NoError(t, err)

	m, err := ledger.New(nil, Log, 0).Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "odm", m.Partition)
}

func TestRestoreWithoutManifest(t *testing.T) {
	_, err := run(t, "restore", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run capture first")
	assert.Equal(t, errInvalidParameters, exitCode(err))
	assert.Equal(t, errInvalidParameters, lastExitCode)
}

func TestRestoreSuggestsElevation(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root may chown to any owner")
	}
	dir := filepath.Join(t.TempDir(), "system")
	require.NoError(t, os.Mkdir(dir, 0755))
	f, err := os.Create(ledger.ManifestPath(dir))
	require.NoError(t, err)
	m := &ledger.Manifest{Partition: "system", Entries: []ledger.Entry{
		{Path: ".", Kind: ledger.KindDir, UID: 0, GID: 0, Mode: 0755},
	}}
	_, err = m.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = run(t, "restore", dir)
	require.Error(t, err)
	assert.Equal(t, errSystemError, exitCode(err))
	assert.Contains(t, err.Error(), "try --elevation su or sudo")
}

func TestShowConfig(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "imgpack.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("erofs_threads: 4\n"), 0644))

	out, err := run(t, "--config", conf, "--loop-dir", "/mnt/scratch", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "loop_dir: /mnt/scratch")
	assert.Contains(t, out, "erofs_threads: 4")
	assert.Contains(t, out, "elevation: none")

	_, err = run(t, "--elevation", "root", "config")
	require.Error(t, err)
	assert.Equal(t, errConfig, exitCode(err))
}

func TestArgumentErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	for _, args := range [][]string{
		{"extract"},
		{"repack", "/nonexistent/system.img"},
		{"capture"},
		{"capture", file},
		{"restore", "a", "b"},
		{"status"},
		{"payload", "inspect"},
		{"payload", "extract", "payload.bin"},
	} {
		_, err := run(t, args...)
		require.Error(t, err, "%v", args)
		assert.Equal(t, errInvalidParameters, exitCode(err), "%v", args)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := run(t, "--compression", "brotli", "capture", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errConfig, exitCode(err))
	assert.Contains(t, err.Error(), "brotli")

	conf := filepath.Join(t.TempDir(), "imgpack.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("erofs_threads: 0\nrestore_batch: -1\n"), 0644))
	_, err = run(t, "--config", conf, "capture", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errConfig, exitCode(err))
	assert.Contains(t, err.Error(), "erofs_threads")
	assert.Contains(t, err.Error(), "restore_batch")
}

func TestDetect(t *testing.T) {
	project := t.TempDir()
	ext4Image(t, project, "vendor")
	require.NoError(t, os.WriteFile(filepath.Join(project, "boot.img"),
		append([]byte("ANDROID!"), make([]byte, 4096)...), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "notes.txt"), nil, 0644))

	out, err := run(t, "detect", project)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "boot\tboot\t"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "vendor\text4\t8.0 KiB"), lines[1])
}

func TestExtractReportsEveryPartition(t *testing.T) {
	project := t.TempDir()
	ext4Image(t, project, "odm")
	ext4Image(t, project, "vendor")

	// No tools are bundled and debugfs is looked up in an empty PATH.
	t.Setenv("PATH", t.TempDir())
	out, err := run(t, "--tool-dir", t.TempDir(), "extract", project)
	require.Error(t, err)
	assert.Equal(t, errPartition, exitCode(err))
	assert.Contains(t, err.Error(), "2 of 2 partitions failed")
	assert.Contains(t, out, "odm: failed")
	assert.Contains(t, out, "vendor: failed")
	assert.Contains(t, out, "error: [odm] Extraction failed")
}

func TestStatus(t *testing.T) {
	project := t.TempDir()
	ext4Image(t, project, "odm")
	ext4Image(t, project, "system")
	ext4Image(t, project, "vendor")

	root := filepath.Join(project, "extracted", "system")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	_, err := run(t, "capture", root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(project, "repacked"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "repacked", "system.img"),
		make([]byte, 2048), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "repacked",
		archiver.ArchiveName("vendor", archiver.NewCompressorGzip())), nil, 0644))

	out, err := run(t, "status", project)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "PARTITION")
	assert.Contains(t, lines[1], "odm")
	assert.NotContains(t, lines[1], "entries")
	assert.Contains(t, lines[2], "2 entries")
	assert.Contains(t, lines[2], "2.0 KiB")
	assert.Contains(t, lines[3], "vendor.tar.gz (archive)")
}

func TestStatusColumnsAlignWithColour(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = noColor }()

	escapes := regexp.MustCompile("\x1b\\[[0-9;]*m")
	column := func(line, text string) int {
		plain := escapes.ReplaceAllString(line, "")
		return strings.Index(plain, text)
	}

	extracted := partitionStatus{Name: "system", Kind: "ext4", Size: 4096,
		Extracted: true, Entries: 1234, Repacked: "5.0 MiB"}
	archived := partitionStatus{Name: "vendor", Kind: "erofs", Size: 8192,
		Repacked: "vendor.tar.gz", Archived: true}
	bare := partitionStatus{Name: "odm", Kind: "unknown", Size: 1}

	assert.Contains(t, extracted.row(), "\x1b[")
	want := column(statusHeader(), "REPACKED")
	assert.Equal(t, want, column(extracted.row(), "5.0 MiB"))
	assert.Equal(t, want, column(archived.row(), "vendor.tar.gz (archive)"))
	assert.Equal(t, want, strings.LastIndex(escapes.ReplaceAllString(bare.row(), ""), "-"), bare.row())
}

func decoder(t *testing.T, script string) string {
	path := filepath.Join(t.TempDir(), "payload-decoder")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	conf := filepath.Join(t.TempDir(), "imgpack.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("payload_decoder: "+path+"\n"), 0644))
	return conf
}

func TestPayloadInspect(t *testing.T) {
	conf := decoder(t, `
cat <<'JSON'
{"header":{"version_major":2,"version_minor":0},"block_size":4096,
 "partitions":[{"name":"system","size":1073741824,"operations_count":12}]}
JSON
`)
	out, err := run(t, "--config", conf, "payload", "inspect", "payload.bin")
	require.NoError(t, err)
	assert.Contains(t, out, "Payload version: 2.0")
	assert.Contains(t, out, "Partitions (1, 1.0 GiB)")
	assert.Contains(t, out, "system")

	out, err = run(t, "--config", conf, "payload", "inspect", "--json", "payload.bin")
	require.NoError(t, err)
	assert.Contains(t, out, `"size_human": "1.0 GiB"`)
}

func TestPayloadExtract(t *testing.T) {
	conf := decoder(t, `
echo '{"progress":{"file":"system","percent":100,"bytes_done":10,"bytes_total":10}}'
echo "{\"status\":\"success\",\"extracted\":[{\"name\":\"system\",\"size\":10,\"path\":\"$3/system.img\"}]}"
`)
	outDir := filepath.Join(t.TempDir(), "project")
	out, err := run(t, "--config", conf, "payload", "extract", "--no-progress", "payload.bin", outDir)
	require.NoError(t, err)
	assert.Equal(t, "system\t"+outDir+"/system.img\n", out)
	assert.DirExists(t, outDir)

	conf = decoder(t, `echo '{"status":"error","message":"Unsupported operation type 9"}'`)
	_, err = run(t, "--config", conf, "payload", "extract", "--no-progress", "payload.bin", outDir)
	require.Error(t, err)
	assert.Equal(t, errPartition, exitCode(err))
	assert.Contains(t, err.Error(), "Unsupported operation type 9")
}
