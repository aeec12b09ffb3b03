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

package archiver

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Owner replaces the on-disk ownership and mode of an archived entry.
type Owner struct {
	UID  int
	GID  int
	Mode uint32
}

type TreeArchiver struct {
	comp Compressor
	// Overrides are keyed by slash separated path relative to the root,
	// the root itself is ".".
	overrides map[string]Owner
	log       logrus.FieldLogger
}

type PackResult struct {
	Entries int
	Skipped int
	Size    int64
}

func NewTreeArchiver(comp Compressor, overrides map[string]Owner, log logrus.FieldLogger) *TreeArchiver {
	return &TreeArchiver{comp: comp, overrides: overrides, log: log}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Pack writes root as a tar stream to out. Entry names are relative to the
// root, which is stored as "./".
func (a *TreeArchiver) Pack(root, out string) (*PackResult, error) {
	f, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*")
	if err != nil {
		return nil, errors.Wrap(err, "arch: can not create archive")
	}
	defer os.Remove(f.Name())

	cw := &countingWriter{w: f}
	cmp, err := a.comp.NewWriter(cw)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "arch: can not create compressor")
	}
	tw := tar.NewWriter(cmp)
	res := &PackResult{}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			a.log.Warnf("Not archiving %s: %v", path, err)
			res.Skipped++
			return nil
		}
		skip, err := a.writeEntry(tw, root, path)
		if err != nil {
			return err
		}
		if skip {
			res.Skipped++
		} else {
			res.Entries++
		}
		return nil
	})
	if err == nil {
		err = tw.Close()
	}
	if err == nil {
		err = cmp.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "arch: can not pack %s", root)
	}
	if err = os.Rename(f.Name(), out); err != nil {
		return nil, errors.Wrap(err, "arch: can not store archive")
	}
	res.Size = cw.n
	return res, nil
}

func (a *TreeArchiver) writeEntry(tw *tar.Writer, root, path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		a.log.Warnf("Not archiving %s: %v", path, err)
		return true, nil
	}
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			a.log.Warnf("Not archiving %s: %v", path, err)
			return true, nil
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		// sockets and the like
		a.log.Warnf("Not archiving %s: %v", path, err)
		return true, nil
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false, err
	}
	rel = filepath.ToSlash(rel)
	if o, ok := a.overrides[rel]; ok {
		hdr.Uid, hdr.Gid = o.UID, o.GID
		hdr.Mode = int64(o.Mode & 07777)
	}
	hdr.Uname, hdr.Gname = "", ""
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name = rel + "/"
		if rel == "." {
			hdr.Name = "./"
		}
	}
	if err = tw.WriteHeader(hdr); err != nil {
		return false, errors.Wrapf(err, "arch: error writing header of %s", rel)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}
	src, err := os.Open(path)
	if err != nil {
		return false, errors.Wrapf(err, "arch: can not open %s", rel)
	}
	defer src.Close()
	if _, err = io.Copy(tw, src); err != nil {
		return false, errors.Wrapf(err, "arch: can not write %s", rel)
	}
	return false, nil
}
