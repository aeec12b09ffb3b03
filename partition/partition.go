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

// Package partition models the partition images of a project directory and
// where their extracted trees and rebuilt images live.
package partition

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/payloadpack/imgpack/format"
	"github.com/payloadpack/imgpack/utils"
)

const (
	ImageExt     = ".img"
	ExtractedDir = "extracted"
	RepackedDir  = "repacked"
)

// Image is one partition source file. Kind is format.Unknown until the image
// has been detected.
type Image struct {
	Name string
	Path string
	Size int64
	Kind format.Kind
}

// New describes the image at path, named after the file.
func New(path string) (*Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can not resolve %s", path)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrap(err, "can not stat partition image")
	}
	if !fi.Mode().IsRegular() {
		return nil, errors.Errorf("%s is not a regular file", abs)
	}
	name := strings.TrimSuffix(filepath.Base(abs), ImageExt)
	if err = utils.ValidatePartitionName(name); err != nil {
		return nil, errors.Wrapf(err, "bad partition image %s", abs)
	}
	return &Image{Name: name, Path: abs, Size: fi.Size()}, nil
}

// Detect classifies the image and caches the result.
func (i *Image) Detect(ctx context.Context, d *format.Detector) format.Kind {
	i.Kind = d.Detect(ctx, i.Path)
	return i.Kind
}

// Scan lists the top level *.img files of a project directory sorted by
// name. Files with names that can not be used as partition names are
// skipped.
func Scan(project string) ([]*Image, error) {
	entries, err := os.ReadDir(project)
	if err != nil {
		return nil, errors.Wrap(err, "can not scan project")
	}
	var images []*Image
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ImageExt {
			continue
		}
		img, err := New(filepath.Join(project, e.Name()))
		if err != nil {
			continue
		}
		images = append(images, img)
	}
	sort.Slice(images, func(a, b int) bool {
		return images[a].Name < images[b].Name
	})
	return images, nil
}

func ExtractRoot(project, name string) string {
	return filepath.Join(project, ExtractedDir, name)
}

func RepackDir(project string) string {
	return filepath.Join(project, RepackedDir)
}

func RepackedImage(project, name string) string {
	return filepath.Join(RepackDir(project), name+ImageExt)
}

// Project is the directory an image belongs to.
func (i *Image) Project() string {
	return filepath.Dir(i.Path)
}
