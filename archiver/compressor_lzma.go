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
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

type CompressorLzma struct{}

func NewCompressorLzma() Compressor {
	return &CompressorLzma{}
}

func (c *CompressorLzma) GetFileExtension() string {
	return ".xz"
}

func (c *CompressorLzma) NewReader(r io.Reader) (io.ReadCloser, error) {
	r, err := xzReader.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

// Partition trees are large and mostly binaries, a 16 MiB dictionary keeps
// memory bounded on devices.
const xzDictSize = 16 << 20

var (
	xzWriter = xz.WriterConfig{
		DictCap:   xzDictSize,
		CheckSum:  xz.CRC64,
		Matcher:   lzma.BinaryTree,
		BlockSize: 3 * xzDictSize,
	}
	xzReader = xz.ReaderConfig{DictCap: xzDictSize}
)

func (c *CompressorLzma) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return xzWriter.NewWriter(w)
}

func init() {
	RegisterCompressor("lzma", &CompressorLzma{})
}
