// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package elfreader

import (
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
)

// ByteSource supplies bytes at an offset without a cursor. Size is the known
// extent every computed offset is validated against before reading.
// *bytes.Reader satisfies it.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// FileSource is a host file mapped read-only into memory.
type FileSource struct {
	path   string
	reader *mmap.ReaderAt
}

var _ ByteSource = &FileSource{}

func OpenFile(path string) (*FileSource, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap.Open: %w", err)
	}
	return &FileSource{path: path, reader: reader}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}

func (s *FileSource) Size() int64 { return int64(s.reader.Len()) }

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Close() error {
	return s.reader.Close()
}
