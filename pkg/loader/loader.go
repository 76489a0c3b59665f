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

package loader

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/elfloader/pkg/elfreader"
)

// copyChunkSize bounds the buffer used to move segment bytes, so a segment
// claiming a huge file size does not turn into a huge allocation.
const copyChunkSize = 32 * 1024

var (
	ErrInvalidSegment = errors.New("invalid segment")

	errMapping = errors.New("mapping segment")
)

// AddressSpace is where segments are materialised. Reserve returns the
// destination address for [vaddr, vaddr+size); an identity mapping returns
// vaddr unchanged.
type AddressSpace interface {
	Reserve(vaddr, size uint64) (uint64, error)
	WriteAt(p []byte, addr uint64) (int, error)
}

// Result describes a completed load.
type Result struct {
	Segments    int
	BytesCopied uint64
	// Checksum is the xxhash of all copied bytes, in load order.
	Checksum uint64
}

type Loader struct {
	logger  log.Logger
	metrics *metrics
}

func New(logger log.Logger, reg prometheus.Registerer) *Loader {
	return &Loader{
		logger:  logger,
		metrics: newMetrics(reg),
	}
}

// Load copies every PT_LOAD segment of f into as, in program header order.
// It stops at the first failure: a short read is elfreader.ErrIO, a segment
// whose memory size is below its file size or whose range wraps the address
// space is ErrInvalidSegment. Segments before the failing one stay loaded.
func (l *Loader) Load(f *elfreader.File, as AddressSpace) (*Result, error) {
	res := &Result{}
	digest := xxhash.New()
	buf := make([]byte, copyChunkSize)

	err := f.ForEachProgHeader(func(i int, ph elfreader.ProgHeader) error {
		if !ph.Loadable() {
			return nil
		}
		if ph.Memsz < ph.Filesz {
			return fmt.Errorf("%w: segment %d memsz %#x < filesz %#x", ErrInvalidSegment, i, ph.Memsz, ph.Filesz)
		}
		if ph.Vaddr+ph.Memsz < ph.Vaddr {
			return fmt.Errorf("%w: segment %d [%#x, +%#x) overflows", ErrInvalidSegment, i, ph.Vaddr, ph.Memsz)
		}
		if err := f.CheckRange(ph.Off, ph.Filesz); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}

		dest, err := as.Reserve(ph.Vaddr, ph.Memsz)
		if err != nil {
			return fmt.Errorf("%w %d: %w", errMapping, i, err)
		}

		for done := uint64(0); done < ph.Filesz; {
			n := ph.Filesz - done
			if n > copyChunkSize {
				n = copyChunkSize
			}
			chunk := buf[:n]
			if err := f.ReadFull(chunk, ph.Off+done); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			if _, err := as.WriteAt(chunk, dest+done); err != nil {
				return fmt.Errorf("%w %d: %w", errMapping, i, err)
			}
			_, _ = digest.Write(chunk)
			done += n
		}

		level.Debug(l.logger).Log(
			"msg", "loaded segment",
			"index", i,
			"vaddr", fmt.Sprintf("%#x", ph.Vaddr),
			"filesz", humanize.IBytes(ph.Filesz),
			"memsz", humanize.IBytes(ph.Memsz),
		)
		res.Segments++
		res.BytesCopied += ph.Filesz
		l.metrics.segmentsLoaded.Inc()
		l.metrics.bytesCopied.Add(float64(ph.Filesz))
		return nil
	})
	if err != nil {
		l.metrics.recordError(err)
		return nil, err
	}

	res.Checksum = digest.Sum64()
	return res, nil
}
