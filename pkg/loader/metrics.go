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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/elfloader/pkg/elfreader"
)

const (
	lvIO             = "io"
	lvInvalidSegment = "invalid_segment"
	lvMapping        = "mapping"
	lvOther          = "other"
)

type metrics struct {
	segmentsLoaded prometheus.Counter
	bytesCopied    prometheus.Counter
	loadErrors     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		segmentsLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "elfloader_segments_loaded_total",
			Help: "Total number of loadable segments copied into an address space.",
		}),
		bytesCopied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "elfloader_segment_bytes_copied_total",
			Help: "Total number of segment bytes copied from executables.",
		}),
		loadErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "elfloader_load_errors_total",
			Help: "Total number of aborted segment loads by reason.",
		}, []string{"reason"}),
	}
	m.loadErrors.WithLabelValues(lvIO)
	m.loadErrors.WithLabelValues(lvInvalidSegment)
	m.loadErrors.WithLabelValues(lvMapping)
	m.loadErrors.WithLabelValues(lvOther)
	return m
}

func (m *metrics) recordError(err error) {
	switch {
	case errors.Is(err, elfreader.ErrIO):
		m.loadErrors.WithLabelValues(lvIO).Inc()
	case errors.Is(err, ErrInvalidSegment):
		m.loadErrors.WithLabelValues(lvInvalidSegment).Inc()
	case errors.Is(err, errMapping):
		m.loadErrors.WithLabelValues(lvMapping).Inc()
	default:
		m.loadErrors.WithLabelValues(lvOther).Inc()
	}
}
