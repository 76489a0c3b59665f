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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/elfloader/pkg/config"
	"github.com/parca-dev/elfloader/pkg/kernel"
	"github.com/parca-dev/elfloader/pkg/symtab"
)

func craft(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo")
	require.NoError(t, runCraft(path))
	return path
}

func TestLoadCommand(t *testing.T) {
	path := craft(t)
	k := kernel.New(log.NewNopLogger(), prometheus.NewRegistry(), nil)

	out := &bytes.Buffer{}
	require.NoError(t, runLoad(k, out, []string{path, path}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], "demo")
	require.Contains(t, lines[1], "0x10000")
}

func TestSymbolsCommand(t *testing.T) {
	path := craft(t)
	k := kernel.New(log.NewNopLogger(), prometheus.NewRegistry(), nil)
	export := filepath.Join(t.TempDir(), "demo.symbols")

	out := &bytes.Buffer{}
	require.NoError(t, runSymbols(k, out, path, export))
	require.Contains(t, out.String(), "0000000000010010  16    STB_GLOBAL  f1")
	require.Empty(t, k.Processes())

	r, err := symtab.NewReader(export)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	require.Equal(t, 3, r.Len())
	name, err := r.Symbolize(0x10015)
	require.NoError(t, err)
	require.Equal(t, "f1", name)
}

func TestBacktraceCommand(t *testing.T) {
	path := craft(t)
	out := &bytes.Buffer{}
	cfg := config.Default()
	k := kernel.New(log.NewNopLogger(), prometheus.NewRegistry(), cfg, kernel.WithOutput(out))

	require.NoError(t, runBacktrace(k, cfg.Backtrace, path, []string{"0x10024", "0x10018", "0x1000c", "0x10"}, 10))
	require.Equal(t, "f2\nf1\nmain\nfail to backtrace symbol 10\n", out.String())

	require.Error(t, runBacktrace(k, cfg.Backtrace, path, []string{"nope"}, 10))
}

func TestDumpMetrics(t *testing.T) {
	path := craft(t)
	reg := prometheus.NewRegistry()
	k := kernel.New(log.NewNopLogger(), reg, nil)
	require.NoError(t, runLoad(k, &bytes.Buffer{}, []string{path}))

	out := &bytes.Buffer{}
	require.NoError(t, dumpMetrics(reg, out))
	require.Contains(t, out.String(), "elfloader_segments_loaded_total 1")
}

func TestCraftFailsOnBadPath(t *testing.T) {
	err := runCraft(filepath.Join(t.TempDir(), "missing", "demo"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
