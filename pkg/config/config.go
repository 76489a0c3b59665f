// Copyright 2022-2024 The Parca Authors
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

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parca-dev/elfloader/pkg/backtrace"
	"github.com/parca-dev/elfloader/pkg/symtab"
)

var (
	ErrEmptyConfig   = errors.New("empty config")
	ErrInvalidConfig = errors.New("invalid config")
)

// Config holds all the configuration information for the loader.
type Config struct {
	Symbols   symtab.Limits `yaml:"symbols"`
	Backtrace Backtrace     `yaml:"backtrace"`
}

// Backtrace configures the stack walk done for the backtrace system call.
type Backtrace struct {
	// Stride is the distance in bytes between two saved return addresses.
	Stride uint64 `yaml:"stride"`
	// FrameSkip is added to the user stack pointer before walking, to step
	// over the frame of the function that issued the system call.
	FrameSkip uint64 `yaml:"frame_skip"`
	// MaxDepth caps the depth a program may ask for. Zero means no cap.
	MaxDepth int `yaml:"max_depth"`
}

// Default returns the configuration matching the teaching kernel's fixed
// constants.
func Default() *Config {
	return &Config{
		Symbols: symtab.DefaultLimits,
		Backtrace: Backtrace{
			Stride:    backtrace.DefaultStride,
			FrameSkip: 24,
			MaxDepth:  64,
		},
	}
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate rejects values the loader cannot work with.
func (c *Config) Validate() error {
	if c.Symbols.MaxSymbols < 0 || c.Symbols.MaxStringBytes < 0 {
		return fmt.Errorf("%w: symbol limits must not be negative", ErrInvalidConfig)
	}
	if c.Backtrace.Stride == 0 || c.Backtrace.Stride%8 != 0 {
		return fmt.Errorf("%w: backtrace stride %d is not a positive multiple of 8", ErrInvalidConfig, c.Backtrace.Stride)
	}
	if c.Backtrace.MaxDepth < 0 {
		return fmt.Errorf("%w: negative backtrace max_depth", ErrInvalidConfig)
	}
	return nil
}

// Load parses the YAML input b into a Config. Fields missing from b keep
// their default value.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
