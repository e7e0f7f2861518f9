// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package jfr

import (
	"fmt"
	"log"
	"os"

	"sigs.k8s.io/yaml"
)

// Config describes how a recording is read.
// It is typically loaded from a YAML or
// JSON file with LoadConfig.
type Config struct {
	// EventTypes, if non-empty, is the list
	// of event type names to decode.
	// Other events are skipped.
	EventTypes []string `json:"event_types,omitempty"`
	// Parallel is the number of chunks
	// decoded concurrently by EachChunk.
	// Zero means one.
	Parallel int `json:"parallel,omitempty"`
	// NullMissingReferences decodes dangling
	// constant-pool references as null.
	NullMissingReferences bool `json:"null_missing_references,omitempty"`
	// SkipErrors asks callers to report
	// chunk and event errors and continue
	// rather than stopping at the first one.
	SkipErrors bool `json:"skip_errors,omitempty"`
	// Verbose enables diagnostic logging.
	Verbose bool `json:"verbose,omitempty"`
	// MaxDecompressedSize limits the size of
	// compressed recordings once decompressed.
	// Zero means DefaultMaxDecompressedSize;
	// a negative value removes the limit.
	MaxDecompressedSize int64 `json:"max_decompressed_size,omitempty"`
}

// just pick an upper limit; configs are tiny
const maxConfigSize = 1024 * 1024

// ParseConfig parses a YAML or JSON configuration.
// Unknown keys are rejected.
func ParseConfig(buf []byte) (*Config, error) {
	c := new(Config)
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return nil, fmt.Errorf("jfr: parsing config: %w", err)
	}
	if c.Parallel < 0 {
		return nil, fmt.Errorf("jfr: parsing config: parallel must not be negative (got %d)", c.Parallel)
	}
	return c, nil
}

// LoadConfig reads and parses the
// configuration file at path.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("jfr: config %s of size %d beyond limit %d", path, info.Size(), maxConfigSize)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

// Options returns the reader options selected by c.
// The logger is only used when c.Verbose is set.
func (c *Config) Options(logger *log.Logger) []Option {
	var opts []Option
	if c.Verbose && logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	if len(c.EventTypes) > 0 {
		opts = append(opts, WithEventTypes(c.EventTypes...))
	}
	if c.NullMissingReferences {
		opts = append(opts, WithNullMissingReferences())
	}
	if c.MaxDecompressedSize != 0 {
		opts = append(opts, WithMaxDecompressedSize(c.MaxDecompressedSize))
	}
	return opts
}

// Workers returns the number of
// goroutines to pass to EachChunk.
func (c *Config) Workers() int {
	if c.Parallel < 1 {
		return 1
	}
	return c.Parallel
}
