// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chainmap

import (
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Config holds the sizing parameters of a Map so that they can be kept in a
// TOML file alongside the rest of an application's configuration:
//
//	initial-capacity = 1024
//	min-capacity = 16
//	load-factor = 0.75
type Config struct {
	InitialCapacity int     `toml:"initial-capacity"`
	MinCapacity     int     `toml:"min-capacity"`
	LoadFactor      float32 `toml:"load-factor"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		InitialCapacity: DefaultCapacity,
		MinCapacity:     DefaultMinCapacity,
		LoadFactor:      DefaultLoadFactor,
	}
}

// Validate returns ErrInvalidConfig if New would reject c.
func (c Config) Validate() error {
	if c.MinCapacity < 1 {
		return errors.Wrapf(ErrInvalidConfig, "min-capacity %d", c.MinCapacity)
	}
	if c.InitialCapacity < c.MinCapacity {
		return errors.Wrapf(ErrInvalidConfig,
			"initial-capacity %d below min-capacity %d", c.InitialCapacity, c.MinCapacity)
	}
	if !validLoadFactor(c.LoadFactor) {
		return errors.Wrapf(ErrInvalidConfig, "load-factor %v", c.LoadFactor)
	}
	return nil
}

// DecodeConfig parses a TOML document on top of DefaultConfig. Keys that
// are not part of Config are rejected.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	return checkDecoded(cfg, md)
}

// LoadConfig reads a TOML config file. See DecodeConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading config %s", path)
	}
	cfg, err = checkDecoded(cfg, md)
	return cfg, errors.Wrapf(err, "config %s", path)
}

func checkDecoded(cfg Config, md toml.MetaData) (Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, errors.Wrapf(ErrInvalidConfig, "unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewFromConfig constructs a Map sized by cfg. Options are applied after
// the minimum capacity from cfg, so WithMinCapacity overrides it.
func NewFromConfig[K any, V any](
	cfg Config, hash HashFunc[K], eq EqualFunc[K], options ...Option[K, V],
) (*Map[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := append([]Option[K, V]{WithMinCapacity[K, V](cfg.MinCapacity)}, options...)
	return New[K, V](hash, eq, cfg.InitialCapacity, cfg.LoadFactor, opts...)
}
