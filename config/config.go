// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config loads worker options, listeners and hooks from JSON or YAML.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/transport"
	"github.com/mochi-mqtt/transport/hooks/auth"
	"github.com/mochi-mqtt/transport/hooks/debug"
	"github.com/mochi-mqtt/transport/hooks/storage/badger"
	"github.com/mochi-mqtt/transport/hooks/storage/bolt"
	"github.com/mochi-mqtt/transport/hooks/storage/pebble"
	"github.com/mochi-mqtt/transport/hooks/storage/redis"
	"github.com/mochi-mqtt/transport/listeners"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options       transport.Options
	Listeners     []listeners.Config `yaml:"listeners" json:"listeners"`
	HookConfigs   HookConfigs        `yaml:"hooks" json:"hooks"`
	LoggingConfig LoggingConfig      `yaml:"logging" json:"logging"`
}

// LoggingConfig contains the settings of the worker logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn or error
	Format string `yaml:"format" json:"format"` // text or json
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Auth    *HookAuthConfig    `yaml:"auth" json:"auth"`
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
}

// HookAuthConfig contains configurations for the connection admission hook.
type HookAuthConfig struct {
	Ledger   auth.Ledger `yaml:"ledger" json:"ledger"`
	AllowAll bool        `yaml:"allow_all" json:"allow_all"`
}

// HookStorageConfig contains configurations for the different session ledger hooks.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
}

// ToHooks converts Hook file configurations into Hooks to be added to the worker.
func (hc HookConfigs) ToHooks() []transport.HookLoadConfig {
	var hlc []transport.HookLoadConfig

	if hc.Auth != nil {
		hlc = append(hlc, hc.toHooksAuth()...)
	}

	if hc.Storage != nil {
		hlc = append(hlc, hc.toHooksStorage()...)
	}

	if hc.Debug != nil {
		hlc = append(hlc, transport.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: hc.Debug,
		})
	}

	return hlc
}

// toHooksAuth converts auth hook configurations into auth hooks.
func (hc HookConfigs) toHooksAuth() []transport.HookLoadConfig {
	var hlc []transport.HookLoadConfig
	if hc.Auth.AllowAll {
		hlc = append(hlc, transport.HookLoadConfig{
			Hook: new(auth.AllowHook),
		})
	} else {
		hlc = append(hlc, transport.HookLoadConfig{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Access: hc.Auth.Ledger.Access,
				},
			},
		})
	}
	return hlc
}

// toHooksStorage converts storage hook configurations into storage hooks.
func (hc HookConfigs) toHooksStorage() []transport.HookLoadConfig {
	var hlc []transport.HookLoadConfig
	if hc.Storage.Badger != nil {
		hlc = append(hlc, transport.HookLoadConfig{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		})
	}

	if hc.Storage.Bolt != nil {
		hlc = append(hlc, transport.HookLoadConfig{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		})
	}

	if hc.Storage.Redis != nil {
		hlc = append(hlc, transport.HookLoadConfig{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis,
		})
	}

	if hc.Storage.Pebble != nil {
		hlc = append(hlc, transport.HookLoadConfig{
			Hook:   new(pebble.Hook),
			Config: hc.Storage.Pebble,
		})
	}
	return hlc
}

// ToLogger builds the worker logger, or returns nil to keep the default.
func (lc LoggingConfig) ToLogger() *slog.Logger {
	if lc.Level == "" && lc.Format == "" {
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid worker options value.
// Any hooks configurations are converted into Hooks using the toHooks methods in this package.
func FromBytes(b []byte) (*transport.Options, error) {
	c := new(config)
	o := transport.Options{}

	if len(b) == 0 {
		return nil, nil
	}

	if b[0] == '{' {
		err := json.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	} else {
		err := yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}

	o = c.Options
	o.Hooks = c.HookConfigs.ToHooks()
	o.Listeners = c.Listeners
	o.Logger = c.LoggingConfig.ToLogger()

	return &o, nil
}

// FromFile reads and unmarshals a config file.
func FromFile(path string) (*transport.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return FromBytes(b)
}
