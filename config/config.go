// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from YAML.
package config

import (
	"io/ioutil"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/gdamore/fleetvisor"
)

// Duration is a time.Duration written the way time.ParseDuration reads,
// for example "25s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Defaults.
const (
	DefaultListen         = ":8321"
	DefaultMaxConnections = 256
	DefaultRoot           = "instances"
	DefaultKeepalive      = 25 * time.Second
	DefaultLogLevel       = "info"
)

type Config struct {
	Listen           string                              `yaml:"listen"`
	MaxConnections   int                                 `yaml:"maxConnections"`
	Root             string                              `yaml:"root"`
	RuntimeCache     string                              `yaml:"runtimeCache"`
	Journal          string                              `yaml:"journal"`
	EventLogCapacity int                                 `yaml:"eventLogCapacity"`
	Keepalive        Duration                            `yaml:"keepalive"`
	StopTimeout      Duration                            `yaml:"stopTimeout"`
	StopCommand      string                              `yaml:"stopCommand"`
	ConsoleSize      int                                 `yaml:"consoleSize"`
	JWTSecret        string                              `yaml:"jwtSecret"`
	LogLevel         string                              `yaml:"logLevel"`
	Patterns         fleetvisor.Patterns                 `yaml:"patterns"`
	Assets           map[string]fleetvisor.AssetTemplate `yaml:"assets"`
	Resources        map[string]string                   `yaml:"resources"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills in every field left empty.  Paths derived from the
// root follow it.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.RuntimeCache == "" {
		c.RuntimeCache = filepath.Join(c.Root, ".runtime")
	}
	if c.Journal == "" {
		c.Journal = filepath.Join(c.Root, "journal.db")
	}
	if c.EventLogCapacity <= 0 {
		c.EventLogCapacity = 5000
	}
	if c.Keepalive <= 0 {
		c.Keepalive = Duration(DefaultKeepalive)
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = Duration(fleetvisor.DefaultStopTimeout)
	}
	if c.StopCommand == "" {
		c.StopCommand = fleetvisor.DefaultStopLine
	}
	if c.ConsoleSize <= 0 {
		c.ConsoleSize = fleetvisor.MaxConsoleRecords
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	d := fleetvisor.DefaultPatterns
	if c.Patterns.Ready == "" {
		c.Patterns.Ready = d.Ready
	}
	if c.Patterns.Login == "" {
		c.Patterns.Login = d.Login
	}
	if c.Patterns.Logout == "" {
		c.Patterns.Logout = d.Logout
	}
	if c.Patterns.Warn == "" {
		c.Patterns.Warn = d.Warn
	}
	if c.Patterns.Error == "" {
		c.Patterns.Error = d.Error
	}
	if c.Resources == nil {
		c.Resources = map[string]string{
			"properties": "properties.json",
			"whitelist":  "whitelist.json",
		}
	}
}

// SetRoot moves the managed root.  Paths that were derived from the old
// root follow it.
func (c *Config) SetRoot(root string) {
	if c.RuntimeCache == filepath.Join(c.Root, ".runtime") {
		c.RuntimeCache = filepath.Join(root, ".runtime")
	}
	if c.Journal == filepath.Join(c.Root, "journal.db") {
		c.Journal = filepath.Join(root, "journal.db")
	}
	c.Root = root
}

// Validate checks what can be checked without touching the system.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "logLevel")
	}
	if _, err := fleetvisor.NewRegexClassifier(c.Patterns); err != nil {
		return errors.Wrap(err, "patterns")
	}
	for kind, t := range c.Assets {
		if t.Primary.URL == "" {
			return errors.Errorf("assets %q: primary url is required", kind)
		}
	}
	for name, file := range c.Resources {
		if name == fleetvisor.LaunchResource {
			return errors.Errorf("resources: %q is reserved", name)
		}
		if file == "" || filepath.Base(file) != file {
			return errors.Errorf("resources %q: file must be a plain file name", name)
		}
	}
	return nil
}

// Parse decodes a configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the configuration file at path.  An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return Parse(data)
}
