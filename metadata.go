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

package fleetvisor

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LaunchParams describe how to run an instance.  Command is split into
// words the way a shell would, and each word may reference ${PRIMARY}
// (the primary payload), ${RUNTIME} (the runtime dependency) and ${DIR}
// (the working directory).
type LaunchParams struct {
	Command     string   `json:"command" yaml:"command"`
	Env         []string `json:"env,omitempty" yaml:"env"`
	StopLine    string   `json:"stopLine,omitempty" yaml:"stopLine"`
	StopTimeout int      `json:"stopTimeoutSeconds,omitempty" yaml:"stopTimeoutSeconds"`
}

// Argv returns the command split into words, with variables expanded.
func (l LaunchParams) Argv(vars map[string]string) ([]string, error) {
	p := shellwords.NewParser()
	words, e := p.Parse(l.Command)
	if e != nil {
		return nil, errors.Wrap(ErrBadLaunch, e.Error())
	}
	if len(words) == 0 {
		return nil, errors.Wrap(ErrBadLaunch, "empty command")
	}
	for i, w := range words {
		words[i] = os.Expand(w, func(k string) string {
			return vars[k]
		})
	}
	return words, nil
}

// Timeout returns the stop timeout, or def when unset.
func (l LaunchParams) Timeout(def time.Duration) time.Duration {
	if l.StopTimeout <= 0 {
		return def
	}
	return time.Duration(l.StopTimeout) * time.Second
}

// Metadata is the durable record for an instance.
type Metadata struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Version  string       `json:"version,omitempty"`
	Archived bool         `json:"archived"`
	Launch   LaunchParams `json:"launch"`
	Created  time.Time    `json:"created"`
	Updated  time.Time    `json:"updated"`
}

const LatestVersion = "latest"

// Validate checks the fields a caller supplies.  The id is not checked,
// since the registry assigns it.
func (m *Metadata) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.Wrap(ErrBadMetadata, "name is required")
	}
	if strings.TrimSpace(m.Type) == "" {
		return errors.Wrap(ErrBadMetadata, "type is required")
	}
	if m.Version != "" && m.Version != LatestVersion {
		if _, e := version.NewVersion(m.Version); e != nil {
			return errors.Wrapf(ErrBadMetadata, "version %q: %v",
				m.Version, e)
		}
	}
	if m.Launch.Command != "" {
		if _, e := m.Launch.Argv(nil); e != nil {
			return e
		}
	}
	return nil
}

type metadataFile struct {
	Version   int        `json:"version"`
	Instances []Metadata `json:"instances"`
}

// MetadataStore persists the list of instance records in one JSON file.
// Writes go to a temporary file that is renamed over the old one, so a
// crash never leaves a torn list behind.
type MetadataStore struct {
	path   string
	lock   sync.Mutex
	logger *logrus.Entry
}

// Load reads the list.  A missing file is an empty list.  A file that
// cannot be parsed is moved aside and replaced by an empty list.
func (s *MetadataStore) Load() ([]Metadata, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	b, e := ioutil.ReadFile(s.path)
	if os.IsNotExist(e) {
		return []Metadata{}, nil
	}
	if e != nil {
		return nil, errors.Wrap(e, "failed to read instance list")
	}
	var f metadataFile
	if e = json.Unmarshal(b, &f); e == nil {
		return f.Instances, nil
	}

	backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	s.logger.WithError(e).Errorf("instance list is corrupt, moving it to %s", backup)
	if e := os.Rename(s.path, backup); e != nil {
		return nil, errors.Wrap(e, "failed to back up corrupt instance list")
	}
	if e := s.save(nil); e != nil {
		return nil, e
	}
	return []Metadata{}, nil
}

// Save replaces the stored list.
func (s *MetadataStore) Save(list []Metadata) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.save(list)
}

func (s *MetadataStore) save(list []Metadata) error {
	if list == nil {
		list = []Metadata{}
	}
	b, e := json.MarshalIndent(&metadataFile{Version: 1, Instances: list}, "", "  ")
	if e != nil {
		return errors.Wrap(e, "failed to encode instance list")
	}
	return writeFileAtomic(s.path, b, 0644)
}

// writeFileAtomic writes data to a temporary file in the same directory,
// syncs it, and renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if e := os.MkdirAll(dir, 0755); e != nil {
		return errors.Wrap(e, "failed to create directory")
	}
	f, e := ioutil.TempFile(dir, "."+filepath.Base(path)+".tmp-")
	if e != nil {
		return errors.Wrap(e, "failed to create temporary file")
	}
	tmp := f.Name()
	cleanup := func() {
		if e := os.Remove(tmp); e != nil && !os.IsNotExist(e) {
			logrus.WithError(e).Debugf("failed to remove %s", tmp)
		}
	}
	if _, e = f.Write(data); e == nil {
		e = f.Sync()
	}
	if e2 := f.Close(); e == nil {
		e = e2
	}
	if e == nil {
		e = os.Chmod(tmp, mode)
	}
	if e != nil {
		cleanup()
		return errors.Wrapf(e, "failed to write %s", path)
	}
	if e = os.Rename(tmp, path); e != nil {
		cleanup()
		return errors.Wrapf(e, "failed to replace %s", path)
	}
	return nil
}

func NewMetadataStore(path string) *MetadataStore {
	return &MetadataStore{
		path:   path,
		logger: logrus.WithField("component", "metadata"),
	}
}
