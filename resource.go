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
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Resource is a revisioned configuration record of an instance.
type Resource struct {
	Name     string      `json:"name"`
	Value    interface{} `json:"value"`
	Revision string      `json:"revision"`
}

// Codec translates between a resource's stored form and its value.  The
// bytes produced by Marshal are the canonical content, so Marshal must be
// deterministic.
type Codec interface {
	FileName() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(b []byte) (interface{}, error)
}

// JSONCodec stores a resource as canonical JSON.
type JSONCodec struct {
	File string
}

func (c JSONCodec) FileName() string {
	return c.File
}

func (c JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return CanonicalJSON(v)
}

func (c JSONCodec) Unmarshal(b []byte) (interface{}, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if e := dec.Decode(&v); e != nil {
		return nil, errors.Wrap(e, "failed to decode resource")
	}
	return v, nil
}

// ResourceUpdate describes a successful write.  Patch is set when both old
// and new values are objects.
type ResourceUpdate struct {
	Old   Resource
	New   Resource
	Patch map[string]interface{}
}

// ResourceStore keeps revisioned resources in instance directories.
// Writes use optimistic concurrency: the caller presents the revision it
// read and a stale revision is rejected without touching the store.
type ResourceStore struct {
	dirOf  func(id string) (string, error)
	notify func(id string, u ResourceUpdate)
	codecs map[string]Codec
	lock   sync.Mutex
}

// Register makes a resource name known, with the codec that stores it.
func (s *ResourceStore) Register(name string, c Codec) {
	s.lock.Lock()
	s.codecs[name] = c
	s.lock.Unlock()
}

// Names returns the registered resource names.
func (s *ResourceStore) Names() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	rv := make([]string, 0, len(s.codecs))
	for n := range s.codecs {
		rv = append(rv, n)
	}
	return rv
}

func (s *ResourceStore) locate(id, name string) (Codec, string, error) {
	c, ok := s.codecs[name]
	if !ok {
		return nil, "", errors.Wrapf(ErrNoResource, "%q", name)
	}
	dir, e := s.dirOf(id)
	if e != nil {
		return nil, "", e
	}
	return c, filepath.Join(dir, c.FileName()), nil
}

func (s *ResourceStore) read(name string, c Codec, path string) (Resource, error) {
	b, e := ioutil.ReadFile(path)
	if e != nil && !os.IsNotExist(e) {
		return Resource{}, errors.Wrapf(e, "failed to read %s", name)
	}
	v, e := c.Unmarshal(b)
	if e != nil {
		return Resource{}, e
	}
	canon, e := c.Marshal(v)
	if e != nil {
		return Resource{}, e
	}
	return Resource{Name: name, Value: v, Revision: ComputeRevision(canon)}, nil
}

// Get returns the current value and revision of a resource.  A resource
// that was never written has a nil value and a valid revision.
func (s *ResourceStore) Get(id, name string) (Resource, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, path, e := s.locate(id, name)
	if e != nil {
		return Resource{}, e
	}
	return s.read(name, c, path)
}

// Put replaces a resource if expected matches its current revision.
// Otherwise it returns a *ConflictError carrying the current resource.
func (s *ResourceStore) Put(id, name, expected string, value interface{}) (Resource, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	c, path, e := s.locate(id, name)
	if e != nil {
		return Resource{}, e
	}
	cur, e := s.read(name, c, path)
	if e != nil {
		return Resource{}, e
	}
	if cur.Revision != expected {
		return Resource{}, &ConflictError{Name: name, Current: cur}
	}
	b, e := c.Marshal(value)
	if e != nil {
		return Resource{}, errors.Wrap(ErrBadMetadata, e.Error())
	}
	v, e := c.Unmarshal(b)
	if e != nil {
		return Resource{}, e
	}
	if e = writeFileAtomic(path, b, 0644); e != nil {
		return Resource{}, e
	}
	next := Resource{Name: name, Value: v, Revision: ComputeRevision(b)}
	if s.notify != nil && next.Revision != cur.Revision {
		u := ResourceUpdate{Old: cur, New: next}
		u.Patch, _ = DiffFields(cur.Value, next.Value)
		s.notify(id, u)
	}
	return next, nil
}

// NewResourceStore returns a store that finds instance directories with
// dirOf and reports writes to notify.
func NewResourceStore(dirOf func(string) (string, error), notify func(string, ResourceUpdate)) *ResourceStore {
	return &ResourceStore{
		dirOf:  dirOf,
		notify: notify,
		codecs: make(map[string]Codec),
	}
}
