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
	_ "crypto/sha256"
	"encoding/json"
	"reflect"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ComputeRevision returns the revision token for canonical content.  Equal
// content always yields equal tokens.
func ComputeRevision(canonical []byte) string {
	return digest.FromBytes(canonical).String()
}

// CanonicalJSON re-encodes v so that semantically equal values produce the
// same bytes: object keys are sorted and there is no insignificant space.
func CanonicalJSON(v interface{}) ([]byte, error) {
	b, e := json.Marshal(v)
	if e != nil {
		return nil, errors.Wrap(e, "failed to encode value")
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if e = dec.Decode(&generic); e != nil {
		return nil, errors.Wrap(e, "failed to decode value")
	}
	if b, e = json.Marshal(generic); e != nil {
		return nil, errors.Wrap(e, "failed to encode value")
	}
	return b, nil
}

// DiffFields computes a field level patch from old to new when both are
// JSON objects.  Removed fields map to nil.  The second result is false
// when either side is not an object, in which case the caller should send
// the full value.
func DiffFields(old, new interface{}) (map[string]interface{}, bool) {
	om, ok1 := old.(map[string]interface{})
	nm, ok2 := new.(map[string]interface{})
	if !ok1 || !ok2 {
		return nil, false
	}
	patch := make(map[string]interface{})
	for k, nv := range nm {
		if ov, ok := om[k]; !ok || !reflect.DeepEqual(ov, nv) {
			patch[k] = nv
		}
	}
	for k := range om {
		if _, ok := nm[k]; !ok {
			patch[k] = nil
		}
	}
	return patch, true
}
