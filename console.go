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
	"sync"
	"time"
)

const (
	MaxConsoleRecords = 1000
)

// ConsoleLine is one line of child output, or a line the supervisor wrote
// about the instance itself.
type ConsoleLine struct {
	Id       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Stream   string    `json:"stream"`
	Severity Severity  `json:"severity"`
	Text     string    `json:"text"`
}

// Console is a bounded ring of recent lines for one instance.
type Console struct {
	records    []ConsoleLine
	numRecords int
	maxRecords int
	id         int64
	mx         sync.Mutex
}

func (c *Console) lock() {
	c.mx.Lock()
}

func (c *Console) unlock() {
	c.mx.Unlock()
}

// Append records a line and returns it with its id filled in.
func (c *Console) Append(stream string, sev Severity, text string) ConsoleLine {
	c.lock()
	defer c.unlock()
	if c.records == nil {
		c.records = make([]ConsoleLine, c.maxRecords)
	}
	c.id++
	idx := c.numRecords % c.maxRecords
	c.records[idx] = ConsoleLine{
		Id:       c.id,
		Time:     time.Now(),
		Stream:   stream,
		Severity: sev,
		Text:     text,
	}
	// NB: numRecords may be more than maxRecords; we use it to track
	// the next index.
	c.numRecords++
	return c.records[idx]
}

// Lines returns the retained lines with an id greater than since, oldest
// first, and the id of the newest line.
func (c *Console) Lines(since int64) ([]ConsoleLine, int64) {
	c.lock()
	defer c.unlock()
	cnt := c.numRecords
	if cnt > c.maxRecords {
		cnt = c.maxRecords
	}
	recs := make([]ConsoleLine, 0, cnt)
	index := c.numRecords - cnt
	for j := 0; j < cnt; j++ {
		rec := c.records[index%c.maxRecords]
		if rec.Id > since {
			recs = append(recs, rec)
		}
		index++
	}
	return recs, c.id
}

// Clear discards the retained lines.  Ids keep increasing.
func (c *Console) Clear() {
	c.lock()
	c.numRecords = 0
	c.unlock()
}

// NewConsole returns a Console keeping up to max lines.
func NewConsole(max int) *Console {
	if max <= 0 {
		max = MaxConsoleRecords
	}
	return &Console{maxRecords: max}
}
