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
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// testLog sends log output to the test log, until the test is over.
type testLog struct {
	mx sync.Mutex
	t  *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	tl.mx.Lock()
	defer tl.mx.Unlock()
	if tl.t != nil {
		tl.t.Log(strings.Trim(string(p), "\n"))
	}
	return len(p), nil
}

func setTestLogger(t *testing.T) {
	tl := &testLog{t: t}
	logrus.SetOutput(tl)
	logrus.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() {
		tl.mx.Lock()
		tl.t = nil
		tl.mx.Unlock()
		logrus.SetOutput(ioutil.Discard)
	})
}

func fakeServer(t *testing.T) string {
	path, err := filepath.Abs(filepath.Join("testdata", "fake_server.sh"))
	if err != nil {
		t.Fatal(err)
	}
	return path
}

// eventually polls cond until it holds or d passes.
func eventually(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// eventLog collects instance events.
type eventLog struct {
	mx     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mx.Lock()
	l.events = append(l.events, ev)
	l.mx.Unlock()
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mx.Lock()
	defer l.mx.Unlock()
	var rv []Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			rv = append(rv, ev)
		}
	}
	return rv
}

func (l *eventLog) statuses() []Status {
	var rv []Status
	last := Status(-1)
	for _, ev := range l.of(EventStatus) {
		// Pid updates repeat the current status.
		if ev.Status != last {
			rv = append(rv, ev.Status)
			last = ev.Status
		}
	}
	return rv
}
