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

package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fvbommel/sortorder"
	"github.com/pkg/errors"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/bus"
	"github.com/gdamore/fleetvisor/wsapi"
)

// Most console lines kept for the server being watched.
const consoleKeep = 1000

// fleet is the client side picture of the servers, kept current by
// applying the events of a watch.
type fleet struct {
	servers map[string]*fleetvisor.InstanceInfo
	lastID  int64

	consoleID string
	console   []fleetvisor.ConsoleLine
}

func newFleet() *fleet {
	return &fleet{servers: make(map[string]*fleetvisor.InstanceInfo)}
}

// items returns the servers, live ones first, then by name in natural
// order.
func (f *fleet) items() []*fleetvisor.InstanceInfo {
	rv := make([]*fleetvisor.InstanceInfo, 0, len(f.servers))
	for _, info := range f.servers {
		rv = append(rv, info)
	}
	sort.Slice(rv, func(i, j int) bool {
		a, b := rv[i], rv[j]
		if a.Archived != b.Archived {
			return b.Archived
		}
		if (a.Status == fleetvisor.Offline) != (b.Status == fleetvisor.Offline) {
			return b.Status == fleetvisor.Offline
		}
		if a.Name != b.Name {
			return sortorder.NaturalLess(a.Name, b.Name)
		}
		return a.ID < b.ID
	})
	return rv
}

// watchConsole switches the console buffer to another server.
func (f *fleet) watchConsole(id string) {
	f.consoleID = id
	f.console = nil
}

// apply folds one event into the picture.  It returns a short
// description of what changed, for line oriented output.
func (f *fleet) apply(ev bus.Event) (string, error) {
	if ev.ID > f.lastID {
		f.lastID = ev.ID
	}
	var head struct {
		Kind string `json:"kind"`
	}
	if e := json.Unmarshal(ev.Payload, &head); e != nil {
		return "", errors.Wrap(e, "bad event payload")
	}
	kind, _ := bus.ParseTopic(ev.Topic)

	switch {
	case kind == bus.KindServers && head.Kind == wsapi.KindSnapshot:
		var snap wsapi.ServersSnapshot
		if e := json.Unmarshal(ev.Payload, &snap); e != nil {
			return "", errors.Wrap(e, "bad snapshot")
		}
		f.servers = make(map[string]*fleetvisor.InstanceInfo, len(snap.Servers))
		for i := range snap.Servers {
			info := snap.Servers[i]
			f.servers[info.ID] = &info
		}
		return fmt.Sprintf("%d servers", len(snap.Servers)), nil

	case head.Kind == wsapi.KindServerAdded:
		var add struct {
			Server *fleetvisor.InstanceInfo `json:"server"`
		}
		if e := json.Unmarshal(ev.Payload, &add); e != nil || add.Server == nil {
			return "", errors.New("bad server.added event")
		}
		f.servers[add.Server.ID] = add.Server
		return fmt.Sprintf("%s added", add.Server.Name), nil

	case head.Kind == wsapi.KindServerRemoved:
		var rm wsapi.ServerRemoved
		if e := json.Unmarshal(ev.Payload, &rm); e != nil {
			return "", errors.Wrap(e, "bad server.removed event")
		}
		name := rm.ServerID
		if info, ok := f.servers[rm.ServerID]; ok {
			name = info.Name
		}
		delete(f.servers, rm.ServerID)
		return fmt.Sprintf("%s removed", name), nil

	case head.Kind == wsapi.KindServerPatch:
		var p wsapi.ServerPatch
		if e := json.Unmarshal(ev.Payload, &p); e != nil {
			return "", errors.Wrap(e, "bad server.patch event")
		}
		info, ok := f.servers[p.ServerID]
		if !ok {
			// Patches for servers we never saw carry too little to
			// show anything.
			return "", nil
		}
		next, e := patchInfo(info, p.Patch)
		if e != nil {
			return "", e
		}
		// Status patches do not carry the start time.
		if _, ok := p.Patch["status"]; ok {
			switch {
			case next.Status == fleetvisor.Offline:
				next.StartedAt = nil
			case info.Status == fleetvisor.Offline:
				t := ev.Time
				next.StartedAt = &t
			}
		}
		f.servers[p.ServerID] = next
		return describePatch(next, p.Patch), nil

	case kind == bus.KindConsole && head.Kind == wsapi.KindSnapshot:
		var snap wsapi.ConsoleSnapshot
		if e := json.Unmarshal(ev.Payload, &snap); e != nil {
			return "", errors.Wrap(e, "bad console snapshot")
		}
		if snap.ServerID == f.consoleID {
			f.console = append([]fleetvisor.ConsoleLine(nil), snap.Lines...)
			f.trimConsole()
		}
		return "", nil

	case head.Kind == wsapi.KindConsoleLine:
		var cl wsapi.ConsoleLine
		if e := json.Unmarshal(ev.Payload, &cl); e != nil || cl.Line == nil {
			return "", errors.New("bad console.line event")
		}
		if cl.ServerID == f.consoleID {
			f.console = append(f.console, *cl.Line)
			f.trimConsole()
		}
		return cl.Line.Text, nil
	}
	return "", nil
}

func (f *fleet) trimConsole() {
	if n := len(f.console); n > consoleKeep {
		f.console = append([]fleetvisor.ConsoleLine(nil), f.console[n-consoleKeep:]...)
	}
}

// patchInfo merges a field patch into a copy of info.  Going through
// the JSON form keeps the field names in one place, the struct tags.
func patchInfo(info *fleetvisor.InstanceInfo, patch map[string]interface{}) (*fleetvisor.InstanceInfo, error) {
	b, e := json.Marshal(info)
	if e != nil {
		return nil, e
	}
	fields := map[string]interface{}{}
	if e = json.Unmarshal(b, &fields); e != nil {
		return nil, e
	}
	for k, v := range patch {
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	if b, e = json.Marshal(fields); e != nil {
		return nil, e
	}
	next := &fleetvisor.InstanceInfo{}
	if e = json.Unmarshal(b, next); e != nil {
		return nil, errors.Wrap(e, "cannot apply patch")
	}
	return next, nil
}

func describePatch(info *fleetvisor.InstanceInfo, patch map[string]interface{}) string {
	if _, ok := patch["status"]; ok {
		return fmt.Sprintf("%s is %s", info.Name, info.Status)
	}
	if _, ok := patch["playerCount"]; ok {
		return fmt.Sprintf("%s has %d players", info.Name, info.PlayerCount)
	}
	if _, ok := patch["init"]; ok && info.Init != nil {
		return fmt.Sprintf("%s init %s", info.Name, initSummary(info.Init))
	}
	return fmt.Sprintf("%s updated", info.Name)
}

func initSummary(s *fleetvisor.InitStatus) string {
	switch s.State {
	case fleetvisor.InitDownloading:
		if s.Percent != nil {
			return fmt.Sprintf("%s %.0f%%", s.State, *s.Percent)
		}
		return string(s.State)
	case fleetvisor.InitError:
		return fmt.Sprintf("%s: %s", s.State, s.Message)
	}
	return string(s.State)
}

// uptime is how long a server has been up, at second resolution.
func uptime(info *fleetvisor.InstanceInfo, now time.Time) string {
	if info.StartedAt == nil || info.Status == fleetvisor.Offline {
		return "-"
	}
	return formatDuration(now.Sub(*info.StartedAt))
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}
