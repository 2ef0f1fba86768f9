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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/bus"
	"github.com/gdamore/fleetvisor/wsapi"
)

type eventMaker struct {
	t  *testing.T
	id int64
}

func (m *eventMaker) make(topic string, payload interface{}) bus.Event {
	b, err := json.Marshal(payload)
	require.NoError(m.t, err)
	m.id++
	return bus.Event{ID: m.id, Topic: topic, Time: time.Unix(1000+m.id, 0).UTC(), Payload: b}
}

func apply(t *testing.T, f *fleet, ev bus.Event) string {
	msg, err := f.apply(ev)
	require.NoError(t, err)
	return msg
}

func TestFleetFollowsServerEvents(t *testing.T) {
	m := &eventMaker{t: t}
	f := newFleet()

	msg := apply(t, f, m.make(bus.TopicServers, &wsapi.ServersSnapshot{
		Kind: wsapi.KindSnapshot,
		Servers: []fleetvisor.InstanceInfo{
			{Metadata: fleetvisor.Metadata{ID: "b", Name: "s10"}},
			{Metadata: fleetvisor.Metadata{ID: "a", Name: "s2"}, Status: fleetvisor.Online},
			{Metadata: fleetvisor.Metadata{ID: "c", Name: "s1"}},
			{Metadata: fleetvisor.Metadata{ID: "d", Name: "old", Archived: true}},
		},
	}))
	require.Equal(t, "4 servers", msg)

	names := func() []string {
		var rv []string
		for _, info := range f.items() {
			rv = append(rv, info.Name)
		}
		return rv
	}
	require.Equal(t, []string{"s2", "s1", "s10", "old"}, names())

	msg = apply(t, f, m.make(bus.TopicServers, &wsapi.ServerPatch{
		Kind: wsapi.KindServerPatch, ServerID: "c",
		Patch: map[string]interface{}{"status": fleetvisor.Starting, "pid": 42},
	}))
	require.Equal(t, "s1 is starting", msg)
	require.Equal(t, fleetvisor.Starting, f.servers["c"].Status)
	require.Equal(t, 42, f.servers["c"].Pid)
	require.NotNil(t, f.servers["c"].StartedAt)
	require.Equal(t, "s1", f.servers["c"].Name)

	msg = apply(t, f, m.make(bus.TopicServers, &wsapi.ServerPatch{
		Kind: wsapi.KindServerPatch, ServerID: "c",
		Patch: map[string]interface{}{"players": []string{"Steve"}, "playerCount": 1},
	}))
	require.Equal(t, "s1 has 1 players", msg)
	require.Equal(t, []string{"Steve"}, f.servers["c"].Players)

	apply(t, f, m.make(bus.TopicServers, &wsapi.ServerPatch{
		Kind: wsapi.KindServerPatch, ServerID: "c",
		Patch: map[string]interface{}{"status": fleetvisor.Offline, "pid": 0},
	}))
	require.Nil(t, f.servers["c"].StartedAt)
	require.Zero(t, f.servers["c"].Pid)

	msg = apply(t, f, m.make(bus.TopicServers, &wsapi.ServerAdded{
		Kind: wsapi.KindServerAdded, Server: &fleetvisor.InstanceInfo{
			Metadata: fleetvisor.Metadata{ID: "e", Name: "new"},
		},
	}))
	require.Equal(t, "new added", msg)

	msg = apply(t, f, m.make(bus.TopicServers, &wsapi.ServerRemoved{
		Kind: wsapi.KindServerRemoved, ServerID: "b",
	}))
	require.Equal(t, "s10 removed", msg)
	require.Equal(t, []string{"s2", "new", "s1", "old"}, names())

	// A patch for a server never seen is ignored.
	msg = apply(t, f, m.make(bus.TopicServers, &wsapi.ServerPatch{
		Kind: wsapi.KindServerPatch, ServerID: "zz",
		Patch: map[string]interface{}{"status": fleetvisor.Online},
	}))
	require.Empty(t, msg)
	require.Len(t, f.servers, 4)
	require.Equal(t, m.id, f.lastID)
}

func TestFleetInitProgress(t *testing.T) {
	m := &eventMaker{t: t}
	f := newFleet()
	apply(t, f, m.make(bus.TopicServers, &wsapi.ServerAdded{
		Kind: wsapi.KindServerAdded, Server: &fleetvisor.InstanceInfo{
			Metadata: fleetvisor.Metadata{ID: "a", Name: "alpha"},
		},
	}))
	pct := 50.0
	msg := apply(t, f, m.make(bus.TopicServers, &wsapi.ServerPatch{
		Kind: wsapi.KindServerPatch, ServerID: "a",
		Patch: map[string]interface{}{"init": &fleetvisor.InitStatus{
			State: fleetvisor.InitDownloading, Percent: &pct,
		}},
	}))
	require.Equal(t, "alpha init downloading 50%", msg)
	require.Equal(t, "downloading 50%", initColumn(f.servers["a"]))

	msg = apply(t, f, m.make(bus.TopicServers, &wsapi.ServerPatch{
		Kind: wsapi.KindServerPatch, ServerID: "a",
		Patch: map[string]interface{}{"init": &fleetvisor.InitStatus{
			State: fleetvisor.InitError, Message: "checksum mismatch",
		}},
	}))
	require.Equal(t, "alpha init error: checksum mismatch", msg)
}

func TestFleetConsole(t *testing.T) {
	m := &eventMaker{t: t}
	f := newFleet()
	line := func(id int64, text string) fleetvisor.ConsoleLine {
		return fleetvisor.ConsoleLine{Id: id, Text: text, Severity: fleetvisor.SeverityInfo}
	}

	// Lines for a console nobody watches are not kept.
	apply(t, f, m.make(bus.ConsoleTopic("a"), &wsapi.ConsoleLine{
		Kind: wsapi.KindConsoleLine, ServerID: "a", Line: &fleetvisor.ConsoleLine{Text: "early"},
	}))
	require.Empty(t, f.console)

	f.watchConsole("a")
	apply(t, f, m.make(bus.ConsoleTopic("a"), &wsapi.ConsoleSnapshot{
		Kind: wsapi.KindSnapshot, ServerID: "a",
		Lines: []fleetvisor.ConsoleLine{line(1, "one"), line(2, "two")},
		Next:  3,
	}))
	require.Len(t, f.console, 2)

	msg := apply(t, f, m.make(bus.ConsoleTopic("a"), &wsapi.ConsoleLine{
		Kind: wsapi.KindConsoleLine, ServerID: "a", Line: &fleetvisor.ConsoleLine{Id: 3, Text: "three"},
	}))
	require.Equal(t, "three", msg)
	require.Equal(t, "three", f.console[2].Text)

	apply(t, f, m.make(bus.ConsoleTopic("b"), &wsapi.ConsoleLine{
		Kind: wsapi.KindConsoleLine, ServerID: "b", Line: &fleetvisor.ConsoleLine{Text: "other"},
	}))
	require.Len(t, f.console, 3)

	for i := 0; i < consoleKeep+10; i++ {
		apply(t, f, m.make(bus.ConsoleTopic("a"), &wsapi.ConsoleLine{
			Kind: wsapi.KindConsoleLine, ServerID: "a", Line: &fleetvisor.ConsoleLine{Text: "x"},
		}))
	}
	require.Len(t, f.console, consoleKeep)

	f.watchConsole("b")
	require.Empty(t, f.console)
}

func TestFleetBadPayload(t *testing.T) {
	f := newFleet()
	_, err := f.apply(bus.Event{ID: 1, Topic: bus.TopicServers, Payload: json.RawMessage(`[1,2]`)})
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "0:00:05", formatDuration(5*time.Second))
	require.Equal(t, "26:03:00", formatDuration(26*time.Hour+3*time.Minute))
	require.Equal(t, "0:00:00", formatDuration(-time.Second))

	now := time.Now()
	start := now.Add(-90 * time.Second)
	info := &fleetvisor.InstanceInfo{Status: fleetvisor.Online, StartedAt: &start}
	require.Equal(t, "0:01:30", uptime(info, now))
	info.Status = fleetvisor.Offline
	require.Equal(t, "-", uptime(info, now))
}
