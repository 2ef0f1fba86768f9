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

package wsapi

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/bus"
	"github.com/gdamore/fleetvisor/journal"
)

// Payload kinds.
const (
	KindSnapshot      = "snapshot"
	KindServerPatch   = "server.patch"
	KindServerAdded   = "server.added"
	KindServerRemoved = "server.removed"
	KindConsoleLine   = "console.line"
	KindLogLine       = "log.line"
	updatedSuffix     = ".updated"
)

// Recorder is where lifecycle changes are written down.  journal.Journal
// is one.
type Recorder interface {
	Record(instanceID, kind, detail string) error
}

type ServersSnapshot struct {
	Kind    string                    `json:"kind"`
	Servers []fleetvisor.InstanceInfo `json:"servers"`
}

type ServerPatch struct {
	Kind     string                 `json:"kind"`
	ServerID string                 `json:"serverId"`
	Patch    map[string]interface{} `json:"patch"`
}

type ServerAdded struct {
	Kind   string                   `json:"kind"`
	Server *fleetvisor.InstanceInfo `json:"server"`
}

type ServerRemoved struct {
	Kind     string `json:"kind"`
	ServerID string `json:"serverId"`
}

type ConsoleSnapshot struct {
	Kind     string                   `json:"kind"`
	ServerID string                   `json:"serverId"`
	Lines    []fleetvisor.ConsoleLine `json:"lines"`
	Next     int64                    `json:"next"`
}

type ConsoleLine struct {
	Kind     string                  `json:"kind"`
	ServerID string                  `json:"serverId"`
	Line     *fleetvisor.ConsoleLine `json:"line"`
}

type LogLine struct {
	Kind     string              `json:"kind"`
	ServerID string              `json:"serverId"`
	Text     string              `json:"text"`
	Severity fleetvisor.Severity `json:"severity"`
}

// ResourceUpdated carries either a field patch or the full value.
type ResourceUpdated struct {
	Kind     string                 `json:"kind"`
	ServerID string                 `json:"serverId"`
	Name     string                 `json:"name"`
	Revision string                 `json:"revision"`
	Patch    map[string]interface{} `json:"patch,omitempty"`
	Value    interface{}            `json:"value,omitempty"`
}

// Bridge turns registry events into bus publications, and records
// lifecycle changes.
type Bridge struct {
	reg      *fleetvisor.Registry
	bus      *bus.Bus
	recorder Recorder
	logger   *logrus.Entry
}

// NewBridge starts observing reg.  recorder may be nil.
func NewBridge(reg *fleetvisor.Registry, b *bus.Bus, recorder Recorder) *Bridge {
	br := &Bridge{
		reg:      reg,
		bus:      b,
		recorder: recorder,
		logger:   logrus.WithField("component", "bridge"),
	}
	reg.Observe(br.handle)
	return br
}

func (br *Bridge) Registry() *fleetvisor.Registry {
	return br.reg
}

func (br *Bridge) Bus() *bus.Bus {
	return br.bus
}

func (br *Bridge) publish(topic string, payload interface{}) {
	if _, err := br.bus.Publish(topic, payload); err != nil {
		br.logger.WithError(err).Errorf("failed to publish to %s", topic)
	}
}

func (br *Bridge) record(id, kind, detail string) {
	if br.recorder == nil {
		return
	}
	if err := br.recorder.Record(id, kind, detail); err != nil {
		br.logger.WithError(err).WithField("instanceId", id).Warn("failed to record")
	}
}

func (br *Bridge) patch(id string, patch map[string]interface{}) {
	br.publish(bus.TopicServers, &ServerPatch{Kind: KindServerPatch, ServerID: id, Patch: patch})
}

func (br *Bridge) handle(ev fleetvisor.Event) {
	id := ev.InstanceID
	switch ev.Kind {
	case fleetvisor.EventStatus:
		p := map[string]interface{}{"status": ev.Status}
		if ev.Pid != 0 || ev.Status == fleetvisor.Offline {
			p["pid"] = ev.Pid
		}
		br.patch(id, p)
		detail := ev.Status.String()
		if ev.Pid != 0 {
			detail = fmt.Sprintf("%s pid=%d", detail, ev.Pid)
		}
		br.record(id, journal.KindStatus, detail)

	case fleetvisor.EventPlayers:
		br.patch(id, map[string]interface{}{
			"players":     ev.Players,
			"playerCount": len(ev.Players),
		})

	case fleetvisor.EventMetadata:
		br.patch(id, ev.Patch)

	case fleetvisor.EventInit:
		br.patch(id, map[string]interface{}{"init": ev.Init})
		switch ev.Init.State {
		case fleetvisor.InitReady:
			br.record(id, journal.KindInitialized, "")
		case fleetvisor.InitError:
			br.record(id, journal.KindInitFailed, ev.Init.Message)
		}

	case fleetvisor.EventConsole:
		br.publish(bus.ConsoleTopic(id), &ConsoleLine{
			Kind:     KindConsoleLine,
			ServerID: id,
			Line:     ev.Line,
		})

	case fleetvisor.EventLog:
		br.publish(bus.LogTopic(id), &LogLine{
			Kind:     KindLogLine,
			ServerID: id,
			Text:     ev.Message,
			Severity: ev.Severity,
		})

	case fleetvisor.EventResource:
		u := ev.Resource
		msg := &ResourceUpdated{
			Kind:     u.New.Name + updatedSuffix,
			ServerID: id,
			Name:     u.New.Name,
			Revision: u.New.Revision,
		}
		if u.Patch != nil {
			msg.Patch = u.Patch
		} else {
			msg.Value = u.New.Value
		}
		br.publish(bus.ConfigTopic(id), msg)

	case fleetvisor.EventAdded:
		br.publish(bus.TopicServers, &ServerAdded{Kind: KindServerAdded, Server: ev.Info})
		br.record(id, journal.KindCreated, ev.Info.Name)

	case fleetvisor.EventRemoved:
		br.publish(bus.TopicServers, &ServerRemoved{Kind: KindServerRemoved, ServerID: id})
		br.record(id, journal.KindDeleted, "")
	}
}

// snapshotFor builds the snapshot of topic, or returns nil if the topic
// is a pure delta stream.
func (br *Bridge) snapshotFor(topic string) func() (interface{}, error) {
	kind, id := bus.ParseTopic(topic)
	switch kind {
	case bus.KindServers:
		return func() (interface{}, error) {
			return &ServersSnapshot{Kind: KindSnapshot, Servers: br.reg.ListInfo()}, nil
		}
	case bus.KindConsole:
		return func() (interface{}, error) {
			inst, err := br.reg.Get(id)
			if err != nil {
				return &ConsoleSnapshot{Kind: KindSnapshot, ServerID: id,
					Lines: []fleetvisor.ConsoleLine{}}, nil
			}
			lines, next := inst.Console(0)
			if lines == nil {
				lines = []fleetvisor.ConsoleLine{}
			}
			return &ConsoleSnapshot{Kind: KindSnapshot, ServerID: id, Lines: lines, Next: next}, nil
		}
	}
	return nil
}

// SendSnapshot delivers a fresh snapshot of topic to sub, if the topic
// has one.
func (br *Bridge) SendSnapshot(sub bus.Subscriber, topic string) error {
	build := br.snapshotFor(topic)
	if build == nil {
		return nil
	}
	_, err := br.bus.Snapshot(sub, topic, build)
	return err
}
