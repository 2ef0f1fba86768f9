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
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/bus"
)

type harness struct {
	reg     *fleetvisor.Registry
	bus     *bus.Bus
	handler *Handler
	srv     *httptest.Server
}

func newHarness(t *testing.T, cfg HandlerConfig) *harness {
	reg, err := fleetvisor.NewRegistry(fleetvisor.RegistryConfig{Root: t.TempDir()})
	require.NoError(t, err)
	reg.Resources().Register("properties", fleetvisor.JSONCodec{File: "properties.json"})
	b := bus.New()
	h := &harness{reg: reg, bus: b}
	h.handler = NewHandler(NewBridge(reg, b, nil), cfg)
	h.srv = httptest.NewServer(h.handler)
	t.Cleanup(h.srv.Close)
	return h
}

type client struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []map[string]interface{}
}

func (h *harness) dial(t *testing.T) *client {
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(v interface{}) {
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *client) hello(topics ...string) {
	c.send(map[string]interface{}{
		"type":            TypeHello,
		"protocolVersion": ProtocolVersion,
		"topics":          topics,
	})
}

// read returns the next message, or the read error.
func (c *client) read() (map[string]interface{}, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	m := map[string]interface{}{}
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m, nil
}

// next returns the next message that is not a ping.
func (c *client) next() map[string]interface{} {
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m
	}
	for {
		m, err := c.read()
		require.NoError(c.t, err)
		if m["type"] != TypePing {
			return m
		}
	}
}

func (c *client) ack() map[string]interface{} {
	m := c.next()
	require.Equal(c.t, TypeHelloAck, m["type"])
	require.Nil(c.t, m["error"])
	return m
}

// event returns the next event frame and its payload.
func (c *client) event() (map[string]interface{}, map[string]interface{}) {
	m := c.next()
	require.Equal(c.t, TypeEvent, m["type"], "got %v", m)
	p, ok := m["payload"].(map[string]interface{})
	require.True(c.t, ok)
	return m, p
}

func (c *client) command(id, name string, args interface{}) map[string]interface{} {
	c.send(map[string]interface{}{
		"type":      TypeCommand,
		"requestId": id,
		"name":      name,
		"args":      args,
	})
	// Events that arrive before the answer are kept for next.
	var skipped []map[string]interface{}
	for {
		m := c.next()
		if m["type"] == TypeCmdAck || m["type"] == TypeCmdError {
			require.Equal(c.t, id, m["requestId"])
			c.pending = append(skipped, c.pending...)
			return m
		}
		skipped = append(skipped, m)
	}
}

func (c *client) requireClosed(code int) {
	for {
		_, err := c.read()
		if err == nil {
			continue
		}
		require.True(c.t, websocket.IsCloseError(err, code), "got %v", err)
		return
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	_, err := h.reg.Create(fleetvisor.Metadata{Name: "alpha", Type: "fake"})
	require.NoError(t, err)
	from := h.bus.LastEventID()
	_, err = h.bus.Publish(bus.TopicServers, map[string]interface{}{"kind": "filler"})
	require.NoError(t, err)

	c := h.dial(t)
	c.send(map[string]interface{}{
		"type":              TypeHello,
		"protocolVersion":   999,
		"resumeFromEventId": from,
		"topics":            []string{bus.TopicServers},
	})
	m, err := c.read()
	require.NoError(t, err)
	require.Equal(t, TypeHelloAck, m["type"])
	require.Contains(t, m["error"], "999")

	// A rejected client is never subscribed: no snapshot, replay or live
	// event reaches it before the close.
	_, err = h.bus.Publish(bus.TopicServers, map[string]interface{}{"kind": "filler"})
	require.NoError(t, err)
	for {
		m, err := c.read()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
			break
		}
		require.NotEqual(t, TypeEvent, m["type"], "got %v", m)
	}
}

func TestHandshakeRequiresHello(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	for _, first := range []interface{}{
		map[string]interface{}{"type": TypeCommand, "name": CmdStart},
		map[string]interface{}{"type": TypeHello},
		map[string]interface{}{"type": TypeHello, "protocolVersion": 1, "topics": []string{"bogus"}},
	} {
		c := h.dial(t)
		c.send(first)
		m, err := c.read()
		require.NoError(t, err)
		require.Equal(t, TypeHelloAck, m["type"])
		require.NotEmpty(t, m["error"])
		c.requireClosed(websocket.ClosePolicyViolation)
	}
}

func TestHelloSendsSnapshot(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	_, err := h.reg.Create(fleetvisor.Metadata{Name: "alpha", Type: "fake"})
	require.NoError(t, err)

	c := h.dial(t)
	c.send(map[string]interface{}{
		"type":            TypeHello,
		"protocolVersion": 1,
		"clientId":        "test",
		"subscriptions":   []map[string]string{{"topic": bus.TopicServers}},
	})
	ack := c.ack()
	require.NotEmpty(t, ack["sessionId"])
	require.Equal(t, false, ack["resume"])
	require.EqualValues(t, ProtocolVersion, ack["protocolVersion"])

	ev, p := c.event()
	require.Equal(t, bus.TopicServers, ev["topic"])
	require.Equal(t, KindSnapshot, p["kind"])
	servers := p["servers"].([]interface{})
	require.Len(t, servers, 1)
	require.Equal(t, "alpha", servers[0].(map[string]interface{})["name"])
	require.Equal(t, "offline", servers[0].(map[string]interface{})["status"])
	require.Greater(t, ev["eventId"].(float64), ack["lastEventId"].(float64))
}

func TestRegistryChangesReachSubscribers(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	c := h.dial(t)
	c.hello(bus.TopicServers)
	c.ack()
	_, p := c.event()
	require.Equal(t, KindSnapshot, p["kind"])

	inst, err := h.reg.Create(fleetvisor.Metadata{Name: "beta", Type: "fake"})
	require.NoError(t, err)
	_, p = c.event()
	require.Equal(t, KindServerAdded, p["kind"])
	require.Equal(t, inst.ID(), p["server"].(map[string]interface{})["id"])

	_, err = h.reg.Rename(inst.ID(), "gamma")
	require.NoError(t, err)
	_, p = c.event()
	require.Equal(t, KindServerPatch, p["kind"])
	require.Equal(t, map[string]interface{}{"name": "gamma"}, p["patch"])

	require.NoError(t, h.reg.Delete(inst.ID(), true))
	_, p = c.event()
	require.Equal(t, KindServerRemoved, p["kind"])
	require.Equal(t, inst.ID(), p["serverId"])
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	c := h.dial(t)
	c.hello(bus.TopicServers)
	ack := c.ack()
	c.event()
	last := int64(ack["lastEventId"].(float64))
	c.conn.Close()

	inst, err := h.reg.Create(fleetvisor.Metadata{Name: "missed", Type: "fake"})
	require.NoError(t, err)

	c2 := h.dial(t)
	c2.send(map[string]interface{}{
		"type":              TypeHello,
		"protocolVersion":   1,
		"resumeFromEventId": last,
		"topics":            []string{bus.TopicServers},
	})

	// Replayed events come first, then the ack, then a fresh snapshot.
	var kinds []string
	for {
		m := c2.next()
		if m["type"] == TypeHelloAck {
			require.Equal(t, true, m["resume"])
			break
		}
		require.Equal(t, TypeEvent, m["type"])
		kinds = append(kinds, m["payload"].(map[string]interface{})["kind"].(string))
	}
	require.Contains(t, kinds, KindServerAdded)
	_, p := c2.event()
	require.Equal(t, KindSnapshot, p["kind"])
	require.Equal(t, inst.ID(), p["servers"].([]interface{})[0].(map[string]interface{})["id"])
}

func TestResumeBacklogLargerThanQueue(t *testing.T) {
	h := newHarness(t, HandlerConfig{QueueSize: 16})
	from := h.bus.LastEventID()
	for i := 0; i < 200; i++ {
		_, err := h.bus.Publish(bus.TopicServers, map[string]interface{}{"kind": "filler", "n": i})
		require.NoError(t, err)
	}

	c := h.dial(t)
	c.send(map[string]interface{}{
		"type":              TypeHello,
		"protocolVersion":   1,
		"resumeFromEventId": from,
		"topics":            []string{bus.TopicServers},
	})
	// Nothing is replayed; the ack says so and a snapshot follows.
	ack := c.ack()
	require.Equal(t, false, ack["resume"])
	_, p := c.event()
	require.Equal(t, KindSnapshot, p["kind"])

	m := c.command("1", "server.explode", nil)
	require.Equal(t, TypeCmdError, m["type"])
}

func TestResumeOutsideWindow(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	c := h.dial(t)
	c.send(map[string]interface{}{
		"type":              TypeHello,
		"protocolVersion":   1,
		"resumeFromEventId": 1,
		"topics":            []string{bus.TopicServers},
	})
	ack := c.ack()
	require.Equal(t, false, ack["resume"])
	_, p := c.event()
	require.Equal(t, KindSnapshot, p["kind"])
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	c := h.dial(t)
	c.hello()
	c.ack()

	m := c.command("1", "server.explode", nil)
	require.Equal(t, TypeCmdError, m["type"])
	require.Equal(t, CodeUnknownCommand, m["error"].(map[string]interface{})["code"])

	m = c.command("2", CmdStart, map[string]string{"serverId": "nope"})
	require.Equal(t, TypeCmdError, m["type"])
	require.Equal(t, "not_found", m["error"].(map[string]interface{})["code"])

	m = c.command("3", CmdStop, map[string]string{})
	require.Equal(t, CodeBadRequest, m["error"].(map[string]interface{})["code"])

	m = c.command("4", CmdStart, "not an object")
	require.Equal(t, CodeBadRequest, m["error"].(map[string]interface{})["code"])
}

func TestResourceCommands(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	inst, err := h.reg.Create(fleetvisor.Metadata{Name: "res", Type: "fake"})
	require.NoError(t, err)

	c := h.dial(t)
	c.hello(bus.ConfigTopic(inst.ID()))
	c.ack()

	m := c.command("get", CmdResourceGet, map[string]string{"serverId": inst.ID(), "name": "properties"})
	require.Equal(t, TypeCmdAck, m["type"], "got %v", m)
	rev := m["result"].(map[string]interface{})["revision"].(string)

	m = c.command("put", CmdResourcePut, map[string]interface{}{
		"serverId": inst.ID(), "name": "properties", "revision": rev,
		"value": map[string]interface{}{"motd": "hi"},
	})
	require.Equal(t, TypeCmdAck, m["type"], "got %v", m)
	next := m["result"].(map[string]interface{})["revision"].(string)
	require.NotEqual(t, rev, next)

	_, p := c.event()
	require.Equal(t, "properties.updated", p["kind"])
	require.Equal(t, next, p["revision"])
	require.Equal(t, map[string]interface{}{"motd": "hi"}, p["value"])

	m = c.command("stale", CmdResourcePut, map[string]interface{}{
		"serverId": inst.ID(), "name": "properties", "revision": rev,
		"value": map[string]interface{}{"motd": "lost"},
	})
	require.Equal(t, TypeCmdError, m["type"])
	e := m["error"].(map[string]interface{})
	require.Equal(t, "conflict", e["code"])
	cur := e["current"].(map[string]interface{})
	require.Equal(t, next, cur["revision"])
	require.Equal(t, map[string]interface{}{"motd": "hi"}, cur["value"])

	m = c.command("missing", CmdResourcePut, map[string]interface{}{
		"serverId": inst.ID(), "name": "properties",
	})
	require.Equal(t, CodeBadRequest, m["error"].(map[string]interface{})["code"])
}

func TestUnknownMessages(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	c := h.dial(t)
	c.hello()
	c.ack()

	c.send(map[string]interface{}{"type": "bogus"})
	c.send(map[string]interface{}{"type": "bogus", "requestId": "b"})
	m := c.next()
	require.Equal(t, TypeCmdError, m["type"])
	require.Equal(t, "b", m["requestId"])
	require.Equal(t, CodeBadRequest, m["error"].(map[string]interface{})["code"])

	// The session is still usable.
	m = c.command("c", CmdStart, map[string]string{"serverId": "nope"})
	require.Equal(t, "not_found", m["error"].(map[string]interface{})["code"])
}

func TestSubscribeLater(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	inst, err := h.reg.Create(fleetvisor.Metadata{Name: "sub", Type: "fake"})
	require.NoError(t, err)

	c := h.dial(t)
	c.hello()
	c.ack()

	c.send(map[string]interface{}{
		"type":      TypeSubscribe,
		"requestId": "s",
		"topics":    []string{bus.ConsoleTopic(inst.ID()), "nonsense"},
	})
	ev, p := c.event()
	require.Equal(t, bus.ConsoleTopic(inst.ID()), ev["topic"])
	require.Equal(t, KindSnapshot, p["kind"])
	require.Equal(t, []interface{}{}, p["lines"])
	m := c.next()
	require.Equal(t, TypeCmdAck, m["type"])
	require.Equal(t, "s", m["requestId"])

	c.send(map[string]interface{}{
		"type":      TypeUnsubscribe,
		"requestId": "u",
		"topics":    []string{bus.ConsoleTopic(inst.ID())},
	})
	m = c.next()
	require.Equal(t, TypeCmdAck, m["type"])
	require.Equal(t, "u", m["requestId"])
}

func TestSlowCommandDoesNotBlockReads(t *testing.T) {
	h := newHarness(t, HandlerConfig{})
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	h.handler.dispatcher.commands["test.slow"] = func(*commandArgs) (interface{}, error) {
		<-release
		return "slow", nil
	}

	c := h.dial(t)
	c.hello()
	c.ack()
	c.send(map[string]interface{}{"type": TypeCommand, "requestId": "1", "name": "test.slow"})
	c.send(map[string]interface{}{
		"type":      TypeSubscribe,
		"requestId": "s",
		"topics":    []string{bus.TopicServers},
	})
	c.send(map[string]interface{}{"type": TypeCommand, "requestId": "2", "name": "server.explode"})

	// The subscription is served while the first command is stuck.
	_, p := c.event()
	require.Equal(t, KindSnapshot, p["kind"])
	m := c.next()
	require.Equal(t, TypeCmdAck, m["type"])
	require.Equal(t, "s", m["requestId"])

	// Commands still answer in the order they were sent.
	unblock()
	m = c.next()
	require.Equal(t, TypeCmdAck, m["type"])
	require.Equal(t, "1", m["requestId"])
	require.Equal(t, "slow", m["result"])
	m = c.next()
	require.Equal(t, TypeCmdError, m["type"])
	require.Equal(t, "2", m["requestId"])
}

func TestKeepalive(t *testing.T) {
	h := newHarness(t, HandlerConfig{Keepalive: 20 * time.Millisecond})
	c := h.dial(t)
	c.hello()
	c.ack()
	for n := 0; n < 2; n++ {
		m, err := c.read()
		require.NoError(t, err)
		require.Equal(t, TypePing, m["type"])
		require.NotZero(t, m["ts"])
	}
	c.send(map[string]interface{}{"type": TypePong})
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newHarness(t, HandlerConfig{QueueSize: 2})
	c := h.dial(t)
	c.hello(bus.TopicServers)
	c.ack()

	// Nobody reads, so the socket buffers and then the queue fill.
	filler := strings.Repeat("x", 1024)
	for n := 0; n < 20000; n++ {
		_, err := h.bus.Publish(bus.TopicServers, map[string]interface{}{
			"kind": "filler", "n": n, "text": filler})
		require.NoError(t, err)
	}
	c.requireClosed(websocket.CloseTryAgainLater)
}
