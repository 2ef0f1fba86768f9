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

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gdamore/fleetvisor/bus"
	"github.com/gdamore/fleetvisor/wsapi"
)

// Watcher follows a server's event stream over its websocket.  Events
// arrive on a channel, in the order the server sent them.
type Watcher struct {
	conn   *websocket.Conn
	ack    wsapi.HelloAck
	events chan bus.Event
	wlock  sync.Mutex
	err    error
	done   chan struct{}
	quit   chan struct{}
	once   sync.Once
}

// wsURL turns the HTTP base URI into the websocket endpoint.
func wsURL(base string) (string, error) {
	u, e := url.Parse(strings.TrimRight(base, "/") + "/ws")
	if e != nil {
		return "", e
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// Watch connects to the server the client talks to and subscribes to
// topics.  If resumeFrom is not nil the server replays what was missed
// after that event, when it still can.
func (c *Client) Watch(ctx context.Context, topics []string, resumeFrom *int64) (*Watcher, error) {
	u, e := wsURL(c.base)
	if e != nil {
		return nil, e
	}
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, e := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	if e != nil {
		return nil, errors.Wrap(e, "failed to connect")
	}
	w := &Watcher{
		conn:   conn,
		events: make(chan bus.Event, 256),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	}
	version := wsapi.ProtocolVersion
	hello := &wsapi.ClientMessage{
		Type:              wsapi.TypeHello,
		ProtocolVersion:   &version,
		ClientID:          "fleetctl",
		ResumeFromEventID: resumeFrom,
		Topics:            topics,
	}
	if e = conn.WriteJSON(hello); e != nil {
		conn.Close()
		return nil, errors.Wrap(e, "failed to send hello")
	}

	// Replayed events may come ahead of the ack.
	var early []bus.Event
	for {
		_, data, e := conn.ReadMessage()
		if e != nil {
			conn.Close()
			return nil, errors.Wrap(e, "handshake failed")
		}
		if ev, e := bus.DecodeFrame(data); e == nil {
			early = append(early, ev)
			continue
		}
		var ack wsapi.HelloAck
		if e := json.Unmarshal(data, &ack); e != nil || ack.Type != wsapi.TypeHelloAck {
			continue
		}
		if ack.Error != "" {
			conn.Close()
			return nil, errors.Errorf("server refused session: %s", ack.Error)
		}
		w.ack = ack
		break
	}
	conn.SetReadDeadline(time.Time{})
	go w.read(early)
	return w, nil
}

func (w *Watcher) read(early []bus.Event) {
	defer close(w.events)
	defer close(w.done)
	for _, ev := range early {
		if !w.deliver(ev) {
			return
		}
	}
	for {
		_, data, e := w.conn.ReadMessage()
		if e != nil {
			w.err = e
			return
		}
		if ev, e := bus.DecodeFrame(data); e == nil {
			if !w.deliver(ev) {
				return
			}
			continue
		}
		var msg struct {
			Type string `json:"type"`
			Ts   int64  `json:"ts"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == wsapi.TypePing {
			w.send(&wsapi.ClientMessage{Type: wsapi.TypePong, Ts: msg.Ts})
		}
	}
}

func (w *Watcher) deliver(ev bus.Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.quit:
		return false
	}
}

func (w *Watcher) send(v interface{}) error {
	w.wlock.Lock()
	defer w.wlock.Unlock()
	return w.conn.WriteJSON(v)
}

// Ack returns the server's answer to the handshake.
func (w *Watcher) Ack() wsapi.HelloAck {
	return w.ack
}

// Events returns the channel of events.  It is closed when the
// connection ends; Err then says why.
func (w *Watcher) Events() <-chan bus.Event {
	return w.events
}

// Err returns the error that ended the stream, once Events is closed.
func (w *Watcher) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Subscribe adds topics to the stream.
func (w *Watcher) Subscribe(topics ...string) error {
	return w.send(&wsapi.ClientMessage{Type: wsapi.TypeSubscribe, Topics: topics})
}

// Unsubscribe drops topics from the stream.
func (w *Watcher) Unsubscribe(topics ...string) error {
	return w.send(&wsapi.ClientMessage{Type: wsapi.TypeUnsubscribe, Topics: topics})
}

// Close ends the session.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.quit) })
	w.wlock.Lock()
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.wlock.Unlock()
	return w.conn.Close()
}
