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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/michaelquigley/pfxlog"
	"github.com/sirupsen/logrus"
)

// SessionState is where a session is in its life.
type SessionState int32

const (
	Connecting SessionState = iota
	Handshaking
	Active
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "invalid"
}

const writeWait = 10 * time.Second

// Session is one client connection.  Everything written to the
// connection goes through the outbound queue, which a single goroutine
// drains, so frames from concurrent publishers never interleave.
type Session struct {
	id       string
	clientID string
	conn     *websocket.Conn
	queue    chan []byte
	state    atomic.Int32
	logger   *logrus.Entry

	tlock  sync.RWMutex
	topics map[string]struct{}

	closing   chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newSession(conn *websocket.Conn, queueSize int) *Session {
	id := uuid.NewString()
	s := &Session{
		id:      id,
		conn:    conn,
		queue:   make(chan []byte, queueSize),
		topics:  make(map[string]struct{}),
		closing: make(chan struct{}),
		drained: make(chan struct{}),
		logger:  pfxlog.ContextLogger(id).WithField("component", "session"),
	}
	s.state.Store(int32(Connecting))
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Wants reports whether the session subscribes to topic.
func (s *Session) Wants(topic string) bool {
	s.tlock.RLock()
	defer s.tlock.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

// Topics returns the subscribed topics.
func (s *Session) Topics() []string {
	s.tlock.RLock()
	defer s.tlock.RUnlock()
	rv := make([]string, 0, len(s.topics))
	for t := range s.topics {
		rv = append(rv, t)
	}
	return rv
}

// subscribe adds topics and returns the ones that were new.
func (s *Session) subscribe(topics []string) []string {
	s.tlock.Lock()
	defer s.tlock.Unlock()
	var added []string
	for _, t := range topics {
		if _, ok := s.topics[t]; !ok {
			s.topics[t] = struct{}{}
			added = append(added, t)
		}
	}
	return added
}

func (s *Session) unsubscribe(topics []string) {
	s.tlock.Lock()
	for _, t := range topics {
		delete(s.topics, t)
	}
	s.tlock.Unlock()
}

// Room is the free space in the outbound queue, less what the handshake
// still needs after a replay: the hello_ack and one snapshot per topic.
func (s *Session) Room() int {
	s.tlock.RLock()
	n := len(s.topics)
	s.tlock.RUnlock()
	return cap(s.queue) - len(s.queue) - 1 - n
}

// Deliver queues a frame without blocking.  A session whose queue is
// full is closed as a slow consumer.
func (s *Session) Deliver(frame []byte) {
	select {
	case <-s.closing:
		return
	default:
	}
	select {
	case s.queue <- frame:
	default:
		s.logger.Warn("outbound queue full, dropping slow consumer")
		s.close(websocket.CloseTryAgainLater, "slow consumer")
	}
}

// send encodes v and queues it.
func (s *Session) send(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode message")
		return
	}
	s.Deliver(b)
}

// close starts shutting the session down.  Frames already queued are
// still written, followed by a close frame with the given code.
func (s *Session) close(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		s.setState(Closed)
		close(s.closing)
	})
}

func (s *Session) write(frame []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// drain is the only writer of the connection.
func (s *Session) drain() {
	defer close(s.drained)
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.queue:
			if err := s.write(frame); err != nil {
				s.logger.WithError(err).Debug("write failed")
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.closing:
			s.flush()
			if s.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeText)
				s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	for {
		select {
		case frame := <-s.queue:
			if s.write(frame) != nil {
				return
			}
		default:
			return
		}
	}
}

// keepalive pings on every tick, whether or not the client answers.
func (s *Session) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			s.send(&Ping{Type: TypePing, Ts: now.UnixMilli()})
		case <-s.closing:
			return
		}
	}
}
