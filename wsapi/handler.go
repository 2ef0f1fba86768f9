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
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gdamore/fleetvisor/bus"
)

// Defaults for HandlerConfig.
const (
	DefaultKeepalive        = 25 * time.Second
	DefaultQueueSize        = 1024
	DefaultHandshakeTimeout = 10 * time.Second
	maxMessageSize          = 1 << 20
	commandBacklog          = 32
)

type HandlerConfig struct {
	Keepalive        time.Duration
	QueueSize        int
	HandshakeTimeout time.Duration
	Logger           *logrus.Entry
}

// Handler upgrades HTTP requests to client sessions.
type Handler struct {
	bridge     *Bridge
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	cfg        HandlerConfig
	logger     *logrus.Entry
}

func NewHandler(bridge *Bridge, cfg HandlerConfig) *Handler {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "wsapi")
	}
	return &Handler{
		bridge:     bridge,
		dispatcher: NewDispatcher(bridge.Registry()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Dispatcher returns the command dispatcher shared by all sessions.
func (h *Handler) Dispatcher() *Dispatcher {
	return h.dispatcher
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("upgrade failed")
		return
	}
	h.serve(conn)
}

func (h *Handler) reject(s *Session, reason string) {
	s.logger.Warnf("rejecting handshake: %s", reason)
	s.send(&HelloAck{
		Type:            TypeHelloAck,
		ProtocolVersion: ProtocolVersion,
		ServerTime:      time.Now().UnixMilli(),
		LastEventID:     h.bridge.Bus().LastEventID(),
		Error:           reason,
	})
	s.close(websocket.ClosePolicyViolation, reason)
}

// handshake reads and checks the hello message.  It returns "" and the
// message when it is acceptable, or the reason it is not.
func (h *Handler) handshake(s *Session) (*ClientMessage, string) {
	s.setState(Handshaking)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, "no hello received"
	}
	s.conn.SetReadDeadline(time.Time{})

	msg := &ClientMessage{}
	if err = json.Unmarshal(data, msg); err != nil {
		return nil, "malformed hello"
	}
	if msg.Type != TypeHello {
		return nil, fmt.Sprintf("expected hello, got %q", msg.Type)
	}
	if msg.ProtocolVersion == nil {
		return nil, "protocolVersion is required"
	}
	if *msg.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Sprintf("unsupported protocolVersion %d", *msg.ProtocolVersion)
	}
	for _, t := range msg.topicList() {
		if !bus.ValidTopic(t) {
			return nil, fmt.Sprintf("unknown topic %q", t)
		}
	}
	return msg, ""
}

func (h *Handler) serve(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	s := newSession(conn, h.cfg.QueueSize)
	go s.drain()
	defer func() {
		s.close(websocket.CloseNormalClosure, "")
		<-s.drained
		s.logger.Debug("session closed")
	}()

	hello, reason := h.handshake(s)
	if reason != "" {
		h.reject(s, reason)
		return
	}
	s.clientID = hello.ClientID

	topics := s.subscribe(hello.topicList())
	b := h.bridge.Bus()
	b.Attach(s, hello.ResumeFromEventID, func(last int64, resumed bool) {
		s.send(&HelloAck{
			Type:            TypeHelloAck,
			ProtocolVersion: ProtocolVersion,
			SessionID:       s.id,
			ServerTime:      time.Now().UnixMilli(),
			LastEventID:     last,
			Resume:          resumed,
		})
	})
	defer b.Unregister(s)
	s.setState(Active)
	s.logger.WithField("clientId", s.clientID).Infof("session active, %d topics", len(topics))

	// A client may have thrown its state away, so every snapshot topic
	// gets a fresh snapshot even after a successful resume.
	for _, t := range topics {
		if err := h.bridge.SendSnapshot(s, t); err != nil {
			s.logger.WithError(err).Errorf("snapshot of %s failed", t)
		}
	}

	go s.keepalive(h.cfg.Keepalive)

	// Commands run one at a time, in arrival order, on their own
	// goroutine.  A slow one must not hold up pongs or subscriptions.
	cmds := make(chan *ClientMessage, commandBacklog)
	cmdsDone := make(chan struct{})
	go func() {
		defer close(cmdsDone)
		for msg := range cmds {
			h.command(s, msg)
		}
	}()
	defer func() {
		close(cmds)
		<-cmdsDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("read failed")
			}
			return
		}
		if s.State() == Closed {
			return
		}
		h.handleMessage(s, data, cmds)
	}
}

func (h *Handler) handleMessage(s *Session, data []byte, cmds chan<- *ClientMessage) {
	msg := &ClientMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		s.logger.WithError(err).Warn("discarding malformed message")
		return
	}
	switch msg.Type {
	case TypePong:
	case TypeSubscribe:
		var ok []string
		for _, t := range msg.topicList() {
			if bus.ValidTopic(t) {
				ok = append(ok, t)
			} else {
				s.logger.Warnf("ignoring unknown topic %q", t)
			}
		}
		for _, t := range s.subscribe(ok) {
			if err := h.bridge.SendSnapshot(s, t); err != nil {
				s.logger.WithError(err).Errorf("snapshot of %s failed", t)
			}
		}
		h.ackIfAsked(s, msg, nil)
	case TypeUnsubscribe:
		s.unsubscribe(msg.topicList())
		h.ackIfAsked(s, msg, nil)
	case TypeCommand:
		select {
		case cmds <- msg:
		case <-s.closing:
		}
	default:
		if msg.RequestID != "" {
			s.send(&CmdError{
				Type:      TypeCmdError,
				RequestID: msg.RequestID,
				Error: CommandError{
					Code:    CodeBadRequest,
					Message: fmt.Sprintf("unknown message type %q", msg.Type),
				},
			})
			return
		}
		s.logger.Warnf("ignoring unknown message type %q", msg.Type)
	}
}

func (h *Handler) ackIfAsked(s *Session, msg *ClientMessage, result interface{}) {
	if msg.RequestID != "" {
		s.send(&CmdAck{Type: TypeCmdAck, RequestID: msg.RequestID, Result: result})
	}
}

// command always answers, with an ack or an error.
func (h *Handler) command(s *Session, msg *ClientMessage) {
	log := s.logger.WithField("command", msg.Name)
	result, err := h.dispatcher.Dispatch(msg.Name, msg.Args)
	if err != nil {
		log.WithError(err).Info("command failed")
		s.send(&CmdError{Type: TypeCmdError, RequestID: msg.RequestID, Error: ToCommandError(err)})
		return
	}
	log.Debug("command done")
	s.send(&CmdAck{Type: TypeCmdAck, RequestID: msg.RequestID, Result: result})
}
