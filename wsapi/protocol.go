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

// Package wsapi serves the client protocol over websockets: a versioned
// handshake, topic subscriptions fed from the event bus, commands that
// act on the registry, and keepalive pings.
package wsapi

import (
	"encoding/json"
)

// ProtocolVersion is the only version the handler speaks.
const ProtocolVersion = 1

// Message types.
const (
	TypeHello       = "hello"
	TypeHelloAck    = "hello_ack"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeCommand     = "command"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeCmdAck      = "cmd_ack"
	TypeCmdError    = "cmd_error"
	TypeEvent       = "event"
)

// Error codes beyond the ones derived from registry errors.
const (
	CodeUnknownCommand = "unknown_command"
	CodeBadRequest     = "bad_request"
)

type Subscription struct {
	Topic string `json:"topic"`
}

// ClientMessage is anything a client may send.  Which fields matter
// depends on Type.
type ClientMessage struct {
	Type              string          `json:"type"`
	ProtocolVersion   *int            `json:"protocolVersion,omitempty"`
	ClientID          string          `json:"clientId,omitempty"`
	ResumeFromEventID *int64          `json:"resumeFromEventId,omitempty"`
	Subscriptions     []Subscription  `json:"subscriptions,omitempty"`
	Topics            []string        `json:"topics,omitempty"`
	RequestID         string          `json:"requestId,omitempty"`
	Name              string          `json:"name,omitempty"`
	Args              json.RawMessage `json:"args,omitempty"`
	Ts                int64           `json:"ts,omitempty"`
}

// topicList merges both ways of naming topics.
func (m *ClientMessage) topicList() []string {
	rv := make([]string, 0, len(m.Subscriptions)+len(m.Topics))
	for _, s := range m.Subscriptions {
		rv = append(rv, s.Topic)
	}
	return append(rv, m.Topics...)
}

type HelloAck struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocolVersion"`
	SessionID       string `json:"sessionId,omitempty"`
	ServerTime      int64  `json:"serverTime"`
	LastEventID     int64  `json:"lastEventId"`
	Resume          bool   `json:"resume"`
	Error           string `json:"error,omitempty"`
}

type Ping struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

type CmdAck struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Result    interface{} `json:"result,omitempty"`
}

// CommandError is the structured error of a failed command.  Current is
// set on conflicts, and holds the value the caller should re-apply to.
type CommandError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Current interface{} `json:"current,omitempty"`
}

type CmdError struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId"`
	Error     CommandError `json:"error"`
}
