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

package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Topics.  Per instance topics carry the instance id between the prefix
// and the suffix.
const (
	TopicServers = "servers"

	topicPrefix   = "server:"
	consoleSuffix = ":console"
	logSuffix     = ":log"
	configSuffix  = ":config"
)

func ConsoleTopic(id string) string {
	return topicPrefix + id + consoleSuffix
}

func LogTopic(id string) string {
	return topicPrefix + id + logSuffix
}

func ConfigTopic(id string) string {
	return topicPrefix + id + configSuffix
}

// TopicKind is the family a topic belongs to.
type TopicKind int

const (
	KindInvalid TopicKind = iota
	KindServers
	KindConsole
	KindLog
	KindConfig
)

// ParseTopic splits a topic into its kind and, for per instance topics,
// the instance id.
func ParseTopic(topic string) (TopicKind, string) {
	if topic == TopicServers {
		return KindServers, ""
	}
	if !strings.HasPrefix(topic, topicPrefix) {
		return KindInvalid, ""
	}
	rest := topic[len(topicPrefix):]
	for _, s := range []struct {
		suffix string
		kind   TopicKind
	}{
		{consoleSuffix, KindConsole},
		{logSuffix, KindLog},
		{configSuffix, KindConfig},
	} {
		if strings.HasSuffix(rest, s.suffix) {
			id := strings.TrimSuffix(rest, s.suffix)
			if id == "" || strings.Contains(id, ":") {
				return KindInvalid, ""
			}
			return s.kind, id
		}
	}
	return KindInvalid, ""
}

// ValidTopic reports whether topic is one the bus knows how to carry.
func ValidTopic(topic string) bool {
	k, _ := ParseTopic(topic)
	return k != KindInvalid
}

// Event is one published message.  Events never change once published.
// The payload carries a "kind" field saying what it describes.
type Event struct {
	ID      int64
	Topic   string
	Time    time.Time
	Payload json.RawMessage
}

type frame struct {
	Type    string          `json:"type"`
	EventID int64           `json:"eventId"`
	Topic   string          `json:"topic"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeFrame renders ev the way it goes out on a client connection.
func EncodeFrame(ev *Event) ([]byte, error) {
	return json.Marshal(&frame{
		Type:    "event",
		EventID: ev.ID,
		Topic:   ev.Topic,
		Ts:      ev.Time.UnixMilli(),
		Payload: ev.Payload,
	})
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(b []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Event{}, errors.Wrap(err, "bad event frame")
	}
	if f.Type != "event" {
		return Event{}, errors.Errorf("not an event frame: %q", f.Type)
	}
	return Event{
		ID:      f.EventID,
		Topic:   f.Topic,
		Time:    time.UnixMilli(f.Ts).UTC(),
		Payload: f.Payload,
	}, nil
}

// Kind returns the kind named in the payload, or "".
func (ev *Event) Kind() string {
	var k struct {
		Kind string `json:"kind"`
	}
	json.Unmarshal(ev.Payload, &k)
	return k.Kind
}
