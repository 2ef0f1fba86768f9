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

// Package bus is the in-memory event log that carries instance changes
// to connected clients.
//
// Every event gets an id one greater than the last.  The first id is
// derived from the wall clock when the bus is created, so ids handed out
// by an earlier daemon fall outside the window of a new one and a client
// resuming with such an id gets a snapshot instead of a wrong replay.
//
// The log holds a bounded number of events.  A subscriber can resume
// from any id still in the log.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of events kept for replay.
const DefaultCapacity = 5000

// Subscriber receives the encoded frames of the events it wants.  Deliver
// must not block; a subscriber that cannot keep up should drop itself.
type Subscriber interface {
	Wants(topic string) bool
	Deliver(frame []byte)
}

// Bounded is implemented by subscribers with a finite queue.  Room is
// how many frames can still be delivered now, less whatever the
// subscriber keeps back for messages it sends itself after attaching.
type Bounded interface {
	Room() int
}

type entry struct {
	ev    Event
	frame []byte
}

// Bus is safe for concurrent use.
type Bus struct {
	mx     sync.Mutex
	ring   []entry
	start  int
	count  int
	lastID int64
	subs   map[Subscriber]struct{}
	now    func() time.Time
	logger *logrus.Entry
}

// Option changes how a Bus is built.
type Option func(*Bus)

// WithCapacity sets how many events are kept for replay.
func WithCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ring = make([]entry, n)
		}
	}
}

// WithClock replaces the clock, which seeds ids and stamps events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		ring:   make([]entry, DefaultCapacity),
		subs:   make(map[Subscriber]struct{}),
		now:    time.Now,
		logger: logrus.WithField("component", "bus"),
	}
	for _, o := range opts {
		o(b)
	}
	// Milliseconds times a thousand stays well inside the range a
	// JavaScript client can hold exactly.
	b.lastID = b.now().UnixMilli()*1000 - 1
	return b
}

func (b *Bus) lock() {
	b.mx.Lock()
}

func (b *Bus) unlock() {
	b.mx.Unlock()
}

// Capacity returns the number of events kept for replay.
func (b *Bus) Capacity() int {
	return len(b.ring)
}

// LastEventID returns the id of the newest event, or the id just below
// the first one if nothing was published yet.
func (b *Bus) LastEventID() int64 {
	b.lock()
	defer b.unlock()
	return b.lastID
}

// append stores a new event.  Call with the lock held.
func (b *Bus) append(topic string, payload json.RawMessage) (*entry, error) {
	b.lastID++
	ev := Event{
		ID:      b.lastID,
		Topic:   topic,
		Time:    b.now().UTC(),
		Payload: payload,
	}
	frame, e := EncodeFrame(&ev)
	if e != nil {
		b.lastID--
		b.logger.WithError(e).Errorf("dropping event on %s", topic)
		return nil, errors.Wrap(e, "failed to encode event")
	}
	idx := (b.start + b.count) % len(b.ring)
	if b.count == len(b.ring) {
		b.start = (b.start + 1) % len(b.ring)
	} else {
		b.count++
	}
	b.ring[idx] = entry{ev: ev, frame: frame}
	return &b.ring[idx], nil
}

func marshal(payload interface{}) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, e := json.Marshal(payload)
	if e != nil {
		return nil, errors.Wrap(e, "failed to encode payload")
	}
	return raw, nil
}

// Publish stores an event and delivers it to every subscriber that wants
// its topic.  Events of one topic reach each subscriber in publish order.
func (b *Bus) Publish(topic string, payload interface{}) (Event, error) {
	raw, e := marshal(payload)
	if e != nil {
		return Event{}, e
	}
	b.lock()
	defer b.unlock()
	ent, e := b.append(topic, raw)
	if e != nil {
		return Event{}, e
	}
	for s := range b.subs {
		if s.Wants(topic) {
			s.Deliver(ent.frame)
		}
	}
	return ent.ev, nil
}

// StoreOnly stores an event without delivering it.
func (b *Bus) StoreOnly(topic string, payload interface{}) (Event, error) {
	raw, e := marshal(payload)
	if e != nil {
		return Event{}, e
	}
	b.lock()
	defer b.unlock()
	ent, e := b.append(topic, raw)
	if e != nil {
		return Event{}, e
	}
	return ent.ev, nil
}

// since returns the entries newer than id.  Call with the lock held.
func (b *Bus) since(id int64) ([]*entry, bool) {
	if id > b.lastID {
		return nil, false
	}
	if id == b.lastID {
		return nil, true
	}
	if b.count == 0 {
		return nil, false
	}
	oldest := b.ring[b.start].ev.ID
	if id < oldest-1 {
		return nil, false
	}
	skip := int(id - oldest + 1)
	rv := make([]*entry, 0, b.count-skip)
	for n := skip; n < b.count; n++ {
		rv = append(rv, &b.ring[(b.start+n)%len(b.ring)])
	}
	return rv, true
}

// ReplaySince returns the events published after id.  It reports false
// if some of them are no longer kept, or id was never handed out by this
// bus.
func (b *Bus) ReplaySince(id int64) ([]Event, bool) {
	b.lock()
	defer b.unlock()
	ents, ok := b.since(id)
	if !ok {
		return nil, false
	}
	rv := make([]Event, 0, len(ents))
	for _, ent := range ents {
		rv = append(rv, ent.ev)
	}
	return rv, true
}

func (b *Bus) Register(s Subscriber) {
	b.lock()
	b.subs[s] = struct{}{}
	b.unlock()
}

func (b *Bus) Unregister(s Subscriber) {
	b.lock()
	delete(b.subs, s)
	b.unlock()
}

// Attach registers s.  If resumeFrom is given and still in the window,
// the events s missed are delivered to it first, unless s is Bounded and
// they would not fit.  onAttached is called
// after any replay and before any newer event reaches s, with the last
// event id and whether the replay happened.  Nothing published
// concurrently can fall between the replay and the live stream.
func (b *Bus) Attach(s Subscriber, resumeFrom *int64, onAttached func(last int64, resumed bool)) {
	b.lock()
	defer b.unlock()
	resumed := false
	if resumeFrom != nil {
		var ents []*entry
		if ents, resumed = b.since(*resumeFrom); resumed {
			var frames [][]byte
			for _, ent := range ents {
				if s.Wants(ent.ev.Topic) {
					frames = append(frames, ent.frame)
				}
			}
			// A backlog that does not fit is not replayed at all; the
			// subscriber starts over from a snapshot.
			if bs, ok := s.(Bounded); ok && len(frames) > bs.Room() {
				b.logger.Debugf("replay of %d events does not fit, not resuming", len(frames))
				resumed = false
				frames = nil
			}
			for _, f := range frames {
				s.Deliver(f)
			}
		}
	}
	if onAttached != nil {
		onAttached(b.lastID, resumed)
	}
	b.subs[s] = struct{}{}
}

// Snapshot builds a payload with build and delivers it as a new event to
// s alone.  The event is stored too, so ids stay gapless for everyone.
// build runs under the bus lock, so no event can be published between
// the state it captures and the snapshot's place in the stream.  It must
// not publish.
func (b *Bus) Snapshot(s Subscriber, topic string, build func() (interface{}, error)) (Event, error) {
	b.lock()
	defer b.unlock()
	v, e := build()
	if e != nil {
		return Event{}, e
	}
	raw, e := marshal(v)
	if e != nil {
		return Event{}, e
	}
	ent, e := b.append(topic, raw)
	if e != nil {
		return Event{}, e
	}
	s.Deliver(ent.frame)
	return ent.ev, nil
}
