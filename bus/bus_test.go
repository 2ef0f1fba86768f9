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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mx     sync.Mutex
	topics map[string]bool
	events []Event
}

func newRecorder(topics ...string) *recorder {
	r := &recorder{topics: make(map[string]bool)}
	for _, t := range topics {
		r.topics[t] = true
	}
	return r
}

func (r *recorder) Wants(topic string) bool {
	return r.topics[topic]
}

func (r *recorder) Deliver(frame []byte) {
	ev, e := DecodeFrame(frame)
	if e != nil {
		panic(e)
	}
	r.mx.Lock()
	r.events = append(r.events, ev)
	r.mx.Unlock()
}

func (r *recorder) ids() []int64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	rv := make([]int64, 0, len(r.events))
	for _, ev := range r.events {
		rv = append(rv, ev.ID)
	}
	return rv
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestIdsSeededFromClock(t *testing.T) {
	b := New(WithClock(fixedClock))
	seed := fixedClock().UnixMilli() * 1000
	require.Equal(t, seed-1, b.LastEventID())

	ev, err := b.Publish(TopicServers, map[string]int{"a": 1})
	require.NoError(t, err)
	require.Equal(t, seed, ev.ID)

	ev2, err := b.Publish(TopicServers, nil)
	require.NoError(t, err)
	require.Equal(t, seed+1, ev2.ID)
	require.Equal(t, seed+1, b.LastEventID())
}

func TestPublishOrderPerTopic(t *testing.T) {
	b := New()
	rec := newRecorder(ConsoleTopic("a"))
	other := newRecorder(ConsoleTopic("b"))
	b.Register(rec)
	b.Register(other)

	for i := 0; i < 100; i++ {
		_, err := b.Publish(ConsoleTopic("a"), i)
		require.NoError(t, err)
		_, err = b.Publish(ConsoleTopic("b"), i)
		require.NoError(t, err)
	}
	require.Len(t, rec.events, 100)
	require.Len(t, other.events, 100)
	for i, ev := range rec.events {
		require.Equal(t, ConsoleTopic("a"), ev.Topic)
		require.JSONEq(t, strings.TrimSpace(string(mustJSON(t, i))), string(ev.Payload))
	}
	ids := rec.ids()
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1])
	}

	b.Unregister(rec)
	_, err := b.Publish(ConsoleTopic("a"), "late")
	require.NoError(t, err)
	require.Len(t, rec.events, 100)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestReplayWindow(t *testing.T) {
	b := New(WithCapacity(3))
	require.Equal(t, 3, b.Capacity())
	start := b.LastEventID()

	evs, ok := b.ReplaySince(start)
	require.True(t, ok)
	require.Empty(t, evs)

	var ids []int64
	for i := 0; i < 5; i++ {
		ev, err := b.Publish(TopicServers, i)
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	evs, ok = b.ReplaySince(ids[1])
	require.True(t, ok)
	require.Len(t, evs, 3)
	require.Equal(t, ids[2], evs[0].ID)
	require.Equal(t, ids[4], evs[2].ID)

	evs, ok = b.ReplaySince(ids[3])
	require.True(t, ok)
	require.Len(t, evs, 1)

	_, ok = b.ReplaySince(ids[0])
	require.False(t, ok, "evicted events cannot be replayed")

	_, ok = b.ReplaySince(ids[4] + 10)
	require.False(t, ok, "ids from the future are not in the window")

	_, ok = b.ReplaySince(start - 1000)
	require.False(t, ok, "ids from an earlier bus are not in the window")
}

func TestReplayEmptyBusRejectsOldIds(t *testing.T) {
	b := New()
	_, ok := b.ReplaySince(b.LastEventID() - 1)
	require.False(t, ok)
}

func TestStoreOnlyNotDelivered(t *testing.T) {
	b := New()
	rec := newRecorder(TopicServers)
	b.Register(rec)
	ev, err := b.StoreOnly(TopicServers, map[string]string{"kind": "snapshot"})
	require.NoError(t, err)
	require.Empty(t, rec.events)

	evs, ok := b.ReplaySince(ev.ID - 1)
	require.True(t, ok)
	require.Len(t, evs, 1)
	require.Equal(t, "snapshot", evs[0].Kind())
}

func TestAttachReplaysThenLive(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		_, err := b.Publish(TopicServers, i)
		require.NoError(t, err)
		_, err = b.Publish(LogTopic("x"), i)
		require.NoError(t, err)
	}
	evs, ok := b.ReplaySince(b.LastEventID() - 10)
	require.True(t, ok)
	require.Len(t, evs, 10)
	resume := evs[3].ID

	rec := newRecorder(TopicServers)
	var ackLast int64
	var ackResumed bool
	b.Attach(rec, &resume, func(last int64, resumed bool) {
		ackLast = last
		ackResumed = resumed
		require.Len(t, rec.events, 3, "replay precedes the ack")
	})
	require.True(t, ackResumed)
	require.Equal(t, b.LastEventID(), ackLast)
	for _, ev := range rec.events {
		require.Equal(t, TopicServers, ev.Topic)
		require.Greater(t, ev.ID, resume)
	}

	_, err := b.Publish(TopicServers, "live")
	require.NoError(t, err)
	require.Len(t, rec.events, 4)
}

func TestAttachOutOfWindow(t *testing.T) {
	b := New()
	rec := newRecorder(TopicServers)
	stale := int64(42)
	resumed := true
	b.Attach(rec, &stale, func(last int64, r bool) {
		resumed = r
	})
	require.False(t, resumed)
	require.Empty(t, rec.events)
}

type boundedRecorder struct {
	*recorder
	room int
}

func (r *boundedRecorder) Room() int {
	return r.room - len(r.events)
}

func TestAttachBacklogTooLargeForSubscriber(t *testing.T) {
	b := New()
	resume := b.LastEventID()
	for i := 0; i < 10; i++ {
		_, err := b.Publish(TopicServers, i)
		require.NoError(t, err)
	}

	small := &boundedRecorder{recorder: newRecorder(TopicServers), room: 9}
	resumed := true
	b.Attach(small, &resume, func(last int64, r bool) {
		resumed = r
	})
	require.False(t, resumed)
	require.Empty(t, small.events)

	_, err := b.Publish(TopicServers, "live")
	require.NoError(t, err)
	require.Len(t, small.events, 1)

	big := &boundedRecorder{recorder: newRecorder(TopicServers), room: 11}
	b.Attach(big, &resume, func(last int64, r bool) {
		resumed = r
	})
	require.True(t, resumed)
	require.Len(t, big.events, 11)
}

// A subscriber that attaches while another goroutine publishes must see
// every event after its resume point exactly once.
func TestAttachConcurrentNoGapNoDuplicate(t *testing.T) {
	b := New(WithCapacity(10000))
	const total = 2000

	resume := b.LastEventID()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			b.Publish(TopicServers, i)
		}
	}()

	time.Sleep(time.Millisecond)
	rec := newRecorder(TopicServers)
	b.Attach(rec, &resume, func(int64, bool) {})
	wg.Wait()

	ids := rec.ids()
	require.Len(t, ids, total)
	for i, id := range ids {
		require.Equal(t, resume+int64(i)+1, id)
	}
}

func TestSnapshotDeliveredToOneSubscriber(t *testing.T) {
	b := New()
	a := newRecorder(TopicServers)
	c := newRecorder(TopicServers)
	b.Register(a)
	b.Register(c)

	ev, err := b.Snapshot(a, TopicServers, func() (interface{}, error) {
		return []string{"one"}, nil
	})
	require.NoError(t, err)
	require.Len(t, a.events, 1)
	require.Empty(t, c.events)
	require.Equal(t, ev.ID, b.LastEventID())
	require.JSONEq(t, `["one"]`, string(a.events[0].Payload))
}

func TestParseTopic(t *testing.T) {
	cases := []struct {
		topic string
		kind  TopicKind
		id    string
	}{
		{"servers", KindServers, ""},
		{ConsoleTopic("abc"), KindConsole, "abc"},
		{LogTopic("abc"), KindLog, "abc"},
		{ConfigTopic("abc"), KindConfig, "abc"},
		{"server::console", KindInvalid, ""},
		{"server:abc:other", KindInvalid, ""},
		{"other", KindInvalid, ""},
		{"server:a:b:console", KindInvalid, ""},
	}
	for _, c := range cases {
		kind, id := ParseTopic(c.topic)
		require.Equal(t, c.kind, kind, c.topic)
		require.Equal(t, c.id, id, c.topic)
		require.Equal(t, c.kind != KindInvalid, ValidTopic(c.topic), c.topic)
	}
}
