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

package fleetvisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fvbommel/sortorder"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultStopTimeout is how long Stop lets a child exit on its own.
const DefaultStopTimeout = 30 * time.Second

// EventKind says what changed in an Event.
type EventKind int

const (
	EventStatus EventKind = iota
	EventPlayers
	EventConsole
	EventLog
	EventMetadata
	EventInit
	EventResource
	EventAdded
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventPlayers:
		return "players"
	case EventConsole:
		return "console"
	case EventLog:
		return "log"
	case EventMetadata:
		return "metadata"
	case EventInit:
		return "init"
	case EventResource:
		return "resource"
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	}
	return "unknown"
}

// Event is a change notification for one instance.  Only the fields that
// belong to Kind are set.
type Event struct {
	Kind       EventKind
	InstanceID string
	Time       time.Time
	Status     Status
	Pid        int
	Players    []string
	Line       *ConsoleLine
	Message    string
	Severity   Severity
	Patch      map[string]interface{}
	Info       *InstanceInfo
	Init       *InitStatus
	Resource   *ResourceUpdate
}

// InstanceInfo is a point in time description of an instance.
type InstanceInfo struct {
	Metadata
	Status      Status      `json:"status"`
	Players     []string    `json:"players"`
	PlayerCount int         `json:"playerCount"`
	Pid         int         `json:"pid,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	LastExit    string      `json:"lastExit,omitempty"`
	Init        *InitStatus `json:"init,omitempty"`
}

// Instance is one managed child server.  It couples a Supervisor with the
// status state machine, the set of players online, and a console ring.
//
// All state changes and the events describing them are made while holding
// emitMx, so an observer sees the changes of one instance in the order
// they happened.  emitMx is never held across a Supervisor call that
// waits for the child.
type Instance struct {
	dir        string
	sup        *Supervisor
	console    *Console
	classifier LineClassifier
	observe    func(Event)
	logger     *logrus.Entry

	emitMx sync.Mutex

	lock        sync.Mutex
	meta        Metadata
	status      Status
	players     map[string]struct{}
	pid         int
	startedAt   time.Time
	lastExit    string
	retired     bool
	changed     chan struct{}
	stopTimeout time.Duration
	stopLine    string
}

// InstanceConfig carries what an Instance needs beyond its metadata.
type InstanceConfig struct {
	Dir         string
	Classifier  LineClassifier
	ConsoleSize int
	StopTimeout time.Duration
	StopLine    string
	Observer    func(Event)
	Logger      *logrus.Entry
}

func NewInstance(meta Metadata, cfg InstanceConfig) *Instance {
	i := &Instance{
		dir:         cfg.Dir,
		meta:        meta,
		classifier:  cfg.Classifier,
		observe:     cfg.Observer,
		players:     make(map[string]struct{}),
		changed:     make(chan struct{}),
		stopTimeout: cfg.StopTimeout,
		stopLine:    cfg.StopLine,
		logger:      cfg.Logger,
	}
	if i.classifier == nil {
		i.classifier = MustClassifier(DefaultPatterns)
	}
	if i.stopTimeout <= 0 {
		i.stopTimeout = DefaultStopTimeout
	}
	if i.stopLine == "" {
		i.stopLine = DefaultStopLine
	}
	if i.logger == nil {
		i.logger = logrus.WithField("component", "instance")
	}
	i.logger = i.logger.WithField("instanceId", meta.ID)
	size := cfg.ConsoleSize
	if size <= 0 {
		size = MaxConsoleRecords
	}
	i.console = NewConsole(size)
	i.sup = NewSupervisor(meta.Name, Hooks{
		Started: i.onStarted,
		Stdout:  i.onStdout,
		Stderr:  i.onStderr,
		Stopped: i.onStopped,
	}, i.logger)
	return i
}

func (i *Instance) ID() string {
	return i.meta.ID
}

// Dir returns the instance's working directory.
func (i *Instance) Dir() string {
	return i.dir
}

func (i *Instance) Metadata() Metadata {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.meta
}

func (i *Instance) Status() Status {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.status
}

// Players returns the names of the players online, in natural order.
func (i *Instance) Players() []string {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.playerList()
}

// PlayerCount is always the size of the player set.
func (i *Instance) PlayerCount() int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return len(i.players)
}

func (i *Instance) playerList() []string {
	rv := make([]string, 0, len(i.players))
	for p := range i.players {
		rv = append(rv, p)
	}
	sort.Sort(sortorder.Natural(rv))
	return rv
}

func (i *Instance) Info() InstanceInfo {
	i.lock.Lock()
	defer i.lock.Unlock()
	info := InstanceInfo{
		Metadata:    i.meta,
		Status:      i.status,
		Players:     i.playerList(),
		PlayerCount: len(i.players),
		Pid:         i.pid,
		LastExit:    i.lastExit,
	}
	if i.status != Offline && !i.startedAt.IsZero() {
		t := i.startedAt
		info.StartedAt = &t
	}
	return info
}

// Console returns console lines newer than since, and the id to pass next.
func (i *Instance) Console(since int64) ([]ConsoleLine, int64) {
	return i.console.Lines(since)
}

// WaitStatus blocks until the instance reaches want, or ctx is done.
func (i *Instance) WaitStatus(ctx context.Context, want Status) error {
	for {
		i.lock.Lock()
		if i.status == want {
			i.lock.Unlock()
			return nil
		}
		ch := i.changed
		i.lock.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// emit must be called with emitMx held.
func (i *Instance) emit(ev Event) {
	ev.InstanceID = i.meta.ID
	ev.Time = time.Now()
	if i.observe != nil {
		i.observe(ev)
	}
}

func (i *Instance) logEvent(sev Severity, format string, args ...interface{}) {
	i.emit(Event{Kind: EventLog, Severity: sev, Message: fmt.Sprintf(format, args...)})
}

// setStatus moves to the given status if that is a legal edge.  It must be
// called with emitMx held, and emits the change.
func (i *Instance) setStatus(to Status) bool {
	i.lock.Lock()
	from := i.status
	if !canTransition(from, to) {
		i.lock.Unlock()
		return false
	}
	i.status = to
	close(i.changed)
	i.changed = make(chan struct{})
	pid := i.pid
	i.lock.Unlock()

	i.emit(Event{Kind: EventStatus, Status: to, Pid: pid})
	i.logger.Debugf("status %v -> %v", from, to)
	return true
}

// clearPlayers empties the player set, emitting if it changed.  Must be
// called with emitMx held.
func (i *Instance) clearPlayers() {
	i.lock.Lock()
	n := len(i.players)
	i.players = make(map[string]struct{})
	i.lock.Unlock()
	if n != 0 {
		i.emit(Event{Kind: EventPlayers, Players: []string{}})
	}
}

func (i *Instance) launchVars() map[string]string {
	vars := map[string]string{"DIR": i.dir}
	if m, e := readReadyMarker(i.dir); e == nil {
		vars["PRIMARY"] = m.Primary
		vars["RUNTIME"] = m.Runtime
	}
	return vars
}

// Start launches the instance's child.  If the launch fails the instance
// goes back to Offline and the error is returned.
func (i *Instance) Start() error {
	i.emitMx.Lock()
	i.lock.Lock()
	meta, st, retired := i.meta, i.status, i.retired
	i.lock.Unlock()

	if retired {
		i.emitMx.Unlock()
		return ErrNotFound
	}
	if st != Offline {
		i.emitMx.Unlock()
		return errors.Wrapf(ErrAlreadyRunning, "instance is %v", st)
	}
	vars := i.launchVars()
	argv, e := meta.Launch.Argv(vars)
	if e != nil {
		i.emitMx.Unlock()
		return e
	}
	env := os.Environ()
	for _, kv := range meta.Launch.Env {
		env = append(env, os.Expand(kv, func(k string) string { return vars[k] }))
	}
	stopLine := meta.Launch.StopLine
	if stopLine == "" {
		stopLine = i.stopLine
	}
	i.sup.SetStopLine(stopLine)
	i.console.Clear()
	i.clearPlayers()
	i.setStatus(Starting)
	i.emitMx.Unlock()

	if e = i.sup.Start(argv[0], argv[1:], i.dir, env); e != nil {
		i.emitMx.Lock()
		i.setStatus(Offline)
		i.logEvent(SeverityError, "failed to start: %v", e)
		i.emitMx.Unlock()
		i.logger.WithError(e).Warn("failed to start")
		return e
	}
	return nil
}

// Stop asks the child to shut down and returns without waiting.  The
// stopped signal from the supervisor drives the instance Offline.  If no
// child is running the instance is forced Offline and ErrNotRunning is
// returned.
func (i *Instance) Stop() error {
	i.emitMx.Lock()
	switch st := i.Status(); st {
	case Starting:
		i.emitMx.Unlock()
		return errors.Wrap(ErrInvalidState, "instance is starting")
	case Stopping:
		i.emitMx.Unlock()
		return nil
	case Offline:
		i.emitMx.Unlock()
		return ErrNotRunning
	}
	if !i.sup.Running() {
		i.setStatus(Stopping)
		i.setStatus(Offline)
		i.clearPlayers()
		i.emitMx.Unlock()
		return ErrNotRunning
	}
	i.setStatus(Stopping)
	i.logEvent(SeverityInfo, "stopping")
	timeout := i.Metadata().Launch.Timeout(i.stopTimeout)
	i.emitMx.Unlock()

	go func() {
		if e := i.sup.Stop(timeout); e != nil && errors.Cause(e) != ErrNotRunning {
			i.logger.WithError(e).Warn("stop failed")
		}
	}()
	return nil
}

// ForceStop kills the child and returns once the instance is Offline.
func (i *Instance) ForceStop() error {
	i.emitMx.Lock()
	switch i.Status() {
	case Offline:
		if !i.sup.Running() {
			i.emitMx.Unlock()
			return ErrNotRunning
		}
	case Online:
		i.setStatus(Stopping)
	}
	i.logEvent(SeverityWarn, "killing")
	i.emitMx.Unlock()

	e := i.sup.ForceStop()
	if errors.Cause(e) == ErrNotRunning {
		// Nothing was running; make sure the state agrees.
		i.emitMx.Lock()
		st := i.Status()
		if st == Starting {
			// A launch is in progress and will settle the state.
			i.emitMx.Unlock()
			return errors.Wrap(ErrInvalidState, "instance is starting")
		}
		if st == Online {
			i.setStatus(Stopping)
		}
		if st != Offline {
			i.setStatus(Offline)
			i.clearPlayers()
		}
		i.emitMx.Unlock()
		if st == Offline {
			return ErrNotRunning
		}
		return nil
	}
	return e
}

// SendLine writes one line to the child's input.
func (i *Instance) SendLine(text string) error {
	return i.sup.SendLine(text)
}

// retire marks an Offline instance as removed, so it cannot be started
// again.
func (i *Instance) retire() error {
	i.emitMx.Lock()
	defer i.emitMx.Unlock()
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.status != Offline {
		return errors.Wrapf(ErrInvalidState, "instance is %v", i.status)
	}
	i.retired = true
	return nil
}

func (i *Instance) isRetired() bool {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.retired
}

// updateMetadata applies fn to the metadata and emits the resulting patch.
func (i *Instance) updateMetadata(fn func(*Metadata) map[string]interface{}) Metadata {
	i.emitMx.Lock()
	defer i.emitMx.Unlock()
	i.lock.Lock()
	patch := fn(&i.meta)
	i.meta.Updated = time.Now().UTC()
	meta := i.meta
	i.lock.Unlock()
	if len(patch) != 0 {
		i.emit(Event{Kind: EventMetadata, Patch: patch})
	}
	return meta
}

// publish emits an event that carries no instance state change of its
// own, in order with the instance's other events.
func (i *Instance) publish(ev Event) {
	i.emitMx.Lock()
	i.emit(ev)
	i.emitMx.Unlock()
}

func (i *Instance) onStarted(pid int) {
	i.emitMx.Lock()
	defer i.emitMx.Unlock()
	i.lock.Lock()
	i.pid = pid
	i.startedAt = time.Now().UTC()
	st := i.status
	i.lock.Unlock()
	i.emit(Event{Kind: EventStatus, Status: st, Pid: pid})
	i.logEvent(SeverityInfo, "started with pid %d", pid)
}

func (i *Instance) onLine(stream, line string) {
	c := i.classifier.Classify(line)
	i.emitMx.Lock()
	defer i.emitMx.Unlock()

	cl := i.console.Append(stream, c.Severity, line)
	i.emit(Event{Kind: EventConsole, Line: &cl})

	switch c.Kind {
	case LineReady:
		if i.Status() == Starting && i.setStatus(Online) {
			i.logEvent(SeverityInfo, "ready")
		}
	case LineLogin, LineLogout:
		i.lock.Lock()
		_, present := i.players[c.Player]
		changed := false
		if c.Kind == LineLogin && !present {
			i.players[c.Player] = struct{}{}
			changed = true
		} else if c.Kind == LineLogout && present {
			delete(i.players, c.Player)
			changed = true
		}
		list := i.playerList()
		i.lock.Unlock()
		if changed {
			i.emit(Event{Kind: EventPlayers, Players: list})
		}
	}
}

func (i *Instance) onStdout(line string) {
	i.onLine("stdout", line)
}

func (i *Instance) onStderr(line string) {
	i.onLine("stderr", line)
}

func (i *Instance) onStopped(exit error) {
	i.emitMx.Lock()
	defer i.emitMx.Unlock()

	msg := "exited"
	if exit != nil {
		msg = exit.Error()
	}
	i.lock.Lock()
	i.pid = 0
	i.lastExit = msg
	i.lock.Unlock()

	if i.Status() == Online {
		i.setStatus(Stopping)
	}
	i.setStatus(Offline)
	i.clearPlayers()
	sev := SeverityInfo
	if exit != nil {
		sev = SeverityWarn
	}
	i.logEvent(sev, "stopped: %s", msg)
}
