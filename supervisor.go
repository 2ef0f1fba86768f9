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
	"bufio"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStopLine  = "stop"
	defaultDrainTime = 2 * time.Second
	defaultKillWait  = 5 * time.Second
	stdinWriteWait   = 5 * time.Second
)

var errKilled = errors.New("Process killed")

// Hooks are the callbacks a Supervisor invokes.  Stdout and Stderr are
// called from the pump goroutines, one line at a time, without the
// trailing newline.  Started is called once after a successful launch and
// always before Stopped.  Stopped is called exactly once per launch.
type Hooks struct {
	Started func(pid int)
	Stdout  func(line string)
	Stderr  func(line string)
	Stopped func(exit error)
}

// Supervisor owns at most one OS child process at a time.  It knows
// nothing about what the child is, beyond the fact that it speaks lines
// on its standard streams and understands a stop line on its input.
type Supervisor struct {
	name      string
	hooks     Hooks
	stopLine  string
	drainTime time.Duration
	killWait  time.Duration
	logger    *logrus.Entry

	lock sync.Mutex
	run  *run
}

// run is the state of a single launch.
type run struct {
	cmd      *exec.Cmd
	pid      int
	stdin    *os.File
	stdout   *os.File
	stderr   *os.File
	hooks    Hooks
	pumps    sync.WaitGroup
	started  chan struct{}
	exited   chan struct{}
	done     chan struct{}
	cleanup  sync.Once
	fired    atomic.Bool
	detached atomic.Bool
	wlock    sync.Mutex
}

func (r *run) hasExited() bool {
	select {
	case <-r.exited:
		return true
	default:
		return false
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) pump(f *os.File, fn func(string)) {
	defer r.pumps.Done()
	defer f.Close()
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 && fn != nil && !r.detached.Load() {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func (r *run) closePipes() {
	r.stdout.Close()
	r.stderr.Close()
}

func (r *run) writeLine(text string) error {
	r.wlock.Lock()
	defer r.wlock.Unlock()
	r.stdin.SetWriteDeadline(time.Now().Add(stdinWriteWait))
	_, e := r.stdin.Write([]byte(text + "\n"))
	return e
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// Start launches the child.  It fails with ErrAlreadyRunning if a previous
// child is alive, including one that a kill abandoned.  A previous child
// that has exited but is still being cleaned up is waited for, within
// limits.
func (s *Supervisor) Start(executable string, args []string, dir string, env []string) error {
	s.lock.Lock()
	for r := s.run; r != nil && !(r.finished() && r.hasExited()); r = s.run {
		s.lock.Unlock()
		if !r.hasExited() {
			if r.finished() {
				return errors.Wrapf(ErrAlreadyRunning,
					"abandoned process %d has not exited", r.pid)
			}
			return ErrAlreadyRunning
		}
		select {
		case <-r.done:
		case <-time.After(s.drainTime + s.killWait):
			return errors.Wrap(ErrAlreadyRunning,
				"previous process still shutting down")
		}
		s.lock.Lock()
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	setProcessGroup(cmd)

	var inR, inW, outR, outW, errR, errW *os.File
	var e error
	if inR, inW, e = os.Pipe(); e == nil {
		if outR, outW, e = os.Pipe(); e == nil {
			errR, errW, e = os.Pipe()
		}
	}
	if e != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		s.lock.Unlock()
		return errors.Wrap(e, "failed to create pipes")
	}
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if e = cmd.Start(); e != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		s.lock.Unlock()
		return errors.Wrapf(e, "failed to start %s", executable)
	}
	// The child has its own copies now.
	closeAll(inR, outW, errW)

	r := &run{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		stdin:   inW,
		stdout:  outR,
		stderr:  errR,
		hooks:   s.hooks,
		started: make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.pumps.Add(2)
	go r.pump(outR, r.hooks.Stdout)
	go r.pump(errR, r.hooks.Stderr)
	go s.wait(r)
	s.run = r
	s.lock.Unlock()

	s.logger.WithField("pid", r.pid).Infof("started %s", executable)
	if r.hooks.Started != nil {
		r.hooks.Started(r.pid)
	}
	close(r.started)
	return nil
}

func (s *Supervisor) wait(r *run) {
	e := r.cmd.Wait()
	close(r.exited)
	if e != nil {
		s.logger.WithField("pid", r.pid).Infof("process exited: %v", e)
	} else {
		s.logger.WithField("pid", r.pid).Info("process exited")
	}

	// Let the pumps drain whatever the child wrote last.  A grandchild
	// may still hold the pipes open, so do not wait forever.
	if !waitTimeout(&r.pumps, s.drainTime) {
		s.logger.WithField("pid", r.pid).Warn("output still open after exit, closing")
	}
	s.finish(r, e)
}

func (s *Supervisor) release(r *run) {
	r.closePipes()
	r.pumps.Wait()
	r.detached.Store(true)
	if e := r.stdin.Close(); e != nil {
		s.logger.WithError(e).Debug("closing stdin")
	}
}

// finish releases the run's resources and fires Stopped.  Both the waiter
// and a forced kill may get here; each step happens only once.
func (s *Supervisor) finish(r *run, exit error) {
	r.cleanup.Do(func() { s.release(r) })
	<-r.started
	if !r.fired.CompareAndSwap(false, true) {
		return
	}
	if r.hooks.Stopped != nil {
		r.hooks.Stopped(exit)
	}
	close(r.done)
}

func (s *Supervisor) current() *run {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.run
}

// SendLine writes one line to the child's standard input.
func (s *Supervisor) SendLine(text string) error {
	r := s.current()
	if r == nil || r.hasExited() {
		return ErrNotRunning
	}
	if e := r.writeLine(text); e != nil {
		return errors.Wrap(e, "failed to write to process")
	}
	return nil
}

// Stop asks the child to shut down by writing the stop line, and waits
// up to timeout for it to exit.  After that the whole process group is
// killed.  Stop returns once cleanup has finished.
func (s *Supervisor) Stop(timeout time.Duration) error {
	r := s.current()
	if r == nil || r.hasExited() {
		if r != nil {
			<-r.done
		}
		return ErrNotRunning
	}
	s.lock.Lock()
	line := s.stopLine
	s.lock.Unlock()
	if e := r.writeLine(line); e != nil {
		s.logger.WithError(e).Warn("failed to send stop line, killing")
		return s.kill(r)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.exited:
		<-r.done
		return nil
	case <-timer.C:
		s.logger.WithField("pid", r.pid).Warn("graceful shutdown timed out")
		return s.kill(r)
	}
}

// ForceStop kills the process group immediately and waits for cleanup.
func (s *Supervisor) ForceStop() error {
	r := s.current()
	if r == nil || r.hasExited() {
		if r != nil {
			<-r.done
		}
		return ErrNotRunning
	}
	return s.kill(r)
}

func (s *Supervisor) kill(r *run) error {
	var rv error
	if e := killProcessGroup(r.cmd.Process); e != nil {
		s.logger.WithError(e).Error("failed to kill process group")
		rv = errors.Wrap(e, "failed to kill process")
	}
	select {
	case <-r.done:
	case <-time.After(s.killWait):
		// The child is stuck somewhere we cannot reach.  Release
		// everything we own; the waiter will find the work done.
		s.logger.WithField("pid", r.pid).Error("process did not die, abandoning it")
		s.finish(r, errKilled)
		<-r.done
	}
	return rv
}

// Running reports whether a child is currently alive.
func (s *Supervisor) Running() bool {
	r := s.current()
	return r != nil && !r.hasExited()
}

// Pid returns the pid of the running child, or 0.
func (s *Supervisor) Pid() int {
	r := s.current()
	if r == nil || r.hasExited() {
		return 0
	}
	return r.pid
}

// SetStopLine sets the line written to the child by Stop.
func (s *Supervisor) SetStopLine(line string) {
	s.lock.Lock()
	s.stopLine = line
	s.lock.Unlock()
}

// NewSupervisor returns a Supervisor that reports through hooks.  The
// hooks are fixed for the life of the Supervisor.  A nil logger logs
// through the logrus standard logger.
func NewSupervisor(name string, hooks Hooks, logger *logrus.Entry) *Supervisor {
	if logger == nil {
		logger = logrus.WithField("process", name)
	}
	return &Supervisor{
		name:      name,
		hooks:     hooks,
		stopLine:  DefaultStopLine,
		drainTime: defaultDrainTime,
		killWait:  defaultKillWait,
		logger:    logger,
	}
}
