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

package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/bus"
	"github.com/gdamore/fleetvisor/rest"
)

// How long to wait before dialing again after the stream broke.
const redialDelay = 2 * time.Second

// follow keeps a watch open, dialing again with resume after failures,
// and hands every event to fn.  It only returns once ctx is done.
// state is called with nil after each successful connect, and with
// the error after each failure.
func follow(ctx context.Context, client *rest.Client, topics func() []string,
	lastID func() *int64, fn func(*rest.Watcher, bus.Event), state func(error)) {

	for ctx.Err() == nil {
		w, e := client.Watch(ctx, topics(), lastID())
		if e == nil {
			state(nil)
			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					w.Close()
				case <-done:
				}
			}()
			for ev := range w.Events() {
				fn(w, ev)
			}
			close(done)
			w.Close()
			e = w.Err()
			if e == nil {
				e = io.EOF
			}
		}
		if ctx.Err() != nil {
			return
		}
		state(e)
		select {
		case <-ctx.Done():
		case <-time.After(redialDelay):
		}
	}
}

// topApp is the live view.  Everything that touches the fleet or the
// panels runs on the views.Application goroutine.  Other goroutines
// queue work with post, which runs at the next draw.
type topApp struct {
	app     *views.Application
	view    views.View
	panel   views.Widget
	main    *mainPanel
	console *consolePanel
	client  *rest.Client
	fleet   *fleet
	err     error
	message string
	ctx     context.Context
	cancel  context.CancelFunc
	lock    sync.Mutex
	queue   []func()

	// watcher is the live session, so the console topic can be
	// switched without dialing again.  Only used on the UI goroutine.
	watcher *rest.Watcher

	views.WidgetWatchers
}

func newTopApp(client *rest.Client, server string) *topApp {
	a := &topApp{
		app:    &views.Application{},
		client: client,
		fleet:  newFleet(),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.main = newMainPanel(a, server)
	a.console = newConsolePanel(a)
	a.panel = a.main
	return a
}

func (a *topApp) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *topApp) showMain() {
	if id := a.fleet.consoleID; id != "" && a.watcher != nil {
		a.watcher.Unsubscribe(bus.ConsoleTopic(id))
	}
	a.fleet.watchConsole("")
	a.show(a.main)
}

func (a *topApp) showConsole(info *fleetvisor.InstanceInfo) {
	a.fleet.watchConsole(info.ID)
	a.console.setServer(info)
	if a.watcher != nil {
		a.watcher.Subscribe(bus.ConsoleTopic(info.ID))
	}
	a.show(a.console)
}

// act runs a server action off the UI goroutine, and reports failures
// on the status bar.
func (a *topApp) act(what string, info *fleetvisor.InstanceInfo, fn func(id string) error) {
	a.message = ""
	go func() {
		e := fn(info.ID)
		a.post(func() {
			if e != nil {
				a.message = fmt.Sprintf("%s %s: %v", what, info.Name, e)
			}
		})
	}()
}

func (a *topApp) quit() {
	a.cancel()
	a.app.Quit()
}

func (a *topApp) HandleEvent(ev tcell.Event) bool {
	if ev, ok := ev.(*tcell.EventKey); ok {
		switch ev.Key() {
		case tcell.KeyCtrlC:
			a.quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}
	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

// post queues fn for the UI goroutine.
func (a *topApp) post(fn func()) {
	a.lock.Lock()
	a.queue = append(a.queue, fn)
	a.lock.Unlock()
	a.app.Update()
}

func (a *topApp) drain() {
	a.lock.Lock()
	queue := a.queue
	a.queue = nil
	a.lock.Unlock()
	for _, fn := range queue {
		fn()
	}
}

func (a *topApp) Draw() {
	a.drain()
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *topApp) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *topApp) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *topApp) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

func (a *topApp) watch() {
	var lastID atomic.Int64
	follow(a.ctx, a.client,
		func() []string { return []string{bus.TopicServers} },
		func() *int64 {
			if id := lastID.Load(); id != 0 {
				return &id
			}
			return nil
		},
		func(w *rest.Watcher, ev bus.Event) {
			lastID.Store(ev.ID)
			a.post(func() {
				a.attach(w)
				if _, e := a.fleet.apply(ev); e != nil {
					a.message = e.Error()
				}
			})
		},
		func(e error) {
			a.post(func() {
				a.err = e
				if e != nil {
					a.watcher = nil
				}
			})
		})
}

// attach records the session the watch opened, and subscribes it to
// the console being shown.
func (a *topApp) attach(w *rest.Watcher) {
	if a.watcher == w {
		return
	}
	a.watcher = w
	if id := a.fleet.consoleID; id != "" {
		w.Subscribe(bus.ConsoleTopic(id))
	}
}

func (a *topApp) run() error {
	a.app.SetRootWidget(a)
	a.show(a.main)
	go a.watch()
	go func() {
		// Uptimes tick even when nothing happens.
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-t.C:
				a.app.Update()
			}
		}
	}()
	return a.app.Run()
}
