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
	"fmt"
	"time"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"

	"github.com/gdamore/fleetvisor"
)

// textModel is a views.CellModel over lines of text with one style per
// line.  The selected line, if any, is drawn reversed.
type textModel struct {
	lines    []string
	styles   []tcell.Style
	selected int
	curx     int
	cury     int
	follow   bool
}

func (m *textModel) set(lines []string, styles []tcell.Style) {
	m.lines = lines
	m.styles = styles
	if m.follow {
		m.cury = len(lines) - 1
	}
	m.clamp()
}

func (m *textModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	if y < 0 || y >= len(m.lines) {
		return ' ', styleNormal, nil, 1
	}
	ch := ' '
	if r := []rune(m.lines[y]); x >= 0 && x < len(r) {
		ch = r[x]
	}
	style := m.styles[y]
	if y == m.selected {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (m *textModel) GetBounds() (int, int) {
	w := 0
	for _, l := range m.lines {
		if n := len([]rune(l)); n > w {
			w = n
		}
	}
	return w, len(m.lines)
}

func (m *textModel) GetCursor() (int, int, bool, bool) {
	return m.curx, m.cury, true, false
}

func (m *textModel) MoveCursor(offx, offy int) {
	m.curx += offx
	m.cury += offy
	m.clamp()
}

func (m *textModel) SetCursor(x, y int) {
	m.curx = x
	m.cury = y
	m.clamp()
}

func (m *textModel) clamp() {
	w, h := m.GetBounds()
	if m.curx > w-1 {
		m.curx = w - 1
	}
	if m.cury > h-1 {
		m.cury = h - 1
	}
	if m.curx < 0 {
		m.curx = 0
	}
	if m.cury < 0 {
		m.cury = 0
	}
	if m.selected >= 0 {
		m.selected = m.cury
		if h == 0 {
			m.selected = 0
		}
	}
}

// mainPanel lists the servers.
type mainPanel struct {
	content *views.CellView
	model   *textModel
	items   []*fleetvisor.InstanceInfo
	panel
}

func newMainPanel(app *topApp, server string) *mainPanel {
	m := &mainPanel{model: &textModel{selected: -1}}
	m.panel.init(app)
	m.content = views.NewCellView()
	m.content.SetModel(m.model)
	m.content.SetStyle(styleNormal)
	m.SetContent(m.content)

	m.setTitle(server)
	m.setKeys("[Q] Quit", "[S] Start", "[T] Stop", "[K] Kill",
		"[I] Init", "[C] Console")
	return m
}

func (m *mainPanel) selected() *fleetvisor.InstanceInfo {
	if m.model.selected < 0 || m.model.selected >= len(m.items) {
		return nil
	}
	return m.items[m.model.selected]
}

func (m *mainPanel) Draw() {
	m.update()
	m.panel.Draw()
}

func (m *mainPanel) HandleEvent(ev tcell.Event) bool {
	if ev, ok := ev.(*tcell.EventKey); ok {
		sel := m.selected()
		switch ev.Key() {
		case tcell.KeyEsc:
			m.model.selected = -1
			return true
		case tcell.KeyUp, tcell.KeyDown:
			if m.model.selected < 0 {
				m.model.selected = 0
				m.model.SetCursor(0, 0)
				return true
			}
		case tcell.KeyEnter:
			if sel != nil {
				m.app.showConsole(sel)
				return true
			}
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				m.app.quit()
				return true
			case 'S', 's':
				if sel != nil {
					m.app.act("start", sel, m.app.client.StartInstance)
					return true
				}
			case 'T', 't':
				if sel != nil {
					m.app.act("stop", sel, m.app.client.StopInstance)
					return true
				}
			case 'K', 'k':
				if sel != nil {
					m.app.act("kill", sel, m.app.client.KillInstance)
					return true
				}
			case 'I', 'i':
				if sel != nil {
					m.app.act("initialize", sel, func(id string) error {
						_, e := m.app.client.Initialize(id)
						return e
					})
					return true
				}
			case 'C', 'c':
				if sel != nil {
					m.app.showConsole(sel)
					return true
				}
			}
		}
	}
	return m.panel.HandleEvent(ev)
}

// update rebuilds the lines from the fleet.  It runs on the UI
// goroutine, as does everything else that touches the fleet.
func (m *mainPanel) update() {
	var prev string
	if sel := m.selected(); sel != nil {
		prev = sel.ID
	}
	m.items = m.app.fleet.items()

	now := time.Now()
	lines := make([]string, 0, len(m.items))
	styles := make([]tcell.Style, 0, len(m.items))
	var online, busy, offline int
	for i, info := range m.items {
		if info.ID == prev {
			m.model.cury = i
		}
		lines = append(lines, fmt.Sprintf("%-20s %-9s %7d %10s  %-10s %s",
			info.Name, info.Status, info.PlayerCount, uptime(info, now),
			info.Version, initColumn(info)))
		switch {
		case info.Init != nil && info.Init.State == fleetvisor.InitError:
			styles = append(styles, styleError)
			offline++
		case info.Status == fleetvisor.Online:
			styles = append(styles, styleGood)
			online++
		case info.Status == fleetvisor.Offline:
			styles = append(styles, styleNormal)
			offline++
		default:
			styles = append(styles, styleWarn)
			busy++
		}
	}
	if m.model.selected >= 0 {
		m.model.selected = m.model.cury
	}
	m.model.set(lines, styles)

	if err := m.app.err; err != nil {
		m.setStatus(barStyleError, fmt.Sprintf("Disconnected: %v", err))
		return
	}
	if msg := m.app.message; msg != "" {
		m.setStatus(barStyleWarn, msg)
		return
	}
	m.setStatus(barStyleGood, fmt.Sprintf("%d servers  %d online  %d busy  %d offline",
		len(m.items), online, busy, offline))
}

func initColumn(info *fleetvisor.InstanceInfo) string {
	if info.Init == nil || info.Init.State == fleetvisor.InitIdle {
		return ""
	}
	return initSummary(info.Init)
}

// consolePanel shows the console of one server, following new lines.
type consolePanel struct {
	content *views.CellView
	model   *textModel
	id      string
	panel
}

func newConsolePanel(app *topApp) *consolePanel {
	c := &consolePanel{model: &textModel{selected: -1, follow: true}}
	c.panel.init(app)
	c.content = views.NewCellView()
	c.content.SetModel(c.model)
	c.content.SetStyle(styleNormal)
	c.SetContent(c.content)
	c.setKeys("[Q] Quit", "[ESC] Back", "[F] Follow")
	return c
}

func (c *consolePanel) setServer(info *fleetvisor.InstanceInfo) {
	c.id = info.ID
	c.model.follow = true
	c.setTitle("Console: " + info.Name)
}

func (c *consolePanel) Draw() {
	c.update()
	c.panel.Draw()
}

func (c *consolePanel) HandleEvent(ev tcell.Event) bool {
	if ev, ok := ev.(*tcell.EventKey); ok {
		switch ev.Key() {
		case tcell.KeyEsc:
			c.app.showMain()
			return true
		case tcell.KeyUp, tcell.KeyPgUp, tcell.KeyHome:
			c.model.follow = false
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				c.app.quit()
				return true
			case 'F', 'f':
				c.model.follow = true
				c.content.MakeCursorVisible()
				return true
			}
		}
	}
	return c.panel.HandleEvent(ev)
}

func (c *consolePanel) update() {
	lines := make([]string, 0, len(c.app.fleet.console))
	styles := make([]tcell.Style, 0, len(c.app.fleet.console))
	for _, l := range c.app.fleet.console {
		lines = append(lines, fmt.Sprintf("%s %s", l.Time.Local().Format("15:04:05"), l.Text))
		switch l.Severity {
		case fleetvisor.SeverityError:
			styles = append(styles, styleError)
		case fleetvisor.SeverityWarn:
			styles = append(styles, styleWarn)
		default:
			styles = append(styles, styleNormal)
		}
	}
	c.model.set(lines, styles)
	if c.model.follow {
		c.content.MakeCursorVisible()
	}

	if err := c.app.err; err != nil {
		c.setStatus(barStyleError, fmt.Sprintf("Disconnected: %v", err))
		return
	}
	status := "unknown"
	if info, ok := c.app.fleet.servers[c.id]; ok {
		status = fmt.Sprintf("%s, %d players", info.Status, info.PlayerCount)
	}
	c.setStatus(barStyle, fmt.Sprintf("%s  %d lines", status, len(lines)))
}
