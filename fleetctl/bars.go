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
	"sync"

	"github.com/gdamore/tcell"
	"github.com/gdamore/tcell/views"
)

var (
	styleNormal = tcell.StyleDefault.
			Foreground(tcell.ColorSilver).
			Background(tcell.ColorBlack)
	styleGood = tcell.StyleDefault.
			Foreground(tcell.ColorGreen).
			Background(tcell.ColorBlack)
	styleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorYellow).
			Background(tcell.ColorBlack)
	styleError = tcell.StyleDefault.
			Foreground(tcell.ColorMaroon).
			Background(tcell.ColorBlack)

	barStyle = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	barStyleGood = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).
			Background(tcell.ColorGreen).
			Bold(true)
	barStyleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorYellow)
	barStyleError = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).
			Background(tcell.ColorMaroon).
			Bold(true)
)

// statusBar changes color with the state of the screen, e.g. a red
// background while the daemon cannot be reached.
type statusBar struct {
	text string
	views.SimpleStyledTextBar
}

func newStatusBar() *statusBar {
	sb := &statusBar{}
	sb.SimpleStyledTextBar.Init()
	sb.setStyle(barStyle)
	return sb
}

func (sb *statusBar) setStyle(style tcell.Style) {
	sb.SimpleStyledTextBar.SetStyle(style)
	sb.RegisterLeftStyle('N', style)
	sb.SetLeft(sb.text)
}

func (sb *statusBar) setText(text string) {
	sb.text = text
	sb.SetLeft(text)
}

// keyBar shows the keys of a panel.  Letters in brackets are
// highlighted, as in "[Q] Quit".
type keyBar struct {
	views.SimpleStyledTextBar
}

func newKeyBar() *keyBar {
	kb := &keyBar{}
	kb.SimpleStyledTextBar.Init()
	kb.SimpleStyledTextBar.SetStyle(barStyle)
	kb.RegisterLeftStyle('N', barStyle)
	kb.RegisterLeftStyle('A', tcell.StyleDefault.
		Foreground(tcell.ColorBlue).
		Background(tcell.ColorSilver).Bold(true))
	return kb
}

func (kb *keyBar) setKeys(words []string) {
	b := make([]rune, 0, 80)
	for i, w := range words {
		if i != 0 && len(w) != 0 {
			b = append(b, ' ')
		}
		esc := false
		for _, r := range w {
			switch {
			case r == '%':
				b = append(b, '%', '%')
			case r == '[' && !esc:
				esc = true
				b = append(b, r, '%', 'A')
			case r == ']' && esc:
				esc = false
				b = append(b, '%', 'N', r)
			default:
				b = append(b, r)
			}
		}
	}
	kb.SetLeft(string(b))
}

// panel is a views.Panel with a title bar on top, then a status line,
// the content, and the key bar at the bottom.
type panel struct {
	tb   *views.SimpleStyledTextBar
	sb   *statusBar
	kb   *keyBar
	once sync.Once
	app  *topApp

	views.Panel
}

func (p *panel) init(app *topApp) {
	p.once.Do(func() {
		p.app = app

		p.tb = views.NewSimpleStyledTextBar()
		p.tb.SetStyle(barStyle)
		p.tb.RegisterRightStyle('N', barStyle)
		p.tb.RegisterRightStyle('A', tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver))
		p.tb.SetRight("%Afleetctl%N")
		p.tb.SetCenter(" ")

		p.sb = newStatusBar()
		p.kb = newKeyBar()

		p.Panel.SetTitle(p.tb)
		p.Panel.SetMenu(p.sb)
		p.Panel.SetStatus(p.kb)
	})
}

func (p *panel) setTitle(title string) {
	p.tb.SetCenter(title)
}

func (p *panel) setKeys(words ...string) {
	p.kb.setKeys(words)
}

func (p *panel) setStatus(style tcell.Style, text string) {
	p.sb.setText(text)
	p.sb.setStyle(style)
}
