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
	"regexp"

	"github.com/pkg/errors"
)

// LineKind is what a classifier decided a line of child output means.
type LineKind int

const (
	LineOther LineKind = iota
	LineReady
	LineLogin
	LineLogout
)

// Severity of a console or log line.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// LineClass is the result of classifying one line.  Player is set for
// LineLogin and LineLogout.
type LineClass struct {
	Kind     LineKind
	Player   string
	Severity Severity
}

// LineClassifier decouples the instance state machine from the exact log
// format of the child server.
type LineClassifier interface {
	Classify(line string) LineClass
}

// Patterns are the regular expressions used by a RegexClassifier.  Login
// and Logout must have a first capture group matching the player name.
type Patterns struct {
	Ready  string `yaml:"ready" json:"ready"`
	Login  string `yaml:"login" json:"login"`
	Logout string `yaml:"logout" json:"logout"`
	Warn   string `yaml:"warn" json:"warn"`
	Error  string `yaml:"error" json:"error"`
}

// DefaultPatterns match the vanilla game server log format.
var DefaultPatterns = Patterns{
	Ready:  `Done \([0-9.]+s\)! For help, type "help"`,
	Login:  `:\s+(\w{1,16})(?:\[[^\]]*\])? joined the game`,
	Logout: `:\s+(\w{1,16}) left the game`,
	Warn:   `/WARN\]`,
	Error:  `/(?:ERROR|FATAL)\]`,
}

type RegexClassifier struct {
	ready  *regexp.Regexp
	login  *regexp.Regexp
	logout *regexp.Regexp
	warn   *regexp.Regexp
	err    *regexp.Regexp
}

func compileOptional(name, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, e := regexp.Compile(expr)
	if e != nil {
		return nil, errors.Wrapf(e, "bad %s pattern", name)
	}
	return re, nil
}

// NewRegexClassifier compiles the patterns.  Empty patterns never match.
func NewRegexClassifier(p Patterns) (*RegexClassifier, error) {
	c := &RegexClassifier{}
	var e error
	if c.ready, e = compileOptional("ready", p.Ready); e != nil {
		return nil, e
	}
	if c.login, e = compileOptional("login", p.Login); e != nil {
		return nil, e
	}
	if c.logout, e = compileOptional("logout", p.Logout); e != nil {
		return nil, e
	}
	if c.warn, e = compileOptional("warn", p.Warn); e != nil {
		return nil, e
	}
	if c.err, e = compileOptional("error", p.Error); e != nil {
		return nil, e
	}
	for _, re := range []*regexp.Regexp{c.login, c.logout} {
		if re != nil && re.NumSubexp() < 1 {
			return nil, errors.Errorf("pattern %q needs a capture group",
				re.String())
		}
	}
	return c, nil
}

func (c *RegexClassifier) Classify(line string) LineClass {
	lc := LineClass{Kind: LineOther, Severity: SeverityInfo}
	switch {
	case c.err != nil && c.err.MatchString(line):
		lc.Severity = SeverityError
	case c.warn != nil && c.warn.MatchString(line):
		lc.Severity = SeverityWarn
	}
	if c.ready != nil && c.ready.MatchString(line) {
		lc.Kind = LineReady
		return lc
	}
	if c.login != nil {
		if m := c.login.FindStringSubmatch(line); m != nil {
			lc.Kind = LineLogin
			lc.Player = m[1]
			return lc
		}
	}
	if c.logout != nil {
		if m := c.logout.FindStringSubmatch(line); m != nil {
			lc.Kind = LineLogout
			lc.Player = m[1]
			return lc
		}
	}
	return lc
}

// MustClassifier is like NewRegexClassifier but panics on bad patterns.
// It is intended for static pattern sets such as DefaultPatterns.
func MustClassifier(p Patterns) *RegexClassifier {
	c, e := NewRegexClassifier(p)
	if e != nil {
		panic(e)
	}
	return c
}
