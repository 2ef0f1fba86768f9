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

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/journal"
)

// Client talks to a fleetvisord over HTTP.
type Client struct {
	base      string // URI to root of tree on server
	token     string
	client    *http.Client
	transport *http.Transport
	timeout   time.Duration
}

// SetToken makes the client send token as its bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) url(id string, parts ...string) string {
	u := c.base + "/instances"
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// do issues a request.  A non-nil body is sent as JSON.  On success the
// response is decoded into v, when v is not nil.
func (c *Client) do(method, u string, hdr http.Header, body, v interface{}) (http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, e := json.Marshal(body)
		if e != nil {
			return nil, e
		}
		rd = bytes.NewReader(b)
	}
	req, e := http.NewRequestWithContext(ctx, method, u, rd)
	if e != nil {
		return nil, e
	}
	for k, vals := range hdr {
		req.Header[k] = vals
	}
	if body != nil {
		req.Header.Set("Content-Type", mimeJson)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return nil, e
	}
	defer res.Body.Close()
	b, e := ioutil.ReadAll(res.Body)
	if e != nil {
		return nil, e
	}
	if res.StatusCode/100 != 2 {
		re := &Error{}
		if json.Unmarshal(b, re) != nil || re.Message == "" {
			re = &Error{Message: strings.TrimSpace(string(b))}
			if re.Message == "" {
				re.Message = res.Status
			}
		}
		re.Code = res.StatusCode
		return nil, re
	}
	if v != nil {
		if e = json.Unmarshal(b, v); e != nil {
			return nil, e
		}
	}
	return res.Header, nil
}

// Instances returns every instance, in display order.
func (c *Client) Instances() ([]fleetvisor.InstanceInfo, error) {
	var v []fleetvisor.InstanceInfo
	_, e := c.do("GET", c.url(""), nil, nil, &v)
	return v, e
}

func (c *Client) GetInstance(id string) (*fleetvisor.InstanceInfo, error) {
	v := &fleetvisor.InstanceInfo{}
	if _, e := c.do("GET", c.url(id), nil, nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) CreateInstance(meta fleetvisor.Metadata) (*fleetvisor.InstanceInfo, error) {
	v := &fleetvisor.InstanceInfo{}
	if _, e := c.do("POST", c.url(""), nil, &meta, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) DeleteInstance(id string, deleteFiles bool) error {
	_, e := c.do("DELETE", c.url(id)+"?deleteFiles="+strconv.FormatBool(deleteFiles), nil, nil, nil)
	return e
}

func (c *Client) post(id, action string, body, v interface{}) error {
	_, e := c.do("POST", c.url(id, action), nil, body, v)
	return e
}

func (c *Client) StartInstance(id string) error {
	return c.post(id, "start", nil, nil)
}

func (c *Client) StopInstance(id string) error {
	return c.post(id, "stop", nil, nil)
}

func (c *Client) KillInstance(id string) error {
	return c.post(id, "kill", nil, nil)
}

// Initialize starts acquiring an instance's assets.  It reports false if
// that was already under way.
func (c *Client) Initialize(id string) (bool, error) {
	v := &InitResult{}
	e := c.post(id, "initialize", nil, v)
	return v.Started, e
}

// SendLine writes a line to the instance's console input.
func (c *Client) SendLine(id, line string) error {
	return c.post(id, "command", &CommandRequest{Line: line}, nil)
}

// Console returns the console lines newer than since.
func (c *Client) Console(id string, since int64) (*ConsoleInfo, error) {
	v := &ConsoleInfo{}
	u := c.url(id, "console") + "?since=" + strconv.FormatInt(since, 10)
	if _, e := c.do("GET", u, nil, nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) GetResource(id, name string) (*fleetvisor.Resource, error) {
	v := &fleetvisor.Resource{}
	if _, e := c.do("GET", c.url(id, "resources", name), nil, nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// PutResource writes a resource, based on revision.  If revision is
// stale the returned *Error has Current set.
func (c *Client) PutResource(id, name, revision string, value interface{}) (*fleetvisor.Resource, error) {
	v := &fleetvisor.Resource{}
	hdr := http.Header{"If-Match": []string{strconv.Quote(revision)}}
	if value == nil {
		value = json.RawMessage("null")
	}
	if _, e := c.do("PUT", c.url(id, "resources", name), hdr, value, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) History(id string, limit int) ([]journal.Entry, error) {
	var v []journal.Entry
	u := c.url(id, "history")
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	_, e := c.do("GET", u, nil, nil, &v)
	return v, e
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		transport: t,
		base:      strings.TrimRight(baseURI, "/"),
		client:    &http.Client{Transport: t},
		timeout:   30 * time.Second,
	}
}
