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
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// AssetKind names one of the two download streams of an initialization.
type AssetKind string

const (
	AssetPrimary AssetKind = "primary"
	AssetRuntime AssetKind = "runtime"
)

// Progress reports the state of one download.  Total is -1 when the size
// is not known.
type Progress struct {
	FileName string
	Received int64
	Total    int64
	Done     bool
}

// AssetSource says where an asset comes from.  URL and FileName may
// contain {version}.  Digest, when set, is checked after download.
type AssetSource struct {
	URL      string `yaml:"url" json:"url"`
	FileName string `yaml:"fileName" json:"fileName,omitempty"`
	Digest   string `yaml:"digest" json:"digest,omitempty"`
}

func (s AssetSource) resolve(ver string) AssetSource {
	r := strings.NewReplacer("{version}", ver)
	rv := AssetSource{
		URL:      r.Replace(s.URL),
		FileName: r.Replace(s.FileName),
		Digest:   s.Digest,
	}
	if rv.FileName == "" {
		rv.FileName = path.Base(rv.URL)
	}
	return rv
}

// AssetTemplate describes the assets of one instance type.  The runtime
// dependency is optional.
type AssetTemplate struct {
	DefaultVersion string      `yaml:"defaultVersion" json:"defaultVersion"`
	Primary        AssetSource `yaml:"primary" json:"primary"`
	RuntimeVersion string      `yaml:"runtimeVersion" json:"runtimeVersion,omitempty"`
	Runtime        AssetSource `yaml:"runtime" json:"runtime,omitempty"`
}

const readyMarker = ".fleetvisor-ready"

// readyState is what a finished initialization leaves behind.
type readyState struct {
	Primary string    `json:"primary"`
	Runtime string    `json:"runtime,omitempty"`
	Time    time.Time `json:"time"`
}

func readReadyMarker(dir string) (*readyState, error) {
	b, e := ioutil.ReadFile(filepath.Join(dir, readyMarker))
	if e != nil {
		return nil, e
	}
	m := &readyState{}
	if e = json.Unmarshal(b, m); e != nil {
		return nil, errors.Wrap(e, "bad ready marker")
	}
	return m, nil
}

// AssetFetcher downloads assets over HTTP.  Downloads into the shared
// runtime cache are de-duplicated, so instances initializing at the same
// time fetch a runtime only once.
type AssetFetcher struct {
	client   *http.Client
	cacheDir string
	tick     time.Duration
	group    singleflight.Group
	logger   *logrus.Entry

	lock      sync.Mutex
	listeners map[string]map[int]func(Progress)
	nextID    int
}

func NewAssetFetcher(client *http.Client, cacheDir string) *AssetFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &AssetFetcher{
		client:   client,
		cacheDir: cacheDir,
		tick:     200 * time.Millisecond,
		logger:   logrus.WithField("component", "assets"),
	}
}

type progressWriter struct {
	p    Progress
	fn   func(Progress)
	tick time.Duration
	last time.Time
}

func (w *progressWriter) Write(b []byte) (int, error) {
	w.p.Received += int64(len(b))
	if now := time.Now(); now.Sub(w.last) >= w.tick {
		w.last = now
		w.fn(w.p)
	}
	return len(b), nil
}

// Fetch downloads src to dest, verifying its digest when one is given.
// dest is only replaced once the whole asset has arrived intact.
func (f *AssetFetcher) Fetch(ctx context.Context, src AssetSource, dest string, progress func(Progress)) error {
	if progress == nil {
		progress = func(Progress) {}
	}
	var verifier digest.Verifier
	if src.Digest != "" {
		d, e := digest.Parse(src.Digest)
		if e != nil {
			return errors.Wrapf(e, "bad digest for %s", src.URL)
		}
		verifier = d.Verifier()
	}

	req, e := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if e != nil {
		return errors.Wrap(e, "failed to create request")
	}
	resp, e := f.client.Do(req)
	if e != nil {
		return errors.Wrapf(e, "failed to fetch %s", src.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed to fetch %s: %s", src.URL, resp.Status)
	}

	if e = os.MkdirAll(filepath.Dir(dest), 0755); e != nil {
		return errors.Wrap(e, "failed to create directory")
	}
	tmp, e := ioutil.TempFile(filepath.Dir(dest), "."+filepath.Base(dest)+".part-")
	if e != nil {
		return errors.Wrap(e, "failed to create temporary file")
	}
	defer os.Remove(tmp.Name())

	pw := &progressWriter{
		p:    Progress{FileName: src.FileName, Total: resp.ContentLength},
		fn:   progress,
		tick: f.tick,
	}
	progress(pw.p)
	writers := []io.Writer{tmp, pw}
	if verifier != nil {
		writers = append(writers, verifier)
	}
	_, e = io.Copy(io.MultiWriter(writers...), resp.Body)
	if e == nil {
		e = tmp.Sync()
	}
	if e2 := tmp.Close(); e == nil {
		e = e2
	}
	if e != nil {
		return errors.Wrapf(e, "failed to download %s", src.URL)
	}
	if verifier != nil && !verifier.Verified() {
		return errors.Wrapf(ErrChecksum, "%s", src.URL)
	}
	if e = os.Rename(tmp.Name(), dest); e != nil {
		return errors.Wrapf(e, "failed to install %s", dest)
	}
	pw.p.Done = true
	progress(pw.p)
	return nil
}

// FetchShared makes sure src is present in the shared cache and returns
// its path.  Concurrent requests for the same file share one download,
// and every caller waiting on it sees its progress.  The download does
// not belong to any one caller: a caller whose ctx ends stops waiting,
// but the others still get the file.
func (f *AssetFetcher) FetchShared(ctx context.Context, src AssetSource, progress func(Progress)) (string, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	dest := filepath.Join(f.cacheDir, src.FileName)
	done := func() {
		if st, e := os.Stat(dest); e == nil {
			progress(Progress{FileName: src.FileName, Received: st.Size(), Total: st.Size(), Done: true})
		}
	}
	if _, e := os.Stat(dest); e == nil {
		done()
		return dest, nil
	}

	defer f.listen(dest, progress)()
	ch := f.group.DoChan(dest, func() (interface{}, error) {
		if _, e := os.Stat(dest); e == nil {
			return nil, nil
		}
		f.logger.Infof("fetching %s", src.URL)
		return nil, f.Fetch(context.WithoutCancel(ctx), src, dest, func(p Progress) {
			f.broadcast(dest, p)
		})
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			done()
		}
		return dest, nil
	case <-ctx.Done():
		return "", errors.Wrapf(ctx.Err(), "gave up waiting for %s", src.URL)
	}
}

// listen adds fn to the progress listeners of dest, and returns the
// function that removes it again.
func (f *AssetFetcher) listen(dest string, fn func(Progress)) func() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.listeners == nil {
		f.listeners = make(map[string]map[int]func(Progress))
	}
	if f.listeners[dest] == nil {
		f.listeners[dest] = make(map[int]func(Progress))
	}
	f.nextID++
	id := f.nextID
	f.listeners[dest][id] = fn
	return func() {
		f.lock.Lock()
		defer f.lock.Unlock()
		delete(f.listeners[dest], id)
		if len(f.listeners[dest]) == 0 {
			delete(f.listeners, dest)
		}
	}
}

func (f *AssetFetcher) broadcast(dest string, p Progress) {
	f.lock.Lock()
	fns := make([]func(Progress), 0, len(f.listeners[dest]))
	for _, fn := range f.listeners[dest] {
		fns = append(fns, fn)
	}
	f.lock.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

// Provisioner knows the assets of each instance type.
type Provisioner struct {
	fetcher   *AssetFetcher
	lock      sync.Mutex
	templates map[string]AssetTemplate
}

func NewProvisioner(fetcher *AssetFetcher, templates map[string]AssetTemplate) *Provisioner {
	p := &Provisioner{
		fetcher:   fetcher,
		templates: make(map[string]AssetTemplate),
	}
	for k, v := range templates {
		p.templates[k] = v
	}
	return p
}

// SetTemplate adds or replaces the template of an instance type.
func (p *Provisioner) SetTemplate(kind string, t AssetTemplate) {
	p.lock.Lock()
	p.templates[kind] = t
	p.lock.Unlock()
}

// plan resolves the sources for one instance.
func (p *Provisioner) plan(meta Metadata) (primary AssetSource, runtime *AssetSource, err error) {
	p.lock.Lock()
	t, ok := p.templates[meta.Type]
	p.lock.Unlock()
	if !ok || t.Primary.URL == "" {
		return AssetSource{}, nil, errors.Wrapf(ErrNoAssets, "%q", meta.Type)
	}
	ver := meta.Version
	if ver == "" || ver == LatestVersion {
		ver = t.DefaultVersion
	}
	if ver == "" {
		return AssetSource{}, nil, errors.Wrapf(ErrNoAssets, "no version for %q", meta.Type)
	}
	primary = t.Primary.resolve(ver)
	if t.Runtime.URL != "" {
		r := t.Runtime.resolve(t.RuntimeVersion)
		runtime = &r
	}
	return primary, runtime, nil
}

// Initialize acquires the instance's assets.  It does nothing if a
// previous initialization completed.  progress is called from the
// calling goroutine for the primary and from the shared download for the
// runtime, once per stream tick.
func (i *Instance) Initialize(ctx context.Context, p *Provisioner, progress func(AssetKind, Progress)) error {
	if _, e := readReadyMarker(i.dir); e == nil {
		return nil
	}
	if progress == nil {
		progress = func(AssetKind, Progress) {}
	}
	primary, runtime, e := p.plan(i.Metadata())
	if e != nil {
		return e
	}

	state := readyState{Primary: filepath.Join(i.dir, primary.FileName)}
	if e = p.fetcher.Fetch(ctx, primary, state.Primary, func(pr Progress) {
		progress(AssetPrimary, pr)
	}); e != nil {
		return e
	}
	if runtime != nil {
		if state.Runtime, e = p.fetcher.FetchShared(ctx, *runtime, func(pr Progress) {
			progress(AssetRuntime, pr)
		}); e != nil {
			return e
		}
	}

	state.Time = time.Now().UTC()
	b, e := json.Marshal(&state)
	if e != nil {
		return errors.Wrap(e, "failed to encode ready marker")
	}
	if e = writeFileAtomic(filepath.Join(i.dir, readyMarker), b, 0644); e != nil {
		return e
	}
	i.publish(Event{Kind: EventLog, Severity: SeverityInfo,
		Message: fmt.Sprintf("initialized from %s", primary.URL)})
	return nil
}
