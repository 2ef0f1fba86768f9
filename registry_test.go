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

//go:build unix

package fleetvisor

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func newTestRegistry(t *testing.T, root string, log *eventLog) *Registry {
	r, err := NewRegistry(RegistryConfig{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	if log != nil {
		r.Observe(log.observe)
	}
	return r
}

func fakeMeta(t *testing.T, name string) Metadata {
	return Metadata{
		Name:   name,
		Type:   "fake",
		Launch: LaunchParams{Command: "sh '" + fakeServer(t) + "'"},
	}
}

func TestRegistryCrud(t *testing.T) {
	Convey("Given an empty registry", t, func() {
		setTestLogger(t)
		root := t.TempDir()
		log := &eventLog{}
		r := newTestRegistry(t, root, log)
		So(r.ListAll(), ShouldBeEmpty)

		Convey("Create validates its input", func() {
			_, err := r.Create(Metadata{Type: "fake"})
			So(errors.Cause(err), ShouldEqual, ErrBadMetadata)
			_, err = r.Create(Metadata{Name: "x"})
			So(errors.Cause(err), ShouldEqual, ErrBadMetadata)
			_, err = r.Create(Metadata{Name: "x", Type: "fake", Version: "not a version"})
			So(errors.Cause(err), ShouldEqual, ErrBadMetadata)
			_, err = r.Create(Metadata{Name: "x", Type: "fake",
				Launch: LaunchParams{Command: "sh 'unterminated"}})
			So(errors.Cause(err), ShouldEqual, ErrBadLaunch)
			So(r.ListAll(), ShouldBeEmpty)
		})

		Convey("Created instances are listed in natural order", func() {
			for _, n := range []string{"s10", "s2", "s1", "alpha"} {
				inst, err := r.Create(fakeMeta(t, n))
				So(err, ShouldBeNil)
				So(inst.ID(), ShouldNotBeEmpty)
				st, err := os.Stat(inst.Dir())
				So(err, ShouldBeNil)
				So(st.IsDir(), ShouldBeTrue)
				So(filepath.Dir(inst.Dir()), ShouldEqual, r.Root())
			}
			var names []string
			for _, inst := range r.ListAll() {
				names = append(names, inst.Metadata().Name)
			}
			So(names, ShouldResemble, []string{"alpha", "s1", "s2", "s10"})
			So(len(log.of(EventAdded)), ShouldEqual, 4)
			So(r.ListInfo()[0].Version, ShouldEqual, LatestVersion)

			Convey("and survive a reload", func() {
				r2 := newTestRegistry(t, root, nil)
				So(r2.Load(), ShouldBeNil)
				So(len(r2.ListAll()), ShouldEqual, 4)
				for _, inst := range r2.ListAll() {
					So(inst.Status(), ShouldEqual, Offline)
				}
			})
		})

		Convey("Get of an unknown id fails", func() {
			_, err := r.Get("nope")
			So(err, ShouldEqual, ErrNotFound)
			So(r.Delete("nope", false), ShouldEqual, ErrNotFound)
		})

		Convey("Rename and archive emit patches and persist", func() {
			inst, err := r.Create(fakeMeta(t, "old"))
			So(err, ShouldBeNil)
			meta, err := r.Rename(inst.ID(), "  new ")
			So(err, ShouldBeNil)
			So(meta.Name, ShouldEqual, "new")
			_, err = r.Rename(inst.ID(), " ")
			So(errors.Cause(err), ShouldEqual, ErrBadMetadata)
			meta, err = r.SetArchived(inst.ID(), true)
			So(err, ShouldBeNil)
			So(meta.Archived, ShouldBeTrue)

			patches := log.of(EventMetadata)
			So(len(patches), ShouldEqual, 2)
			So(patches[0].Patch, ShouldResemble, map[string]interface{}{"name": "new"})
			So(patches[1].Patch, ShouldResemble, map[string]interface{}{"archived": true})

			r2 := newTestRegistry(t, root, nil)
			So(r2.Load(), ShouldBeNil)
			i2, err := r2.Get(inst.ID())
			So(err, ShouldBeNil)
			So(i2.Metadata().Name, ShouldEqual, "new")
			So(i2.Metadata().Archived, ShouldBeTrue)
		})

		Convey("Delete", func() {
			inst, err := r.Create(fakeMeta(t, "doomed"))
			So(err, ShouldBeNil)
			dir := inst.Dir()
			So(ioutil.WriteFile(filepath.Join(dir, "world.dat"), []byte("x"), 0644), ShouldBeNil)

			Convey("refuses a running instance", func() {
				So(inst.Start(), ShouldBeNil)
				So(errors.Cause(r.Delete(inst.ID(), true)), ShouldEqual, ErrInvalidState)
				So(inst.ForceStop(), ShouldBeNil)
				_, err := r.Get(inst.ID())
				So(err, ShouldBeNil)
			})

			Convey("keeps files unless asked", func() {
				So(r.Delete(inst.ID(), false), ShouldBeNil)
				_, err := os.Stat(dir)
				So(err, ShouldBeNil)
				_, err = r.Get(inst.ID())
				So(err, ShouldEqual, ErrNotFound)
				So(errors.Cause(inst.Start()), ShouldEqual, ErrNotFound)
				So(len(log.of(EventRemoved)), ShouldEqual, 1)
			})

			Convey("removes files when asked", func() {
				So(r.Delete(inst.ID(), true), ShouldBeNil)
				_, err := os.Stat(dir)
				So(os.IsNotExist(err), ShouldBeTrue)
				_, err = os.Stat(root)
				So(err, ShouldBeNil)
			})
		})
	})
}

func TestRegistryInsideRoot(t *testing.T) {
	Convey("Only paths strictly below the root may be removed", t, func() {
		root := t.TempDir()
		r := newTestRegistry(t, root, nil)
		So(r.insideRoot(filepath.Join(root, "abc")), ShouldBeTrue)
		So(r.insideRoot(filepath.Join(root, "abc", "def")), ShouldBeTrue)
		So(r.insideRoot(root), ShouldBeFalse)
		So(r.insideRoot(filepath.Join(root, "..")), ShouldBeFalse)
		So(r.insideRoot(filepath.Join(root, "..", "elsewhere")), ShouldBeFalse)
		So(r.insideRoot(root+"-sibling"), ShouldBeFalse)
		So(r.insideRoot("/"), ShouldBeFalse)
	})
}

func TestRegistryLaunchResource(t *testing.T) {
	Convey("Launch parameters are a revisioned resource", t, func() {
		setTestLogger(t)
		log := &eventLog{}
		r := newTestRegistry(t, t.TempDir(), log)
		inst, err := r.Create(fakeMeta(t, "l"))
		So(err, ShouldBeNil)

		res, err := r.GetResource(inst.ID(), LaunchResource)
		So(err, ShouldBeNil)
		So(res.Revision, ShouldStartWith, "sha256:")

		next := map[string]interface{}{"command": "sh -c 'exit 0'", "stopLine": "quit"}
		put, err := r.PutResource(inst.ID(), LaunchResource, res.Revision, next)
		So(err, ShouldBeNil)
		So(put.Revision, ShouldNotEqual, res.Revision)
		So(inst.Metadata().Launch.StopLine, ShouldEqual, "quit")

		_, err = r.PutResource(inst.ID(), LaunchResource, res.Revision, next)
		var conflict *ConflictError
		So(errors.As(err, &conflict), ShouldBeTrue)
		So(conflict.Current.Revision, ShouldEqual, put.Revision)

		_, err = r.PutResource(inst.ID(), LaunchResource, put.Revision,
			map[string]interface{}{"bogus": 1})
		So(errors.Cause(err), ShouldEqual, ErrBadLaunch)

		So(len(log.of(EventMetadata)), ShouldEqual, 1)
	})
}

// assetServer serves a primary payload and a runtime.  Requests for the
// primary block until release is closed.
type assetServer struct {
	*httptest.Server
	primaryHits atomic.Int32
	runtimeHits atomic.Int32
	release     chan struct{}
}

const (
	primaryBody = "primary payload"
	runtimeBody = "runtime payload, somewhat longer"
)

func newAssetServer() *assetServer {
	a := &assetServer{release: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/server-1.2.3.jar", func(w http.ResponseWriter, r *http.Request) {
		a.primaryHits.Add(1)
		w.Header().Set("Content-Length", fmt.Sprint(len(primaryBody)))
		select {
		case <-a.release:
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(primaryBody))
	})
	mux.HandleFunc("/runtime-17.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		a.runtimeHits.Add(1)
		w.Write([]byte(runtimeBody))
	})
	a.Server = httptest.NewServer(mux)
	return a
}

func (a *assetServer) template() AssetTemplate {
	return AssetTemplate{
		DefaultVersion: "1.2.3",
		Primary: AssetSource{
			URL:    a.URL + "/server-{version}.jar",
			Digest: digest.FromString(primaryBody).String(),
		},
		RuntimeVersion: "17",
		Runtime:        AssetSource{URL: a.URL + "/runtime-{version}.tar.gz"},
	}
}

type initWatcher struct {
	mx      sync.Mutex
	updates []InitStatus
	done    chan InitStatus
}

func newInitWatcher() *initWatcher {
	return &initWatcher{done: make(chan InitStatus, 1)}
}

func (w *initWatcher) update(st InitStatus) {
	w.mx.Lock()
	w.updates = append(w.updates, st)
	w.mx.Unlock()
	if st.Terminal() {
		w.done <- st
	}
}

func (w *initWatcher) wait() (InitStatus, bool) {
	select {
	case st := <-w.done:
		return st, true
	case <-time.After(10 * time.Second):
		return InitStatus{}, false
	}
}

func TestRegistryBackgroundInitialize(t *testing.T) {
	Convey("Given a registry with assets for the fake type", t, func() {
		setTestLogger(t)
		assets := newAssetServer()
		defer assets.Close()

		root := t.TempDir()
		log := &eventLog{}
		r := newTestRegistry(t, root, log)
		r.Provisioner().SetTemplate("fake", assets.template())
		inst, err := r.Create(fakeMeta(t, "init"))
		So(err, ShouldBeNil)

		Convey("Concurrent requests share one run and one outcome", func() {
			w1, w2 := newInitWatcher(), newInitWatcher()
			So(r.BeginBackgroundInitialize(inst.ID(), w1.update), ShouldBeTrue)
			So(r.BeginBackgroundInitialize(inst.ID(), w2.update), ShouldBeFalse)

			st, ok := r.InitStatus(inst.ID())
			So(ok, ShouldBeTrue)
			So(st.State, ShouldEqual, InitDownloading)

			close(assets.release)
			s1, ok1 := w1.wait()
			s2, ok2 := w2.wait()
			So(ok1 && ok2, ShouldBeTrue)
			So(s1.State, ShouldEqual, InitReady)
			So(s2.State, ShouldEqual, InitReady)
			So(assets.primaryHits.Load(), ShouldEqual, 1)
			So(assets.runtimeHits.Load(), ShouldEqual, 1)

			_, ok = r.InitStatus(inst.ID())
			So(ok, ShouldBeFalse)

			b, err := ioutil.ReadFile(filepath.Join(inst.Dir(), "server-1.2.3.jar"))
			So(err, ShouldBeNil)
			So(string(b), ShouldEqual, primaryBody)
			_, err = os.Stat(filepath.Join(root, ".runtime", "runtime-17.tar.gz"))
			So(err, ShouldBeNil)

			var last InitStatus
			for _, u := range w1.updates {
				if u.State == InitDownloading && u.TotalBytes != nil {
					last = u
				}
			}
			So(last.BytesReceived, ShouldBeGreaterThan, 0)

			pct := -1.0
			for _, u := range w1.updates {
				if u.Percent == nil {
					continue
				}
				So(*u.Percent, ShouldBeGreaterThanOrEqualTo, pct)
				So(*u.Percent, ShouldBeLessThanOrEqualTo, 100.0)
				pct = *u.Percent
			}

			Convey("and a second initialization is a no-op", func() {
				w3 := newInitWatcher()
				So(r.BeginBackgroundInitialize(inst.ID(), w3.update), ShouldBeTrue)
				s3, ok := w3.wait()
				So(ok, ShouldBeTrue)
				So(s3.State, ShouldEqual, InitReady)
				So(assets.primaryHits.Load(), ShouldEqual, 1)
			})

			Convey("and launch variables point at the assets", func() {
				vars := inst.launchVars()
				So(vars["PRIMARY"], ShouldEqual, filepath.Join(inst.Dir(), "server-1.2.3.jar"))
				So(vars["RUNTIME"], ShouldEqual, filepath.Join(root, ".runtime", "runtime-17.tar.gz"))
			})
		})

		Convey("A bad checksum ends in the error state", func() {
			tmpl := assets.template()
			tmpl.Primary.Digest = digest.FromString("something else").String()
			r.Provisioner().SetTemplate("fake", tmpl)
			close(assets.release)

			w := newInitWatcher()
			So(r.BeginBackgroundInitialize(inst.ID(), w.update), ShouldBeTrue)
			st, ok := w.wait()
			So(ok, ShouldBeTrue)
			So(st.State, ShouldEqual, InitError)
			So(st.Message, ShouldContainSubstring, "checksum")
			_, err := os.Stat(filepath.Join(inst.Dir(), "server-1.2.3.jar"))
			So(os.IsNotExist(err), ShouldBeTrue)

			errs := 0
			for _, ev := range log.of(EventInit) {
				if ev.Init.State == InitError {
					errs++
				}
			}
			So(errs, ShouldEqual, 1)
		})

		Convey("A type without assets ends in the error state", func() {
			other, err := r.Create(Metadata{Name: "other", Type: "unknown"})
			So(err, ShouldBeNil)
			w := newInitWatcher()
			So(r.BeginBackgroundInitialize(other.ID(), w.update), ShouldBeTrue)
			st, ok := w.wait()
			So(ok, ShouldBeTrue)
			So(st.State, ShouldEqual, InitError)
			close(assets.release)
		})

		Convey("Delete cancels an initialization in flight", func() {
			w := newInitWatcher()
			So(r.BeginBackgroundInitialize(inst.ID(), w.update), ShouldBeTrue)
			So(eventually(5*time.Second, func() bool {
				return assets.primaryHits.Load() == 1
			}), ShouldBeTrue)
			So(r.Delete(inst.ID(), true), ShouldBeNil)
			st, ok := w.wait()
			So(ok, ShouldBeTrue)
			So(st.State, ShouldEqual, InitError)
			_, ok = r.InitStatus(inst.ID())
			So(ok, ShouldBeFalse)
			close(assets.release)
		})

		Convey("A retired instance does not start initializing", func() {
			So(inst.retire(), ShouldBeNil)
			w := newInitWatcher()
			So(r.BeginBackgroundInitialize(inst.ID(), w.update), ShouldBeFalse)
			st, ok := w.wait()
			So(ok, ShouldBeTrue)
			So(st.State, ShouldEqual, InitError)
			_, ok = r.InitStatus(inst.ID())
			So(ok, ShouldBeFalse)
			close(assets.release)
			So(assets.primaryHits.Load(), ShouldEqual, 0)
		})

		Convey("Initializing after delete leaves no files behind", func() {
			So(r.Delete(inst.ID(), true), ShouldBeNil)
			w := newInitWatcher()
			So(r.BeginBackgroundInitialize(inst.ID(), w.update), ShouldBeFalse)
			st, ok := w.wait()
			So(ok, ShouldBeTrue)
			So(st.State, ShouldEqual, InitError)
			close(assets.release)
			_, err := os.Stat(inst.Dir())
			So(os.IsNotExist(err), ShouldBeTrue)
		})
	})
}

func TestRegistryShutdown(t *testing.T) {
	Convey("Shutdown stops every running instance", t, func() {
		setTestLogger(t)
		r := newTestRegistry(t, t.TempDir(), nil)
		var insts []*Instance
		for _, n := range []string{"a", "b", "c"} {
			inst, err := r.Create(fakeMeta(t, n))
			So(err, ShouldBeNil)
			So(inst.Start(), ShouldBeNil)
			insts = append(insts, inst)
		}
		for _, inst := range insts {
			So(waitFor(inst, Online), ShouldBeNil)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(r.Shutdown(ctx), ShouldBeNil)
		for _, inst := range insts {
			So(inst.Status(), ShouldEqual, Offline)
		}
	})
}
