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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fvbommel/sortorder"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LaunchResource is the resource name under which an instance's launch
// parameters can be read and written.
const LaunchResource = "launch"

// RegistryConfig configures a Registry.  Root is required; the rest has
// defaults.
type RegistryConfig struct {
	Root         string
	MetadataPath string
	Provisioner  *Provisioner
	Classifier   LineClassifier
	ConsoleSize  int
	StopTimeout  time.Duration
	StopLine     string
	Logger       *logrus.Entry
}

type initTask struct {
	cancel    context.CancelFunc
	done      chan struct{}
	observers []func(InitStatus)

	// streams and finished are guarded by mx.  Shared downloads report
	// progress from their own goroutine.
	mx       sync.Mutex
	streams  map[AssetKind]Progress
	finished bool
}

// Registry owns the set of instances.  It is the only place instances are
// created or removed, and it persists their metadata.
type Registry struct {
	cfg       RegistryConfig
	root      string
	store     *MetadataStore
	resources *ResourceStore
	instances cmap.ConcurrentMap[string, *Instance]
	logger    *logrus.Entry

	mx        sync.Mutex
	inits     map[string]*initTask
	initState map[string]InitStatus
	observers []func(Event)

	persistLock sync.Mutex
}

func (r *Registry) lock() {
	r.mx.Lock()
}

func (r *Registry) unlock() {
	r.mx.Unlock()
}

// NewRegistry creates a Registry rooted at cfg.Root.  Call Load to bring
// back the instances of a previous run.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Root == "" {
		return nil, errors.New("registry root is required")
	}
	root, e := filepath.Abs(cfg.Root)
	if e != nil {
		return nil, errors.Wrap(e, "bad registry root")
	}
	if e = os.MkdirAll(root, 0755); e != nil {
		return nil, errors.Wrap(e, "failed to create registry root")
	}
	if cfg.MetadataPath == "" {
		cfg.MetadataPath = filepath.Join(root, "instances.json")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "registry")
	}
	if cfg.Provisioner == nil {
		cfg.Provisioner = NewProvisioner(
			NewAssetFetcher(nil, filepath.Join(root, ".runtime")), nil)
	}
	r := &Registry{
		cfg:       cfg,
		root:      root,
		store:     NewMetadataStore(cfg.MetadataPath),
		instances: cmap.New[*Instance](),
		logger:    cfg.Logger,
		inits:     make(map[string]*initTask),
		initState: make(map[string]InitStatus),
	}
	r.resources = NewResourceStore(r.dirOf, r.resourceUpdated)
	return r, nil
}

// Root returns the absolute path of the managed directory.
func (r *Registry) Root() string {
	return r.root
}

// Resources returns the store of per-instance resources, so that codecs
// can be registered.
func (r *Registry) Resources() *ResourceStore {
	return r.resources
}

// Provisioner returns the provisioner used for initialization.
func (r *Registry) Provisioner() *Provisioner {
	return r.cfg.Provisioner
}

// Observe registers fn to receive every instance event.  Events of one
// instance arrive in order.  fn must not block for long, and must not
// call back into the instance that emitted the event.
func (r *Registry) Observe(fn func(Event)) {
	r.lock()
	r.observers = append(r.observers, fn)
	r.unlock()
}

func (r *Registry) notify(ev Event) {
	r.lock()
	obs := r.observers
	r.unlock()
	for _, fn := range obs {
		fn(ev)
	}
}

func (r *Registry) newInstance(meta Metadata) *Instance {
	return NewInstance(meta, InstanceConfig{
		Dir:         filepath.Join(r.root, meta.ID),
		Classifier:  r.cfg.Classifier,
		ConsoleSize: r.cfg.ConsoleSize,
		StopTimeout: r.cfg.StopTimeout,
		StopLine:    r.cfg.StopLine,
		Observer:    r.notify,
		Logger:      r.logger,
	})
}

func (r *Registry) dirOf(id string) (string, error) {
	inst, ok := r.instances.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	return inst.Dir(), nil
}

func (r *Registry) resourceUpdated(id string, u ResourceUpdate) {
	if inst, ok := r.instances.Get(id); ok {
		inst.publish(Event{Kind: EventResource, Resource: &u})
	}
}

// persist writes the metadata of every instance.
func (r *Registry) persist() error {
	r.persistLock.Lock()
	defer r.persistLock.Unlock()
	list := make([]Metadata, 0, r.instances.Count())
	for _, inst := range r.instances.Items() {
		list = append(list, inst.Metadata())
	}
	sort.Slice(list, func(a, b int) bool {
		return list[a].ID < list[b].ID
	})
	return r.store.Save(list)
}

// Load rehydrates the instances recorded by a previous run.  They all
// come back Offline.
func (r *Registry) Load() error {
	list, e := r.store.Load()
	if e != nil {
		return e
	}
	for _, meta := range list {
		if meta.ID == "" {
			r.logger.Warnf("skipping instance %q without an id", meta.Name)
			continue
		}
		inst := r.newInstance(meta)
		if e := os.MkdirAll(inst.Dir(), 0755); e != nil {
			return errors.Wrapf(e, "failed to create directory for %s", meta.ID)
		}
		r.instances.Set(meta.ID, inst)
	}
	r.logger.Infof("loaded %d instances", len(list))
	return nil
}

// Create validates meta, assigns it an id and a directory, and records
// it.  The new instance is Offline.
func (r *Registry) Create(meta Metadata) (*Instance, error) {
	if e := meta.Validate(); e != nil {
		return nil, e
	}
	meta.ID = uuid.NewString()
	meta.Name = strings.TrimSpace(meta.Name)
	if meta.Version == "" {
		meta.Version = LatestVersion
	}
	meta.Created = time.Now().UTC()
	meta.Updated = meta.Created

	inst := r.newInstance(meta)
	if e := os.MkdirAll(inst.Dir(), 0755); e != nil {
		return nil, errors.Wrap(e, "failed to create instance directory")
	}
	r.instances.Set(meta.ID, inst)
	if e := r.persist(); e != nil {
		r.instances.Remove(meta.ID)
		return nil, e
	}
	info := inst.Info()
	inst.publish(Event{Kind: EventAdded, Info: &info})
	r.logger.WithField("instanceId", meta.ID).Infof("created %q", meta.Name)
	return inst, nil
}

// Get returns the instance with the given id.
func (r *Registry) Get(id string) (*Instance, error) {
	if inst, ok := r.instances.Get(id); ok {
		return inst, nil
	}
	return nil, ErrNotFound
}

// ListAll returns every instance, ordered naturally by name and then id.
func (r *Registry) ListAll() []*Instance {
	items := r.instances.Items()
	list := make([]*Instance, 0, len(items))
	names := make(map[*Instance]string, len(items))
	for _, inst := range items {
		list = append(list, inst)
		names[inst] = inst.Metadata().Name
	}
	sort.Slice(list, func(a, b int) bool {
		na, nb := names[list[a]], names[list[b]]
		if na != nb {
			return sortorder.NaturalLess(na, nb)
		}
		return list[a].ID() < list[b].ID()
	})
	return list
}

// Info describes one instance, including any initialization in progress.
func (r *Registry) Info(inst *Instance) InstanceInfo {
	info := inst.Info()
	if st, ok := r.InitStatus(inst.ID()); ok {
		info.Init = &st
	}
	return info
}

// ListInfo describes every instance, in ListAll order.
func (r *Registry) ListInfo() []InstanceInfo {
	list := r.ListAll()
	rv := make([]InstanceInfo, 0, len(list))
	for _, inst := range list {
		rv = append(rv, r.Info(inst))
	}
	return rv
}

// insideRoot reports whether dir is strictly below the managed root.
func (r *Registry) insideRoot(dir string) bool {
	abs, e := filepath.Abs(dir)
	if e != nil {
		return false
	}
	rel, e := filepath.Rel(r.root, abs)
	if e != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// Delete removes an Offline instance.  Any initialization in progress is
// cancelled first.  With deleteFiles the instance directory is removed
// too, but only if it lies inside the managed root.
func (r *Registry) Delete(id string, deleteFiles bool) error {
	inst, ok := r.instances.Get(id)
	if !ok {
		return ErrNotFound
	}
	if deleteFiles && !r.insideRoot(inst.Dir()) {
		return errors.Wrapf(ErrOutsideRoot, "%s", inst.Dir())
	}
	if e := inst.retire(); e != nil {
		return e
	}

	r.lock()
	t := r.inits[id]
	r.instances.Remove(id)
	r.unlock()
	if t != nil {
		t.cancel()
		<-t.done
	}

	r.lock()
	delete(r.initState, id)
	r.unlock()
	if e := r.persist(); e != nil {
		return e
	}
	inst.publish(Event{Kind: EventRemoved})

	if deleteFiles {
		if e := os.RemoveAll(inst.Dir()); e != nil {
			return errors.Wrap(e, "failed to remove instance directory")
		}
	}
	r.logger.WithField("instanceId", id).Info("deleted")
	return nil
}

func (r *Registry) update(id string, fn func(*Metadata) map[string]interface{}) (Metadata, error) {
	inst, ok := r.instances.Get(id)
	if !ok {
		return Metadata{}, ErrNotFound
	}
	meta := inst.updateMetadata(fn)
	return meta, r.persist()
}

// Rename changes the display name of an instance.
func (r *Registry) Rename(id, name string) (Metadata, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Metadata{}, errors.Wrap(ErrBadMetadata, "name is required")
	}
	return r.update(id, func(m *Metadata) map[string]interface{} {
		if m.Name == name {
			return nil
		}
		m.Name = name
		return map[string]interface{}{"name": name}
	})
}

// SetArchived marks an instance archived or not.
func (r *Registry) SetArchived(id string, archived bool) (Metadata, error) {
	return r.update(id, func(m *Metadata) map[string]interface{} {
		if m.Archived == archived {
			return nil
		}
		m.Archived = archived
		return map[string]interface{}{"archived": archived}
	})
}

func launchResource(l LaunchParams) (Resource, error) {
	b, e := CanonicalJSON(&l)
	if e != nil {
		return Resource{}, e
	}
	var v interface{}
	if v, e = (JSONCodec{}).Unmarshal(b); e != nil {
		return Resource{}, e
	}
	return Resource{Name: LaunchResource, Value: v, Revision: ComputeRevision(b)}, nil
}

// Launch returns the launch parameters of an instance as a resource.
func (r *Registry) Launch(id string) (Resource, error) {
	inst, ok := r.instances.Get(id)
	if !ok {
		return Resource{}, ErrNotFound
	}
	return launchResource(inst.Metadata().Launch)
}

// UpdateLaunch replaces the launch parameters if revision is current.
// The change applies to the next start.
func (r *Registry) UpdateLaunch(id, revision string, l LaunchParams) (Resource, error) {
	if l.Command != "" {
		if _, e := l.Argv(nil); e != nil {
			return Resource{}, e
		}
	}
	inst, ok := r.instances.Get(id)
	if !ok {
		return Resource{}, ErrNotFound
	}
	var rv Resource
	var err error
	inst.updateMetadata(func(m *Metadata) map[string]interface{} {
		cur, e := launchResource(m.Launch)
		if e != nil {
			err = e
			return nil
		}
		if cur.Revision != revision {
			err = &ConflictError{Name: LaunchResource, Current: cur}
			return nil
		}
		if rv, err = launchResource(l); err != nil {
			return nil
		}
		m.Launch = l
		if rv.Revision == cur.Revision {
			return nil
		}
		return map[string]interface{}{"launch": rv.Value}
	})
	if err != nil {
		return Resource{}, err
	}
	return rv, r.persist()
}

func jsonUnmarshalStrict(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// GetResource reads a named resource of an instance.
func (r *Registry) GetResource(id, name string) (Resource, error) {
	if name == LaunchResource {
		return r.Launch(id)
	}
	return r.resources.Get(id, name)
}

// PutResource writes a named resource of an instance, if expected is its
// current revision.
func (r *Registry) PutResource(id, name, expected string, value interface{}) (Resource, error) {
	if name == LaunchResource {
		var l LaunchParams
		b, e := CanonicalJSON(value)
		if e == nil {
			e = jsonUnmarshalStrict(b, &l)
		}
		if e != nil {
			return Resource{}, errors.Wrap(ErrBadLaunch, e.Error())
		}
		return r.UpdateLaunch(id, expected, l)
	}
	return r.resources.Put(id, name, expected, value)
}

// InitStatus returns the progress of an initialization in flight.
func (r *Registry) InitStatus(id string) (InitStatus, bool) {
	r.lock()
	defer r.unlock()
	st, ok := r.initState[id]
	return st, ok
}

// BeginBackgroundInitialize starts initializing an instance in the
// background, and reports true.  If one is already running for that
// instance, onUpdate is attached to it instead and false is returned.
// onUpdate sees every progress update, and finally a status in state
// ready or error.  Failures are only reported that way; what to do about
// them is up to the caller.
func (r *Registry) BeginBackgroundInitialize(id string, onUpdate func(InitStatus)) bool {
	r.lock()
	if t, ok := r.inits[id]; ok {
		if onUpdate != nil {
			t.observers = append(t.observers, onUpdate)
		}
		r.unlock()
		return false
	}
	inst, ok := r.instances.Get(id)
	if !ok || inst.isRetired() {
		r.unlock()
		if onUpdate != nil {
			onUpdate(InitStatus{State: InitError, Message: ErrNotFound.Error(),
				Updated: time.Now().UTC()})
		}
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &initTask{
		cancel:  cancel,
		done:    make(chan struct{}),
		streams: plannedStreams(r.cfg.Provisioner, inst.Metadata()),
	}
	if onUpdate != nil {
		t.observers = append(t.observers, onUpdate)
	}
	r.inits[id] = t
	r.initState[id] = InitStatus{State: InitDownloading, Updated: time.Now().UTC()}
	r.unlock()

	go r.initialize(ctx, inst, t)
	return true
}

// report records st and hands it to the task's observers.  A terminal
// status also retires the task.
func (r *Registry) report(inst *Instance, t *initTask, st InitStatus) {
	id := inst.ID()
	st.Updated = time.Now().UTC()
	r.lock()
	if st.Terminal() {
		delete(r.inits, id)
		delete(r.initState, id)
	} else {
		r.initState[id] = st
	}
	obs := append([]func(InitStatus){}, t.observers...)
	r.unlock()

	inst.publish(Event{Kind: EventInit, Init: &st})
	for _, fn := range obs {
		fn(st)
	}
}

// plannedStreams seeds every stream the instance will fetch with an
// unknown total, so that no percentage is offered until all sizes are in.
func plannedStreams(p *Provisioner, meta Metadata) map[AssetKind]Progress {
	streams := make(map[AssetKind]Progress)
	primary, runtime, e := p.plan(meta)
	if e != nil {
		return streams
	}
	streams[AssetPrimary] = Progress{FileName: primary.FileName, Total: -1}
	if runtime != nil {
		streams[AssetRuntime] = Progress{FileName: runtime.FileName, Total: -1}
	}
	return streams
}

// mergeProgress folds the per stream progress into one status.
func mergeProgress(kind AssetKind, streams map[AssetKind]Progress) InitStatus {
	st := InitStatus{State: InitDownloading, Stage: string(kind)}
	st.FileName = streams[kind].FileName
	var total int64
	known := true
	for _, p := range streams {
		st.BytesReceived += p.Received
		if p.Total < 0 {
			known = false
		} else {
			total += p.Total
		}
	}
	if known {
		st.TotalBytes = &total
		if total > 0 {
			pct := float64(st.BytesReceived) * 100 / float64(total)
			st.Percent = &pct
		}
	}
	return st
}

func (r *Registry) initialize(ctx context.Context, inst *Instance, t *initTask) {
	defer close(t.done)
	defer t.cancel()
	log := r.logger.WithField("instanceId", inst.ID())

	e := inst.Initialize(ctx, r.cfg.Provisioner, func(kind AssetKind, p Progress) {
		t.mx.Lock()
		if t.finished {
			t.mx.Unlock()
			return
		}
		t.streams[kind] = p
		st := mergeProgress(kind, t.streams)
		t.mx.Unlock()
		r.report(inst, t, st)
	})
	t.mx.Lock()
	t.finished = true
	t.mx.Unlock()
	if e != nil {
		log.WithError(e).Warn("initialization failed")
		r.report(inst, t, InitStatus{State: InitError, Message: e.Error()})
		return
	}
	log.Info("initialized")
	r.report(inst, t, InitStatus{State: InitReady})
}

// Shutdown stops every running instance in parallel and cancels
// initializations.  Instances that have not stopped when ctx expires are
// killed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.lock()
	tasks := make([]*initTask, 0, len(r.inits))
	for _, t := range r.inits {
		tasks = append(tasks, t)
	}
	r.unlock()
	for _, t := range tasks {
		t.cancel()
	}

	g := new(errgroup.Group)
	for _, inst := range r.instances.Items() {
		inst := inst
		g.Go(func() error {
			switch inst.Status() {
			case Offline:
				return nil
			case Starting:
				return inst.ForceStop()
			}
			if e := inst.Stop(); e != nil && errors.Cause(e) != ErrNotRunning {
				return e
			}
			if inst.WaitStatus(ctx, Offline) != nil {
				r.logger.WithField("instanceId", inst.ID()).Warn("did not stop in time, killing")
				if e := inst.ForceStop(); e != nil && errors.Cause(e) != ErrNotRunning {
					return e
				}
			}
			return nil
		})
	}
	e := g.Wait()
	for _, t := range tasks {
		<-t.done
	}
	return e
}
