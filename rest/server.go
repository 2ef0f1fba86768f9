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
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/journal"
)

const maxBody = 1 << 20

// Historian answers history requests.  journal.Journal is one.
type Historian interface {
	History(instanceID string, limit int) ([]journal.Entry, error)
}

// Handler wraps a Registry, adding http.Handler functionality.
type Handler struct {
	reg     *fleetvisor.Registry
	history Historian
	r       *mux.Router
	logger  *logrus.Entry
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJsonStatus(w http.ResponseWriter, status int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(status)
		w.Write(b)
	}
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	h.writeJsonStatus(w, http.StatusOK, v)
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	h.writeJsonStatus(w, e.Code, e)
}

// fail reports a registry error with the matching status.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	e := &Error{Reason: fleetvisor.ErrorCode(err), Message: err.Error()}
	var conflict *fleetvisor.ConflictError
	if errors.As(err, &conflict) {
		e.Reason = fleetvisor.ErrorCode(fleetvisor.ErrConflict)
		e.Current = &conflict.Current
	}
	e.Code = statusOf(e.Reason)
	if e.Code == http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
	}
	h.writeError(w, e)
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	h.writeError(w, &Error{Code: http.StatusBadRequest, Reason: "bad_request", Message: msg})
}

func (h *Handler) readJson(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	b, e := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if e == nil {
		e = json.Unmarshal(b, v)
	}
	if e != nil {
		h.badRequest(w, "malformed body: "+e.Error())
		return false
	}
	return true
}

func (h *Handler) findInstance(w http.ResponseWriter, r *http.Request) *fleetvisor.Instance {
	inst, e := h.reg.Get(mux.Vars(r)["id"])
	if e != nil {
		h.fail(w, e)
		return nil
	}
	return inst
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.reg.ListInfo())
}

func (h *Handler) createInstance(w http.ResponseWriter, r *http.Request) {
	meta := fleetvisor.Metadata{}
	if !h.readJson(w, r, &meta) {
		return
	}
	inst, e := h.reg.Create(meta)
	if e != nil {
		h.fail(w, e)
		return
	}
	w.Header().Set("Location", "/instances/"+inst.ID())
	h.writeJsonStatus(w, http.StatusCreated, h.reg.Info(inst))
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	if inst := h.findInstance(w, r); inst != nil {
		h.writeJson(w, h.reg.Info(inst))
	}
}

func (h *Handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	deleteFiles, _ := strconv.ParseBool(r.URL.Query().Get("deleteFiles"))
	if e := h.reg.Delete(mux.Vars(r)["id"], deleteFiles); e != nil {
		h.fail(w, e)
	} else {
		h.writeJson(w, ok)
	}
}

// act returns a handler running fn against the named instance.
func (h *Handler) act(fn func(*fleetvisor.Instance) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if inst := h.findInstance(w, r); inst == nil {
			return
		} else if e := fn(inst); e != nil {
			h.fail(w, e)
		} else {
			h.writeJson(w, ok)
		}
	}
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	if inst := h.findInstance(w, r); inst != nil {
		started := h.reg.BeginBackgroundInitialize(inst.ID(), nil)
		h.writeJsonStatus(w, http.StatusAccepted, &InitResult{Started: started})
	}
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	inst := h.findInstance(w, r)
	if inst == nil {
		return
	}
	req := &CommandRequest{}
	if !h.readJson(w, r, req) {
		return
	}
	if e := inst.SendLine(req.Line); e != nil {
		h.fail(w, e)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) getConsole(w http.ResponseWriter, r *http.Request) {
	inst := h.findInstance(w, r)
	if inst == nil {
		return
	}
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		var e error
		if since, e = strconv.ParseInt(s, 10, 64); e != nil {
			h.badRequest(w, "bad since")
			return
		}
	}
	lines, next := inst.Console(since)
	h.writeJson(w, &ConsoleInfo{Lines: lines, Next: next})
}

func (h *Handler) getResource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, e := h.reg.GetResource(vars["id"], vars["name"])
	if e != nil {
		h.fail(w, e)
		return
	}
	w.Header().Set("ETag", strconv.Quote(res.Revision))
	h.writeJson(w, &res)
}

// putResource requires If-Match, so that a write is always based on a
// revision the caller has seen.
func (h *Handler) putResource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	match := r.Header.Get("If-Match")
	if match == "" {
		h.writeError(w, &Error{Code: http.StatusPreconditionRequired,
			Reason: "bad_request", Message: "If-Match is required"})
		return
	}
	if s, e := strconv.Unquote(match); e == nil {
		match = s
	}
	var value interface{}
	b, e := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if e == nil {
		value, e = fleetvisor.JSONCodec{}.Unmarshal(b)
	}
	if e != nil {
		h.badRequest(w, "malformed body: "+e.Error())
		return
	}
	res, e := h.reg.PutResource(vars["id"], vars["name"], match, value)
	if e != nil {
		h.fail(w, e)
		return
	}
	w.Header().Set("ETag", strconv.Quote(res.Revision))
	h.writeJson(w, &res)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.history == nil {
		h.writeJson(w, []journal.Entry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, e := h.history.History(id, limit)
	if e != nil {
		h.fail(w, e)
		return
	}
	h.writeJson(w, entries)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debugf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// HandlerConfig configures NewHandler.  Everything but Registry is
// optional.
type HandlerConfig struct {
	Registry *fleetvisor.Registry
	History  Historian
	// Sessions serves GET /ws.
	Sessions http.Handler
	// Secret, when set, requires an HS256 bearer token on every route.
	Secret []byte
}

func NewHandler(cfg HandlerConfig) *Handler {
	r := mux.NewRouter()
	h := &Handler{
		reg:     cfg.Registry,
		history: cfg.History,
		r:       r,
		logger:  logrus.WithField("component", "rest"),
	}
	r.Use(h.logRequests)
	if len(cfg.Secret) != 0 {
		r.Use(RequireToken(cfg.Secret))
	}
	r.HandleFunc("/instances", h.listInstances).Methods("GET")
	r.HandleFunc("/instances", h.createInstance).Methods("POST")
	r.HandleFunc("/instances/{id}", h.getInstance).Methods("GET")
	r.HandleFunc("/instances/{id}", h.deleteInstance).Methods("DELETE")
	r.HandleFunc("/instances/{id}/start", h.act((*fleetvisor.Instance).Start)).Methods("POST")
	r.HandleFunc("/instances/{id}/stop", h.act((*fleetvisor.Instance).Stop)).Methods("POST")
	r.HandleFunc("/instances/{id}/kill", h.act((*fleetvisor.Instance).ForceStop)).Methods("POST")
	r.HandleFunc("/instances/{id}/initialize", h.initialize).Methods("POST")
	r.HandleFunc("/instances/{id}/command", h.command).Methods("POST")
	r.HandleFunc("/instances/{id}/console", h.getConsole).Methods("GET")
	r.HandleFunc("/instances/{id}/resources/{name}", h.getResource).Methods("GET")
	r.HandleFunc("/instances/{id}/resources/{name}", h.putResource).Methods("PUT")
	r.HandleFunc("/instances/{id}/history", h.getHistory).Methods("GET")
	if cfg.Sessions != nil {
		r.Handle("/ws", cfg.Sessions).Methods("GET")
	}
	return h
}
