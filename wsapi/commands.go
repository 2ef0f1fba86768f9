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

package wsapi

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/gdamore/fleetvisor"
)

// Command names.
const (
	CmdStart       = "server.start"
	CmdStop        = "server.stop"
	CmdForceStop   = "server.forceStop"
	CmdSendLine    = "server.sendLine"
	CmdInitialize  = "server.initialize"
	CmdDelete      = "server.delete"
	CmdRename      = "server.rename"
	CmdArchive     = "server.archive"
	CmdResourceGet = "resource.get"
	CmdResourcePut = "resource.put"
)

var (
	errUnknownCommand = errors.New("Unknown command")
	errBadArgs        = errors.New("Bad command arguments")
)

// commandArgs holds the arguments of every command; each command reads
// the fields it needs.
type commandArgs struct {
	ServerID    string          `json:"serverId"`
	Line        *string         `json:"line"`
	Name        string          `json:"name"`
	DeleteFiles bool            `json:"deleteFiles"`
	Archived    *bool           `json:"archived"`
	Revision    string          `json:"revision"`
	Value       json.RawMessage `json:"value"`
}

type commandFunc func(args *commandArgs) (interface{}, error)

// Dispatcher runs commands against the registry.
type Dispatcher struct {
	reg      *fleetvisor.Registry
	commands map[string]commandFunc
}

func NewDispatcher(reg *fleetvisor.Registry) *Dispatcher {
	d := &Dispatcher{reg: reg}
	d.commands = map[string]commandFunc{
		CmdStart:       d.start,
		CmdStop:        d.stop,
		CmdForceStop:   d.forceStop,
		CmdSendLine:    d.sendLine,
		CmdInitialize:  d.initialize,
		CmdDelete:      d.delete,
		CmdRename:      d.rename,
		CmdArchive:     d.archive,
		CmdResourceGet: d.resourceGet,
		CmdResourcePut: d.resourcePut,
	}
	return d
}

// Names returns the known commands, sorted.
func (d *Dispatcher) Names() []string {
	rv := make([]string, 0, len(d.commands))
	for n := range d.commands {
		rv = append(rv, n)
	}
	sort.Strings(rv)
	return rv
}

// Dispatch runs the named command.
func (d *Dispatcher) Dispatch(name string, raw json.RawMessage) (interface{}, error) {
	fn, ok := d.commands[name]
	if !ok {
		return nil, errors.Wrapf(errUnknownCommand, "%q", name)
	}
	args := &commandArgs{}
	if len(bytes.TrimSpace(raw)) != 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, args); err != nil {
			return nil, errors.Wrap(errBadArgs, err.Error())
		}
	}
	return fn(args)
}

// ToCommandError gives err its wire form.
func ToCommandError(err error) CommandError {
	ce := CommandError{Message: err.Error()}
	var conflict *fleetvisor.ConflictError
	switch cause := errors.Cause(err); {
	case cause == errUnknownCommand:
		ce.Code = CodeUnknownCommand
	case cause == errBadArgs:
		ce.Code = CodeBadRequest
	case errors.As(err, &conflict):
		ce.Code = fleetvisor.ErrorCode(fleetvisor.ErrConflict)
		ce.Current = conflict.Current
	default:
		ce.Code = fleetvisor.ErrorCode(err)
	}
	return ce
}

func (d *Dispatcher) instance(args *commandArgs) (*fleetvisor.Instance, error) {
	if args.ServerID == "" {
		return nil, errors.Wrap(errBadArgs, "serverId is required")
	}
	return d.reg.Get(args.ServerID)
}

func (d *Dispatcher) start(args *commandArgs) (interface{}, error) {
	inst, err := d.instance(args)
	if err != nil {
		return nil, err
	}
	return nil, inst.Start()
}

func (d *Dispatcher) stop(args *commandArgs) (interface{}, error) {
	inst, err := d.instance(args)
	if err != nil {
		return nil, err
	}
	return nil, inst.Stop()
}

func (d *Dispatcher) forceStop(args *commandArgs) (interface{}, error) {
	inst, err := d.instance(args)
	if err != nil {
		return nil, err
	}
	return nil, inst.ForceStop()
}

func (d *Dispatcher) sendLine(args *commandArgs) (interface{}, error) {
	inst, err := d.instance(args)
	if err != nil {
		return nil, err
	}
	if args.Line == nil {
		return nil, errors.Wrap(errBadArgs, "line is required")
	}
	return nil, inst.SendLine(*args.Line)
}

func (d *Dispatcher) initialize(args *commandArgs) (interface{}, error) {
	inst, err := d.instance(args)
	if err != nil {
		return nil, err
	}
	// Progress reaches clients through the bus.
	started := d.reg.BeginBackgroundInitialize(inst.ID(), nil)
	return map[string]bool{"started": started}, nil
}

func (d *Dispatcher) delete(args *commandArgs) (interface{}, error) {
	if args.ServerID == "" {
		return nil, errors.Wrap(errBadArgs, "serverId is required")
	}
	return nil, d.reg.Delete(args.ServerID, args.DeleteFiles)
}

func (d *Dispatcher) rename(args *commandArgs) (interface{}, error) {
	if args.ServerID == "" {
		return nil, errors.Wrap(errBadArgs, "serverId is required")
	}
	return d.reg.Rename(args.ServerID, args.Name)
}

func (d *Dispatcher) archive(args *commandArgs) (interface{}, error) {
	if args.ServerID == "" {
		return nil, errors.Wrap(errBadArgs, "serverId is required")
	}
	archived := true
	if args.Archived != nil {
		archived = *args.Archived
	}
	return d.reg.SetArchived(args.ServerID, archived)
}

func (d *Dispatcher) resourceGet(args *commandArgs) (interface{}, error) {
	if args.ServerID == "" || args.Name == "" {
		return nil, errors.Wrap(errBadArgs, "serverId and name are required")
	}
	return d.reg.GetResource(args.ServerID, args.Name)
}

func (d *Dispatcher) resourcePut(args *commandArgs) (interface{}, error) {
	if args.ServerID == "" || args.Name == "" {
		return nil, errors.Wrap(errBadArgs, "serverId and name are required")
	}
	if args.Revision == "" {
		return nil, errors.Wrap(errBadArgs, "revision is required")
	}
	var value interface{}
	if len(args.Value) != 0 {
		dec := json.NewDecoder(bytes.NewReader(args.Value))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return nil, errors.Wrap(errBadArgs, err.Error())
		}
	}
	return d.reg.PutResource(args.ServerID, args.Name, args.Revision, value)
}
