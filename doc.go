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

// Package fleetvisor supervises a fleet of long running, line oriented
// game servers.  Each server is an Instance: a child process under a
// Supervisor, a status that only moves along
// Offline, Starting, Online, Stopping, back to Offline, the players the
// server reports online, and a ring of recent console lines.
//
// A Registry owns the instances.  It persists their metadata, fetches
// and verifies the files an instance needs before it can start, and
// keeps small revisioned resources (properties, launch parameters) that
// are edited with optimistic concurrency.  Observers of the registry
// see every change as an Event, in order per instance.  The bus, wsapi
// and rest packages turn those events into what remote clients see.
//
// The supervisor is not a replacement for the system's init.  It is
// meant to be run by whoever operates the servers, and may be embedded
// in another program through the same Go HTTP handlers the fleetvisord
// daemon uses.
package fleetvisor
