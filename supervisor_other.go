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

//go:build !unix

package fleetvisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {
}

// killProcessGroup can only reach the leader on this platform.
func killProcessGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	if e := p.Kill(); e != nil && e != os.ErrProcessDone {
		return e
	}
	return nil
}
