// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nexus

import (
	"runtime"

	"github.com/nexusreactor/nexus/logging"
)

// RuntimeOption configures a Runtime at construction time, the same
// functional-options shape the teacher uses for VoltronOption.
type RuntimeOption func(rt *Runtime)

// WithWorkerCount overrides the default worker-loop count (spec.md §4.1:
// "defaults to one worker in client-only mode, to 2x available-CPUs in
// server mode").
func WithWorkerCount(n int) RuntimeOption {
	return func(rt *Runtime) { rt.workerCount = n }
}

// WithClientOnly marks the runtime as never accepting inbound connections,
// selecting the single-worker default.
func WithClientOnly() RuntimeOption {
	return func(rt *Runtime) { rt.clientOnly = true }
}

// WithLogging initializes the package-level logger from cfg before Start
// runs. Safe to omit; without it Start leaves the package-level logger as
// it is, which is a no-op logger unless logging.Init was called elsewhere.
func WithLogging(cfg logging.Config) RuntimeOption {
	return func(rt *Runtime) { rt.loggingCfg = &cfg }
}

func defaultWorkerCount(clientOnly bool) int {
	if clientOnly {
		return 1
	}
	n := runtime.NumCPU() * 2
	if n < 1 {
		n = 1
	}
	return n
}
