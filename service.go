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

// Service is an external collaborator the runtime starts and stops as part
// of its own lifecycle — typically a protocol listener plus whatever
// bootstrap it needs (spec.md §1 "services"), grounded on the teacher's
// Service interface.
type Service interface {
	// Name identifies the service in logs.
	Name() string
	// Init runs once, before Run, with the Runtime available for
	// AddListener/NextWorkerLoop/ScheduleTimer calls.
	Init(rt *Runtime) error
	// Run starts the service's listeners/clients. Errors are logged; they do
	// not prevent other services from starting (spec.md §4.1 "Failure
	// semantics").
	Run(rt *Runtime) error
	// Shutdown releases whatever Run acquired.
	Shutdown(rt *Runtime) error
}

// ServiceFunc adapts three bare functions to the Service interface, the way
// the teacher's ServiceFunc adapts a single function.
type ServiceFunc struct {
	ServiceName string
	InitFunc    func(rt *Runtime) error
	RunFunc     func(rt *Runtime) error
	StopFunc    func(rt *Runtime) error
}

func (f ServiceFunc) Name() string { return f.ServiceName }

func (f ServiceFunc) Init(rt *Runtime) error {
	if f.InitFunc == nil {
		return nil
	}
	return f.InitFunc(rt)
}

func (f ServiceFunc) Run(rt *Runtime) error {
	if f.RunFunc == nil {
		return nil
	}
	return f.RunFunc(rt)
}

func (f ServiceFunc) Shutdown(rt *Runtime) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(rt)
}
