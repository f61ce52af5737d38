// Copyright (c) 2024 The Kq Authors. All rights reserved.
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

package kq

// Filter is the contract between the core and one kind of event source.
//
// The core calls every method with the owning queue locked and, for Attach
// and Detach, the engine's source index locked too, so implementations must
// not call back into the engine synchronously. Sources report readiness
// later through Engine.Notify, Engine.Post or Engine.Revoke.
type Filter interface {
	// Attach validates kn.Ident and links kn into the source. It returns an
	// error wrapping ErrNotFound if the source does not exist and
	// ErrInvalidArgument for malformed parameters.
	Attach(kn *Knote) error
	// Detach unlinks kn from the source. It must be a no-op if the source is
	// already gone.
	Detach(kn *Knote) error
	// Test decides whether hint makes kn ready, updating Data and Fflags.
	Test(kn *Knote, hint Hint) bool
	// Touch applies a re-registration of an existing key. It must validate
	// before it mutates kn: on error kn is left as it was.
	Touch(kn *Knote, ev *Event) error
}

// DisabledPolicy decides what happens to a hint reaching a disabled knote.
type DisabledPolicy uint8

const (
	// PolicyLatch tests the hint and, if it makes the knote ready, delivers
	// it as soon as the knote is enabled again.
	PolicyLatch DisabledPolicy = iota
	// PolicyDrop ignores the hint; only what the filter still observes on
	// re-enable is delivered.
	PolicyDrop
)

func (p DisabledPolicy) String() string {
	if p == PolicyDrop {
		return "drop"
	}
	return "latch"
}

type filterEntry struct {
	ops    Filter
	policy DisabledPolicy
	// implied behaviour bits that survive every re-registration.
	implied Flags
}

// filterTable dispatches on the closed set of filter kinds.
type filterTable [filterMax]filterEntry

func (t *filterTable) entry(k FilterKind) *filterEntry {
	return &t[k]
}
