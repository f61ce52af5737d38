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

import (
	"strconv"
	"strings"
)

// FilterKind selects which filter governs a knote.
type FilterKind int16

const (
	// FilterRead watches a descriptor for readable data.
	FilterRead FilterKind = iota + 1
	// FilterWrite watches a descriptor for writable space.
	FilterWrite
	// FilterTimer fires after a period, periodically unless FlagOneshot is set.
	FilterTimer
	// FilterSignal counts deliveries of a signal to the process.
	FilterSignal
	// FilterProc watches a process for its exit.
	FilterProc
	// FilterUser is triggered by the caller itself.
	FilterUser

	filterMax
)

var filterNames = [...]string{
	FilterRead:   "READ",
	FilterWrite:  "WRITE",
	FilterTimer:  "TIMER",
	FilterSignal: "SIGNAL",
	FilterProc:   "PROC",
	FilterUser:   "USER",
}

func (k FilterKind) valid() bool {
	return k > 0 && k < filterMax
}

func (k FilterKind) String() string {
	if k.valid() {
		return filterNames[k]
	}
	return "FILTER(" + strconv.Itoa(int(k)) + ")"
}

// Flags are the action and behaviour bits of a registration, and the status
// bits of a delivered event.
type Flags uint16

const (
	// FlagAdd registers a knote, or updates it when the key already exists.
	FlagAdd Flags = 1 << iota
	// FlagDelete removes a knote regardless of the other flags.
	FlagDelete
	// FlagEnable permits delivery.
	FlagEnable
	// FlagDisable suppresses delivery without removing the knote.
	FlagDisable
	// FlagOneshot deletes the knote after its first delivery.
	FlagOneshot
	// FlagClear resets the knote state after delivery (edge-triggered).
	FlagClear
	// FlagDispatch disables the knote after each delivery.
	FlagDispatch
	// FlagEOF is set on delivery when the source reached end of stream.
	FlagEOF
	// FlagError is set on delivery when the source failed; Data holds the code.
	FlagError
)

const (
	behaviourFlags = FlagOneshot | FlagClear | FlagDispatch
	statusFlags    = FlagEOF | FlagError
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagAdd, "ADD"},
	{FlagDelete, "DELETE"},
	{FlagEnable, "ENABLE"},
	{FlagDisable, "DISABLE"},
	{FlagOneshot, "ONESHOT"},
	{FlagClear, "CLEAR"},
	{FlagDispatch, "DISPATCH"},
	{FlagEOF, "EOF"},
	{FlagError, "ERROR"},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
			f &^= fn.f
		}
	}
	if f != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(f), 16))
	}
	return strings.Join(parts, "|")
}

// Filter flags (Event.Fflags).
const (
	// NoteLowat makes Data of a read or write registration a low-water mark.
	NoteLowat uint32 = 0x0001

	// NoteSeconds, NoteMSeconds, NoteUSeconds and NoteNSeconds select the unit of
	// a timer's Data, milliseconds by default.
	NoteSeconds  uint32 = 0x0001
	NoteMSeconds uint32 = 0x0002
	NoteUSeconds uint32 = 0x0004
	NoteNSeconds uint32 = 0x0008
	// NoteAbsTime makes a timer's Data an absolute deadline since the Unix epoch.
	NoteAbsTime uint32 = 0x0010

	// NoteExit reports the exit of a watched process.
	NoteExit uint32 = 0x80000000

	// NoteTrigger triggers a user knote.
	NoteTrigger uint32 = 0x01000000
	// NoteFFNop, NoteFFAnd, NoteFFOr and NoteFFCopy control how the low 24 bits
	// of a user registration's Fflags are merged into the stored word.
	NoteFFNop      uint32 = 0x00000000
	NoteFFAnd      uint32 = 0x40000000
	NoteFFOr       uint32 = 0x80000000
	NoteFFCopy     uint32 = 0xc0000000
	NoteFFCtrlMask uint32 = 0xc0000000
	NoteFFlagsMask uint32 = 0x00ffffff
)

// Event describes a change to apply with Queue.Register, or an event delivered
// by Queue.Wait.
type Event struct {
	// Ident is the source specific handle: descriptor, pid, signal number,
	// timer or user id.
	Ident uint64
	// Filter selects the filter governing the knote.
	Filter FilterKind
	// Flags carries actions and behaviour on registration, behaviour and
	// status bits on delivery.
	Flags Flags
	// Fflags and Data are filter specific.
	Fflags uint32
	Data   int64
	// Udata is round-tripped to the caller untouched.
	Udata interface{}
}

type status uint8

const (
	statusDisabled status = 1 << iota
	statusQueued
	// Test succeeded while disabled, deliver on enable.
	statusLatched
	// Delete after the next delivery.
	statusDoomed
	// Detach already ran.
	statusDetached
	// The source was revoked, the knote only waits for its error delivery.
	statusRevoked
)

// Knote is a single registered interest. Filters receive knotes from the core
// and may update Data, Fflags, the EOF and ONESHOT bits of Flags and their own
// SData, SFflags, HookID and Hook fields; everything else belongs to the core.
// A knote is only ever handed to a filter while its queue is locked.
type Knote struct {
	Ident  uint64
	Filter FilterKind
	Flags  Flags
	Fflags uint32
	Data   int64
	Udata  interface{}

	// SFflags and SData hold the registration parameters.
	SFflags uint32
	SData   int64
	// HookID is a filter private word reset together with Data and Fflags
	// when a FlagClear knote is delivered.
	HookID int64
	// Hook is a filter private handle, never touched by the core.
	Hook interface{}

	owner  Handle
	uid    uint64
	source Source
	status status

	slot       int32
	gen        uint32
	prev, next int32
}

// Queue returns the handle of the queue owning kn.
func (kn *Knote) Queue() Handle {
	return kn.owner
}

// Source returns the identity of the event source kn is indexed under.
func (kn *Knote) Source() Source {
	return kn.source
}

// Enabled tells whether kn may currently be delivered.
func (kn *Knote) Enabled() bool {
	return kn.status&statusDisabled == 0
}

func (kn *Knote) event() Event {
	return Event{
		Ident:  kn.Ident,
		Filter: kn.Filter,
		Flags:  kn.Flags,
		Fflags: kn.Fflags,
		Data:   kn.Data,
		Udata:  kn.Udata,
	}
}

// clear resets the latched condition of an edge-triggered knote.
func (kn *Knote) clear() {
	kn.Data, kn.Fflags, kn.HookID = 0, 0, 0
	kn.status &^= statusLatched
}

type regKey struct {
	ident  uint64
	filter FilterKind
}

func (kn *Knote) key() regKey {
	return regKey{kn.Ident, kn.Filter}
}
