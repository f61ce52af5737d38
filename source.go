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

import "fmt"

// Handle identifies a queue within its engine. Handles are never reused.
type Handle uint32

// SourceClass tells what kind of event source a Source names.
type SourceClass uint8

const (
	// SourceFD is a file descriptor, shared by read and write knotes.
	SourceFD SourceClass = iota + 1
	// SourceTimer is a timer private to one knote.
	SourceTimer
	// SourceSignal is a signal number.
	SourceSignal
	// SourceProc is a process id.
	SourceProc
	// SourceUser is a user event private to one queue.
	SourceUser
)

// Source is the identity under which knotes watching an event source are
// indexed. Engine-wide sources leave Queue zero, so one notification reaches
// the knotes of every queue watching them.
type Source struct {
	Class SourceClass
	Queue Handle
	Ident uint64
}

func (s Source) String() string {
	switch s.Class {
	case SourceFD:
		return fmt.Sprintf("fd:%d", s.Ident)
	case SourceTimer:
		return fmt.Sprintf("timer:%d/%d", s.Queue, s.Ident)
	case SourceSignal:
		return fmt.Sprintf("signal:%d", s.Ident)
	case SourceProc:
		return fmt.Sprintf("proc:%d", s.Ident)
	case SourceUser:
		return fmt.Sprintf("user:%d/%d", s.Queue, s.Ident)
	}
	return fmt.Sprintf("source(%d):%d/%d", s.Class, s.Queue, s.Ident)
}

// FDSource names the descriptor fd.
func FDSource(fd int) Source {
	return Source{Class: SourceFD, Ident: uint64(fd)}
}

// SignalSource names the signal sig.
func SignalSource(sig int) Source {
	return Source{Class: SourceSignal, Ident: uint64(sig)}
}

// ProcSource names the process pid.
func ProcSource(pid int) Source {
	return Source{Class: SourceProc, Ident: uint64(pid)}
}

// UserSource names the user event id of queue h.
func UserSource(h Handle, id uint64) Source {
	return Source{Class: SourceUser, Queue: h, Ident: id}
}

// sourceOf derives the index key of kn. Timers are keyed by the knote's unique
// id so a stale expiry can never reach a knote re-created under the same ident.
func sourceOf(kn *Knote) Source {
	switch kn.Filter {
	case FilterRead, FilterWrite:
		return Source{Class: SourceFD, Ident: kn.Ident}
	case FilterTimer:
		return Source{Class: SourceTimer, Queue: kn.owner, Ident: kn.uid}
	case FilterSignal:
		return Source{Class: SourceSignal, Ident: kn.Ident}
	case FilterProc:
		return Source{Class: SourceProc, Ident: kn.Ident}
	default:
		return Source{Class: SourceUser, Queue: kn.owner, Ident: kn.Ident}
	}
}

// HintKind tells a filter what a source observed.
type HintKind uint8

const (
	// HintRecheck asks the filter to re-evaluate the knote against the current
	// state of its source. The core sends it after attach, on enable, after a
	// touch and after delivering a level-triggered knote.
	HintRecheck HintKind = iota
	// HintReadable reports Data bytes available for reading.
	HintReadable
	// HintWritable reports Data bytes of free space for writing.
	HintWritable
	// HintEOF reports the end of stream, Fflags may carry an error code.
	HintEOF
	// HintTimer reports Data timer expirations.
	HintTimer
	// HintSignal reports Data deliveries of a signal.
	HintSignal
	// HintExit reports the exit of a process with status Data. A knote
	// accepting it is deleted after its next delivery.
	HintExit
	// HintTrigger triggers a user event.
	HintTrigger
)

// Hint is the opaque readiness report a source hands to the engine.
type Hint struct {
	Kind   HintKind
	Data   int64
	Fflags uint32
	// Seq lets a source tell its reports apart from those of an earlier
	// incarnation; filters that do not care ignore it.
	Seq    uint64
}
