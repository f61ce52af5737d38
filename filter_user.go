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
	"fmt"

	errorx "github.com/kqcore/kq/pkg/errors"
)

// The user filter is triggered by the caller, either by registering the key
// again with NoteTrigger or through Engine.Notify(UserSource(h, id),
// Hint{Kind: HintTrigger}). The low 24 bits of Fflags are a word merged on
// every registration according to the NoteFF control bits; it is delivered
// in Fflags along with the registered Data.
//
// A triggered user knote stays ready until it is delivered with FlagClear.
// Triggers are latched while disabled.

type userFilter struct{}

func (userFilter) Attach(kn *Knote) error {
	if kn.SFflags&^(NoteFFlagsMask|NoteFFCtrlMask|NoteTrigger) != 0 {
		return fmt.Errorf("%w: user fflags %#x", errorx.ErrInvalidArgument, kn.SFflags)
	}
	if kn.SFflags&NoteTrigger != 0 {
		kn.HookID = 1
	}
	kn.SFflags &= NoteFFlagsMask
	return nil
}

func (userFilter) Detach(*Knote) error {
	return nil
}

func (userFilter) Touch(kn *Knote, ev *Event) error {
	if ev.Fflags&^(NoteFFlagsMask|NoteFFCtrlMask|NoteTrigger) != 0 {
		return fmt.Errorf("%w: user fflags %#x", errorx.ErrInvalidArgument, ev.Fflags)
	}
	word := ev.Fflags & NoteFFlagsMask
	switch ev.Fflags & NoteFFCtrlMask {
	case NoteFFAnd:
		kn.SFflags &= word
	case NoteFFOr:
		kn.SFflags |= word
	case NoteFFCopy:
		kn.SFflags = word
	}
	if ev.Fflags&NoteTrigger != 0 {
		kn.HookID = 1
	}
	kn.SData = ev.Data
	return nil
}

func (userFilter) Test(kn *Knote, hint Hint) bool {
	switch hint.Kind {
	case HintTrigger:
		kn.HookID = 1
		kn.SFflags |= hint.Fflags & NoteFFlagsMask
	case HintRecheck:
	default:
		return false
	}
	if kn.HookID == 0 {
		return false
	}
	kn.Fflags = kn.SFflags
	kn.Data = kn.SData
	return true
}
