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
	"time"

	"go.uber.org/atomic"

	errorx "github.com/kqcore/kq/pkg/errors"
)

// The timer filter fires after Data units, milliseconds unless Fflags selects
// another unit, and keeps firing with that period unless the knote is
// FlagOneshot. With NoteAbsTime, Data is a deadline since the Unix epoch and
// the timer fires once. Delivered Data is the number of expirations since the
// previous delivery; timers are always FlagClear.
//
// Timers latch while disabled: expirations keep counting and are delivered
// on enable. Re-adding an existing timer re-arms it with the new parameters,
// relative to now or absolute, and discards pending expirations.

const timerUnits = NoteSeconds | NoteMSeconds | NoteUSeconds | NoteNSeconds

type timerHook struct {
	t       *time.Timer
	seq     uint64
	stopped atomic.Bool
}

func (h *timerHook) stop() {
	h.stopped.Store(true)
	h.t.Stop()
}

type timerFilter struct {
	e *Engine
}

// timerSpec converts registration parameters into the first expiry and the
// period, which is zero for timers firing once.
func timerSpec(data int64, fflags uint32, oneshot bool) (first, period time.Duration, err error) {
	if fflags&^(timerUnits|NoteAbsTime) != 0 || data < 0 {
		return 0, 0, fmt.Errorf("%w: timer fflags %#x data %d", errorx.ErrInvalidArgument, fflags, data)
	}
	var unit time.Duration
	switch fflags & timerUnits {
	case 0, NoteMSeconds:
		unit = time.Millisecond
	case NoteSeconds:
		unit = time.Second
	case NoteUSeconds:
		unit = time.Microsecond
	case NoteNSeconds:
		unit = time.Nanosecond
	default:
		return 0, 0, fmt.Errorf("%w: timer units %#x", errorx.ErrInvalidArgument, fflags&timerUnits)
	}
	if fflags&NoteAbsTime != 0 {
		at := time.Unix(0, 0).Add(time.Duration(data) * unit)
		return time.Until(at), 0, nil
	}
	first = time.Duration(data) * unit
	if !oneshot {
		if first <= 0 {
			return 0, 0, fmt.Errorf("%w: periodic timer needs a positive period", errorx.ErrInvalidArgument)
		}
		period = first
	}
	return
}

func (f *timerFilter) arm(kn *Knote, first, period time.Duration) {
	src := kn.source
	h := &timerHook{seq: f.e.nextUID()}
	h.t = time.AfterFunc(time.Hour, func() {
		if h.stopped.Load() {
			return
		}
		// Test drops the expiry if the knote was re-armed meanwhile.
		f.e.Notify(src, Hint{Kind: HintTimer, Data: 1, Seq: h.seq})
		if period > 0 && !h.stopped.Load() {
			h.t.Reset(period)
		}
	})
	// The callback reads h.t, so it must be set before the timer can fire.
	h.t.Reset(first)
	kn.Hook = h
}

func (f *timerFilter) Attach(kn *Knote) error {
	first, period, err := timerSpec(kn.SData, kn.SFflags, kn.Flags&FlagOneshot != 0)
	if err != nil {
		return err
	}
	f.arm(kn, first, period)
	return nil
}

func (f *timerFilter) Detach(kn *Knote) error {
	if h, ok := kn.Hook.(*timerHook); ok {
		h.stop()
		kn.Hook = nil
	}
	return nil
}

func (f *timerFilter) Touch(kn *Knote, ev *Event) error {
	if ev.Flags&FlagAdd == 0 {
		return nil
	}
	first, period, err := timerSpec(ev.Data, ev.Fflags, ev.Flags&FlagOneshot != 0)
	if err != nil {
		return err
	}
	_ = f.Detach(kn)
	kn.SData, kn.SFflags = ev.Data, ev.Fflags
	kn.Data = 0
	kn.status &^= statusLatched
	f.arm(kn, first, period)
	return nil
}

func (f *timerFilter) Test(kn *Knote, hint Hint) bool {
	switch hint.Kind {
	case HintTimer:
		if h, ok := kn.Hook.(*timerHook); !ok || h.seq != hint.Seq {
			return false
		}
		if hint.Data < 1 {
			hint.Data = 1
		}
		kn.Data += hint.Data
		return true
	case HintRecheck:
		return kn.Data > 0
	}
	return false
}
