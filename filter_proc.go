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
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	errorx "github.com/kqcore/kq/pkg/errors"
)

// The proc filter reports the exit of process Ident when Fflags has
// NoteExit, which is also what zero Fflags mean. The exit event carries
// FlagEOF, the exit status in Data, and deletes the knote once delivered.
//
// Exits are latched while the knote is disabled. They come from the engine's
// process watcher, which only sees that a pid is gone and reports status 0,
// or from whoever reaps the process and knows its status, through
// Engine.Notify(ProcSource(pid), Hint{Kind: HintExit, Data: status}).

type procFilter struct {
	e *Engine
}

func (f *procFilter) Attach(kn *Knote) error {
	if kn.Ident == 0 || kn.Ident > math.MaxInt32 {
		return fmt.Errorf("%w: pid %d", errorx.ErrInvalidArgument, kn.Ident)
	}
	if kn.SFflags == 0 {
		kn.SFflags = NoteExit
	}
	if kn.SFflags&^NoteExit != 0 {
		return fmt.Errorf("%w: proc fflags %#x", errorx.ErrInvalidArgument, kn.SFflags)
	}
	pid := int(kn.Ident)
	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
	case unix.ESRCH:
		return fmt.Errorf("%w: pid %d", errorx.ErrNotFound, pid)
	default:
		return os.NewSyscallError("kill", err)
	}
	f.e.procs.watch(pid)
	return nil
}

func (f *procFilter) Detach(kn *Knote) error {
	f.e.procs.unwatch(int(kn.Ident))
	return nil
}

func (f *procFilter) Touch(kn *Knote, ev *Event) error {
	if ev.Flags&FlagAdd == 0 {
		return nil
	}
	fflags := ev.Fflags
	if fflags == 0 {
		fflags = NoteExit
	}
	if fflags&^NoteExit != 0 {
		return fmt.Errorf("%w: proc fflags %#x", errorx.ErrInvalidArgument, ev.Fflags)
	}
	kn.SFflags = fflags
	return nil
}

func (f *procFilter) Test(kn *Knote, hint Hint) bool {
	if hint.Kind != HintExit || kn.SFflags&NoteExit == 0 {
		return false
	}
	kn.Data = hint.Data
	kn.Fflags |= NoteExit
	kn.Flags |= FlagEOF
	return true
}

// procWatcher probes watched pids with kill(pid, 0) and reports the ones that
// disappeared. A pid is reported once, then forgotten until watched again.
type procWatcher struct {
	e        *Engine
	interval time.Duration

	mu      sync.Mutex
	pids    map[int]int
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func newProcWatcher(e *Engine, interval time.Duration) *procWatcher {
	return &procWatcher{e: e, interval: interval, pids: make(map[int]int), done: make(chan struct{})}
}

func (w *procWatcher) watch(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pids[pid]++
	if w.running || w.interval < 0 {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}
	w.running = true
	w.wg.Add(1)
	go w.run()
}

func (w *procWatcher) unwatch(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n, ok := w.pids[pid]; ok {
		if n <= 1 {
			delete(w.pids, pid)
		} else {
			w.pids[pid] = n - 1
		}
	}
}

func (w *procWatcher) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, pid := range w.scan() {
				if err := w.e.Post(ProcSource(pid), Hint{Kind: HintExit}); err != nil {
					return
				}
			}
		case <-w.done:
			return
		}
	}
}

// scan returns the watched pids that no longer exist and forgets them.
func (w *procWatcher) scan() (gone []int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for pid := range w.pids {
		if unix.Kill(pid, 0) == unix.ESRCH {
			gone = append(gone, pid)
			delete(w.pids, pid)
		}
	}
	return
}

func (w *procWatcher) stop() {
	w.mu.Lock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
