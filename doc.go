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

/*
Package kq implements an event notification engine in the style of BSD
kqueue: callers register interest in state changes of heterogeneous event
sources (descriptors, timers, signals, process exits and user events) and
retrieve, in bulk, the registrations that became ready.

An Engine owns a table of queues and the index of event sources they watch.
Each Queue holds knotes keyed by (ident, filter), a FIFO of ready knotes and
the waiters blocked on it. Sources report readiness with Engine.Notify, or
Engine.Post from contexts that must not contend on locks, and report their
own disappearance with Engine.Revoke.

A minimal program waiting on a one-shot timer:

	package main

	import (
		"context"
		"log"
		"time"

		"github.com/kqcore/kq"
	)

	func main() {
		e, err := kq.New()
		if err != nil {
			log.Fatal(err)
		}
		defer e.Close()

		q, _ := e.CreateQueue()
		_ = q.Register(kq.Event{Ident: 1, Filter: kq.FilterTimer, Flags: kq.FlagAdd | kq.FlagOneshot, Data: 100})

		events := make([]kq.Event, 8)
		n, err := q.Wait(context.Background(), events, time.Second)
		log.Println(n, err, events[:n])
	}

Delivery semantics follow kqueue: plain knotes are level-triggered and stay
ready while their source does, FlagClear knotes are edge-triggered,
FlagOneshot knotes are deleted after one delivery and FlagDispatch knotes are
disabled after each delivery. What happens to readiness reported while a knote
is disabled is decided per filter, see DisabledPolicy.

kq supports Unix-like systems only.
*/
package kq
