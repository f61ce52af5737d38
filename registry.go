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

import "sort"

const nilSlot int32 = -1

type slot struct {
	kn  *Knote
	gen uint32
}

// registry is the per-queue arena of knotes. Knotes are addressed by slot and
// generation; releasing a knote bumps the generation of its slot so any stale
// reference to it resolves to nothing.
type registry struct {
	slots []slot
	free  []int32
	keys  map[regKey]int32
}

func newRegistry() registry {
	return registry{keys: make(map[regKey]int32)}
}

func (r *registry) len() int {
	return len(r.keys)
}

func (r *registry) lookup(k regKey) *Knote {
	if i, ok := r.keys[k]; ok {
		return r.slots[i].kn
	}
	return nil
}

func (r *registry) get(i int32, gen uint32) *Knote {
	if i < 0 || int(i) >= len(r.slots) {
		return nil
	}
	if s := r.slots[i]; s.kn != nil && s.gen == gen {
		return s.kn
	}
	return nil
}

func (r *registry) insert(kn *Knote) {
	var i int32
	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		i = int32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	r.slots[i].kn = kn
	kn.slot, kn.gen = i, r.slots[i].gen
	kn.prev, kn.next = nilSlot, nilSlot
	r.keys[kn.key()] = i
}

func (r *registry) remove(kn *Knote) {
	i := kn.slot
	if r.get(i, kn.gen) != kn {
		return
	}
	delete(r.keys, kn.key())
	r.slots[i].kn = nil
	r.slots[i].gen++
	r.free = append(r.free, i)
}

// each visits the live knotes ordered by filter then ident.
func (r *registry) each(fn func(kn *Knote)) {
	kns := make([]*Knote, 0, len(r.keys))
	for _, i := range r.keys {
		kns = append(kns, r.slots[i].kn)
	}
	sort.Slice(kns, func(a, b int) bool {
		if kns[a].Filter != kns[b].Filter {
			return kns[a].Filter < kns[b].Filter
		}
		return kns[a].Ident < kns[b].Ident
	})
	for _, kn := range kns {
		fn(kn)
	}
}

func (r *registry) reset() {
	*r = newRegistry()
}

// readyQueue is an intrusive FIFO of knotes threaded through the registry slots.
type readyQueue struct {
	head, tail int32
	n          int
}

func newReadyQueue() readyQueue {
	return readyQueue{head: nilSlot, tail: nilSlot}
}

func (q *readyQueue) len() int {
	return q.n
}

func (q *readyQueue) push(r *registry, kn *Knote) {
	kn.prev, kn.next = q.tail, nilSlot
	if q.tail == nilSlot {
		q.head = kn.slot
	} else {
		r.slots[q.tail].kn.next = kn.slot
	}
	q.tail = kn.slot
	kn.status |= statusQueued
	q.n++
}

func (q *readyQueue) pop(r *registry) *Knote {
	if q.head == nilSlot {
		return nil
	}
	kn := r.slots[q.head].kn
	q.remove(r, kn)
	return kn
}

func (q *readyQueue) remove(r *registry, kn *Knote) {
	if kn.status&statusQueued == 0 {
		return
	}
	if kn.prev == nilSlot {
		q.head = kn.next
	} else {
		r.slots[kn.prev].kn.next = kn.next
	}
	if kn.next == nilSlot {
		q.tail = kn.prev
	} else {
		r.slots[kn.next].kn.prev = kn.prev
	}
	kn.prev, kn.next = nilSlot, nilSlot
	kn.status &^= statusQueued
	q.n--
}

// each visits the queued knotes in delivery order.
func (q *readyQueue) each(r *registry, fn func(kn *Knote)) {
	for i := q.head; i != nilSlot; i = r.slots[i].kn.next {
		fn(r.slots[i].kn)
	}
}
