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

// Package queue delivers a lock-free multi-producer multi-consumer FIFO based on
// the algorithm presented by Maged M. Michael and Michael L. Scott in 1996:
// https://dl.acm.org/doi/10.1145/248052.248106
//
// Producers are source drivers posting readiness hints from arbitrary goroutines,
// the consumer is the engine's drain task, so neither side may block.
package queue

import "sync/atomic"

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// LockFree is a non-blocking concurrent queue. The zero value is not usable,
// create one with New.
type LockFree[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	length atomic.Int32
}

// New instantiates an empty LockFree queue.
func New[T any]() *LockFree[T] {
	q := new(LockFree[T])
	n := new(node[T])
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

// Enqueue puts v at the tail of the queue.
func (q *LockFree[T]) Enqueue(v T) {
	n := &node[T]{value: v}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.length.Add(1)
				return
			}
		} else {
			// tail is falling behind, try to swing it.
			q.tail.CompareAndSwap(tail, next)
		}
	}
}

// Dequeue removes and returns the value at the head of the queue,
// ok is false if the queue is empty.
func (q *LockFree[T]) Dequeue() (v T, ok bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return v, false
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		// Read value before CAS, otherwise another dequeue might recycle the next node.
		v = next.value
		if q.head.CompareAndSwap(head, next) {
			q.length.Add(-1)
			return v, true
		}
	}
}

// IsEmpty indicates whether this queue is empty or not.
func (q *LockFree[T]) IsEmpty() bool {
	return q.length.Load() == 0
}

// Len returns the approximate number of queued values.
func (q *LockFree[T]) Len() int {
	return int(q.length.Load())
}
