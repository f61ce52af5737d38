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

import "sync"

// knoteRef addresses a knote by queue handle and arena slot, never by pointer.
type knoteRef struct {
	queue Handle
	slot  int32
	gen   uint32
}

func refOf(kn *Knote) knoteRef {
	return knoteRef{kn.owner, kn.slot, kn.gen}
}

// sourceIndex maps every source to the knotes watching it, across all queues
// of an engine. Its lock is always acquired before any queue lock.
type sourceIndex struct {
	mu sync.RWMutex
	m  map[Source][]knoteRef
}

func newSourceIndex() *sourceIndex {
	return &sourceIndex{m: make(map[Source][]knoteRef)}
}

// link and unlink require mu held for writing.
func (x *sourceIndex) link(src Source, ref knoteRef) {
	x.m[src] = append(x.m[src], ref)
}

func (x *sourceIndex) unlink(src Source, ref knoteRef) {
	refs := x.m[src]
	for i := range refs {
		if refs[i] == ref {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(x.m, src)
		return
	}
	x.m[src] = refs
}

// lookup requires mu held. The returned slice must not outlive the lock.
func (x *sourceIndex) lookup(src Source) []knoteRef {
	return x.m[src]
}

func (x *sourceIndex) watchers(src Source) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.m[src])
}
