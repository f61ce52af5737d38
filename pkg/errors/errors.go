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

// Package errors defines common errors for kq.
//
// Operations wrap these values with call-specific detail, so callers
// should compare with errors.Is rather than ==.
package errors

import "errors"

var (
	// ErrInvalidArgument occurs when a filter kind, a flag combination, a filter
	// parameter or a buffer size is malformed.
	ErrInvalidArgument = errors.New("kq: invalid argument")
	// ErrNotFound occurs when a registration targets a source that does not exist,
	// or when a deletion targets a key that is not registered.
	ErrNotFound = errors.New("kq: no such knote or event source")
	// ErrResourceExhausted occurs when a queue cannot hold any more knotes.
	ErrResourceExhausted = errors.New("kq: knote limit reached")
	// ErrInterrupted occurs when a blocking wait is cancelled before any event
	// became ready or the timeout elapsed. It is safe to retry.
	ErrInterrupted = errors.New("kq: wait interrupted")
	// ErrQueueClosed occurs when operating on a queue that has been closed.
	ErrQueueClosed = errors.New("kq: queue is closed")
	// ErrEngineClosed occurs when operating on an engine that has been closed.
	ErrEngineClosed = errors.New("kq: engine is closed")
	// ErrEngineInShutdown occurs when attempting to close the engine more than once.
	ErrEngineInShutdown = errors.New("kq: engine is already in shutdown")
	// ErrNilFilter occurs when trying to install a nil filter implementation.
	ErrNilFilter = errors.New("kq: nil filter is not allowed")
	// ErrUnsupportedOp occurs when calling methods that are not supported on the current platform.
	ErrUnsupportedOp = errors.New("kq: unsupported operation")
)
