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
	"time"

	"github.com/kqcore/kq/pkg/logging"
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	return opts
}

// FilterSpec installs a filter implementation for one kind.
type FilterSpec struct {
	Filter Filter
	Policy DisabledPolicy
}

// Options are configurations for the engine.
type Options struct {
	// Logger is the customized logger for logging info, if it is not set,
	// then kq will use the default logger powered by go.uber.org/zap.
	Logger logging.Logger

	// RestartOnInterrupt makes a blocked Wait resume waiting when its queue is
	// interrupted instead of returning ErrInterrupted. Context cancellation
	// always ends the wait.
	RestartOnInterrupt bool

	// MaxKnotes caps the number of knotes one queue may hold, 0 means unlimited.
	MaxKnotes int

	// Poller starts the netpoll driver, which reports descriptor readiness
	// for read and write knotes by itself. Without it the owner of a
	// descriptor reports readiness with Engine.Notify.
	Poller bool

	// ProcPollInterval is how often watched processes are probed for their
	// exit, 0 means DefaultProcPollInterval and a negative value disables probing.
	ProcPollInterval time.Duration

	// WorkerPoolSize is the capacity of the pool draining posted hints,
	// 0 means the default of pkg/pool/goroutine.
	WorkerPoolSize int

	// Filters replaces the built-in implementation of some filter kinds.
	Filters map[FilterKind]FilterSpec
}

// DefaultProcPollInterval is the default probing period of the process watcher.
const DefaultProcPollInterval = 100 * time.Millisecond

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithRestartOnInterrupt sets up the restart behaviour of interrupted waits.
func WithRestartOnInterrupt(restart bool) Option {
	return func(opts *Options) {
		opts.RestartOnInterrupt = restart
	}
}

// WithMaxKnotes sets up the per-queue knote limit.
func WithMaxKnotes(n int) Option {
	return func(opts *Options) {
		opts.MaxKnotes = n
	}
}

// WithPoller sets up the netpoll driver.
func WithPoller(enable bool) Option {
	return func(opts *Options) {
		opts.Poller = enable
	}
}

// WithProcPollInterval sets up the probing period of the process watcher.
func WithProcPollInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.ProcPollInterval = d
	}
}

// WithWorkerPoolSize sets up the capacity of the worker pool.
func WithWorkerPoolSize(n int) Option {
	return func(opts *Options) {
		opts.WorkerPoolSize = n
	}
}

// WithFilter replaces the implementation of kind.
func WithFilter(kind FilterKind, f Filter, policy DisabledPolicy) Option {
	return func(opts *Options) {
		if opts.Filters == nil {
			opts.Filters = make(map[FilterKind]FilterSpec)
		}
		opts.Filters[kind] = FilterSpec{Filter: f, Policy: policy}
	}
}
