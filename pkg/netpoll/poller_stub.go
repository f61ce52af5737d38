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

//go:build !linux && !darwin && !dragonfly && !freebsd

package netpoll

import errorx "github.com/kqcore/kq/pkg/errors"

// Poller is unavailable on this platform.
type Poller struct{}

// OpenPoller always fails with errors.ErrUnsupportedOp on this platform.
func OpenPoller() (*Poller, error) {
	return nil, errorx.ErrUnsupportedOp
}

// Close is a no-op.
func (*Poller) Close() error { return nil }

// Shutdown is a no-op.
func (*Poller) Shutdown() error { return nil }

// Control always fails with errors.ErrUnsupportedOp.
func (*Poller) Control(int, IOEvent) error { return errorx.ErrUnsupportedOp }

// Polling always fails with errors.ErrUnsupportedOp.
func (*Poller) Polling(Callback) error { return errorx.ErrUnsupportedOp }

// Readable always fails with errors.ErrUnsupportedOp.
func Readable(int) (int, error) { return 0, errorx.ErrUnsupportedOp }
