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

//go:build linux || darwin || dragonfly || freebsd

package netpoll_test

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kqcore/kq/pkg/errors"
	"github.com/kqcore/kq/pkg/netpoll"
)

func Example() {
	poller, err := netpoll.OpenPoller()
	if err != nil {
		panic(fmt.Sprintf("Error opening poller: %v", err))
	}

	defer poller.Close() //nolint:errcheck

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		panic(fmt.Sprintf("Error creating pipe: %v", err))
	}
	defer unix.Close(fds[0]) //nolint:errcheck
	defer unix.Close(fds[1]) //nolint:errcheck

	if err := poller.Control(fds[0], netpoll.EventRead); err != nil {
		panic(fmt.Sprintf("Error watching descriptor: %v", err))
	}
	if _, err := unix.Write(fds[1], []byte("hello")); err != nil {
		panic(fmt.Sprintf("Error writing: %v", err))
	}

	err = poller.Polling(func(fd int, ev netpoll.IOEvent) error {
		n, _ := netpoll.Readable(fd)
		fmt.Printf("%v: %d bytes\n", ev, n)
		return errors.ErrEngineClosed
	})
	fmt.Println(err)

	// Output:
	// READ: 5 bytes
	// kq: engine is closed
}
