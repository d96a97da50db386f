//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

/*
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shmport

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	syscall "golang.org/x/sys/unix"
)

// futex operations on words living inside a MAP_SHARED mapping.
// FUTEX_PRIVATE_FLAG must NOT be used here, the waiters are in other processes.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// futexWait suspends until the value at addr differs from val, a wake arrives,
// or timeout elapses. timeout <= 0 means wait forever. Spurious returns are
// possible, the caller always re-checks its condition.
func futexWait(addr *uint32, val uint32, timeout int64) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var tsPtr *syscall.Timespec
	if timeout > 0 {
		ts := syscall.NsecToTimespec(timeout)
		tsPtr = &ts
	}

	_, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(tsPtr)),
		0,
		0,
	)

	switch errno {
	case 0, syscall.EAGAIN, syscall.EINTR:
		return nil
	case syscall.ETIMEDOUT:
		return errFutexTimeout
	}
	return fmt.Errorf("futex wait failed: %w", errno)
}

// futexWake wakes up to n waiters blocked on addr and returns how many woke.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := syscall.Syscall6(
		syscall.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
