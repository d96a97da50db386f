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
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/shirou/gopsutil/v3/process"
	syscall "golang.org/x/sys/unix"
)

// ipcMutex is a process shared mutex over one futex word inside a segment.
// word states: mutexUnlocked, mutexLocked, mutexContended.
type ipcMutex struct {
	word *uint32
}

func (m *ipcMutex) lock() {
	if atomic.CompareAndSwapUint32(m.word, mutexUnlocked, mutexLocked) {
		return
	}
	for {
		if atomic.LoadUint32(m.word) == mutexContended ||
			atomic.CompareAndSwapUint32(m.word, mutexLocked, mutexContended) {
			_ = futexWait(m.word, mutexContended, -1)
		}
		if atomic.CompareAndSwapUint32(m.word, mutexUnlocked, mutexContended) {
			return
		}
	}
}

// timedLock reports whether the mutex was acquired before timeout elapsed.
// the watchdog and healthy check use it, a peer may die while holding the lock.
func (m *ipcMutex) timedLock(timeout time.Duration) bool {
	if atomic.CompareAndSwapUint32(m.word, mutexUnlocked, mutexLocked) {
		return true
	}
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadUint32(m.word) == mutexContended ||
			atomic.CompareAndSwapUint32(m.word, mutexLocked, mutexContended) {
			remain := time.Until(deadline)
			if remain <= 0 {
				return false
			}
			_ = futexWait(m.word, mutexContended, remain.Nanoseconds())
		}
		if atomic.CompareAndSwapUint32(m.word, mutexUnlocked, mutexContended) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
	}
}

func (m *ipcMutex) unlock() {
	if atomic.AddUint32(m.word, ^uint32(0)) != mutexUnlocked {
		atomic.StoreUint32(m.word, mutexUnlocked)
		_, _ = futexWake(m.word, 1)
	}
}

// ipcCond is a process shared condition variable bound to an ipcMutex.
// waiters sleep on a sequence word; every notify bumps the sequence.
// spurious wakeups happen, every waiter loops on its predicate.
type ipcCond struct {
	seq *uint32
	mu  *ipcMutex
}

// timedWait releases the mutex, sleeps until a notify or the timeout, then
// reacquires the mutex. reports false when the sleep ended by timeout.
func (c *ipcCond) timedWait(timeout time.Duration) bool {
	seq := atomic.LoadUint32(c.seq)
	c.mu.unlock()
	err := futexWait(c.seq, seq, timeout.Nanoseconds())
	c.mu.lock()
	return err == nil
}

func (c *ipcCond) notifyOne() {
	atomic.AddUint32(c.seq, 1)
	_, _ = futexWake(c.seq, 1)
}

func (c *ipcCond) broadcast() {
	atomic.AddUint32(c.seq, 1)
	_, _ = futexWake(c.seq, 1<<30)
}

// namedMutex is the cross process lock held across a whole port open/create.
// it is one mmap'd word in its own file, holding the owner's pid (0 when free).
// if the recorded owner died the lock is stolen, a crashed opener must not
// wedge every later open of the same port.
type namedMutex struct {
	path string
	mem  []byte
	word *uint32
}

// openOrCreateAndLockNamedMutex returns a locked guard. the caller owns the
// critical section even when the mutex file had to be created first.
func openOrCreateAndLockNamedMutex(dir, name string) (*namedMutex, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("open named mutex %s failed:%w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(namedMutexFileSize); err != nil {
		return nil, fmt.Errorf("truncate named mutex %s failed:%w", path, err)
	}
	mem, err := syscall.Mmap(int(f.Fd()), 0, namedMutexFileSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap named mutex %s failed:%w", path, err)
	}
	nm := &namedMutex{
		path: path,
		mem:  mem,
		word: (*uint32)(unsafe.Pointer(&mem[0])),
	}
	nm.lock()
	return nm, nil
}

func (nm *namedMutex) lock() {
	self := uint32(os.Getpid())
	for {
		if atomic.CompareAndSwapUint32(nm.word, 0, self) {
			return
		}
		owner := atomic.LoadUint32(nm.word)
		if owner == 0 {
			continue
		}
		if alive, err := process.PidExists(int32(owner)); err == nil && !alive {
			if atomic.CompareAndSwapUint32(nm.word, owner, self) {
				internalLogger.warnf("named mutex %s stolen from dead process %d", nm.path, owner)
				return
			}
			continue
		}
		_ = futexWait(nm.word, owner, (50 * time.Millisecond).Nanoseconds())
	}
}

// unlock releases the lock and the guard's mapping. the guard is single use.
func (nm *namedMutex) unlock() {
	atomic.StoreUint32(nm.word, 0)
	_, _ = futexWake(nm.word, 1)
	if err := syscall.Munmap(nm.mem); err != nil {
		internalLogger.warnf("named mutex %s unmap error:%s", nm.path, err.Error())
	}
	nm.mem = nil
	nm.word = nil
}

func removeNamedMutex(dir, name string) {
	path := filepath.Join(dir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		internalLogger.warnf("remove named mutex %s failed, error=%s", path, err.Error())
	}
}
