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
	"math/rand"
	"os"
	"runtime"
	"strings"
	"time"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/shirou/gopsutil/v3/disk"
)

// asyncNotify is used to signal a waiting goroutine
func asyncNotify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	if err != nil {
		return os.IsExist(err)
	}
	return true
}

// In Linux OS, there is a limitation which is the capacity of the tmpfs (which usually on the directory /dev/shm).
// if we do mmap on /dev/shm/xxx and the free memory of the tmpfs is not enough, mmap have no any error.
// but when program is running, it maybe crashed due to the bus error.
func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS == "linux" && strings.Contains(path, "/dev/shm") {
		stat, err := disk.Usage("/dev/shm")
		if err != nil {
			internalLogger.warnf("could read /dev/shm free size, canCreateOnDevShm default return true")
			return true
		}
		return stat.Free >= size
	}
	return true
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// descriptorSlice allocates a descriptor snapshot without zeroing, every
// element is overwritten by the caller.
func descriptorSlice(n int) []BufferDescriptor {
	if n == 0 {
		return nil
	}
	size := n * int(unsafe.Sizeof(BufferDescriptor{}))
	buf := dirtmake.Bytes(size, size)
	return unsafe.Slice((*BufferDescriptor)(unsafe.Pointer(&buf[0])), n)
}

// generateNodeUUID stamps a fresh port node so a same-named reincarnation of
// a port is distinguishable from the segment it replaced.
func generateNodeUUID(out []byte) {
	r := rand.Uint64()
	for i := 0; i < len(out) && i < 8; i++ {
		out[i] = byte(r >> (8 * i))
	}
}
