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
	"unsafe"

	syscall "golang.org/x/sys/unix"
)

// sharedMemSegment is a fixed size named mapping shared by processes.
// absolute addresses differ per process, so everything reachable from other
// processes is addressed by byte offsets from the mapping base. a small name
// table at offset 0 lets peers locate typed objects by string key:
//
//	magic 4 | entry count 4 | alloc cursor 4 | reserve 4 | entries...
//
// each entry is {name 32 | offset 4 | size 4}. allocations bump the cursor
// and are 8-byte aligned.
type sharedMemSegment struct {
	name string
	path string
	mem  []byte
}

// createSharedMemSegment atomically creates the named segment, it fails if the
// name already exists. the whole mapping is zeroed up front to force the pages
// into physical memory.
func createSharedMemSegment(dir, name string, size uint32) (*sharedMemSegment, error) {
	path := filepath.Join(dir, name)
	_ = os.MkdirAll(filepath.Dir(path), os.ModePerm)

	if !canCreateOnDevShm(uint64(size), path) {
		return nil, fmt.Errorf("%w: path:%s, size:%d", ErrShareMemoryHadNotLeftSpace, path, size)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSegmentCreateFailed, err.Error())
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: truncate failed, %s", ErrSegmentCreateFailed, err.Error())
	}

	mem, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: mmap failed, %s", ErrSegmentCreateFailed, err.Error())
	}
	for i := 0; i < len(mem); i++ {
		mem[i] = 0
	}

	seg := &sharedMemSegment{name: name, path: path, mem: mem}
	seg.initTable()
	return seg, nil
}

// openSharedMemSegment maps an existing segment, it fails if the name doesn't exist.
func openSharedMemSegment(dir, name string) (*sharedMemSegment, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, os.ModePerm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSegmentOpenFailed, err.Error())
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat failed, %s", ErrSegmentOpenFailed, err.Error())
	}
	if fi.Size() < int64(segmentTableSize) {
		return nil, fmt.Errorf("%w: segment too small, size:%d", ErrSegmentOpenFailed, fi.Size())
	}

	mem, err := syscall.Mmap(int(f.Fd()), 0, int(fi.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap failed, %s", ErrSegmentOpenFailed, err.Error())
	}
	return &sharedMemSegment{name: name, path: path, mem: mem}, nil
}

func removeSharedMemSegment(dir, name string) {
	path := filepath.Join(dir, name)
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			internalLogger.warnf("segment remove file:%s failed, error=%s", path, err.Error())
		}
		return
	}
	internalLogger.infof("segment removed file:%s", path)
}

func (s *sharedMemSegment) unmap() {
	if s.mem == nil {
		return
	}
	if err := syscall.Munmap(s.mem); err != nil {
		internalLogger.warnf("segment %s unmap error:%s", s.name, err.Error())
	}
	s.mem = nil
}

func (s *sharedMemSegment) size() uint32 {
	return uint32(len(s.mem))
}

// ptrAt converts a segment offset to an address valid in this process only.
// the result must never outlive the critical section it was produced in.
func (s *sharedMemSegment) ptrAt(offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&s.mem[offset])
}

// offsetOf converts an address inside the mapping back to a segment offset.
func (s *sharedMemSegment) offsetOf(ptr unsafe.Pointer) uint32 {
	return uint32(uintptr(ptr) - uintptr(unsafe.Pointer(&s.mem[0])))
}

func (s *sharedMemSegment) initTable() {
	*(*uint32)(unsafe.Pointer(&s.mem[segmentEntryCountOffset])) = 0
	*(*uint32)(unsafe.Pointer(&s.mem[segmentAllocCursorOffset])) = segmentTableSize
	// magic last, an opener that sees it may trust the rest of the table
	*(*uint32)(unsafe.Pointer(&s.mem[segmentMagicOffset])) = segmentMagic
}

func (s *sharedMemSegment) checkMagic() bool {
	return len(s.mem) >= segmentTableSize &&
		*(*uint32)(unsafe.Pointer(&s.mem[segmentMagicOffset])) == segmentMagic
}

// allocate reserves size bytes of anonymous 8-aligned space and returns its offset.
func (s *sharedMemSegment) allocate(size uint32) (uint32, error) {
	cursor := (*uint32)(unsafe.Pointer(&s.mem[segmentAllocCursorOffset]))
	offset := alignUp(*cursor, 8)
	if uint64(offset)+uint64(size) > uint64(len(s.mem)) {
		return 0, errSegmentExhausted
	}
	*cursor = offset + size
	return offset, nil
}

// construct allocates space for a typed object and records it in the name table.
func (s *sharedMemSegment) construct(name string, size uint32) (uint32, error) {
	if len(name) >= segmentEntryNameLen {
		return 0, fmt.Errorf("segment entry name %q too long", name)
	}
	count := (*uint32)(unsafe.Pointer(&s.mem[segmentEntryCountOffset]))
	if *count >= maxSegmentEntries {
		return 0, errSegmentTableFull
	}
	offset, err := s.allocate(size)
	if err != nil {
		return 0, err
	}
	entry := s.mem[segmentHeaderSize+*count*segmentEntrySize:]
	copy(entry[:segmentEntryNameLen], name)
	*(*uint32)(unsafe.Pointer(&entry[segmentEntryNameLen])) = offset
	*(*uint32)(unsafe.Pointer(&entry[segmentEntryNameLen+4])) = size
	*count++
	return offset, nil
}

// find returns the offset of a named object, errSegmentEntryNotFound when the
// name is absent or the table is not trustworthy.
func (s *sharedMemSegment) find(name string) (uint32, error) {
	if !s.checkMagic() {
		return 0, errSegmentEntryNotFound
	}
	count := *(*uint32)(unsafe.Pointer(&s.mem[segmentEntryCountOffset]))
	if count > maxSegmentEntries {
		return 0, errSegmentEntryNotFound
	}
	for i := uint32(0); i < count; i++ {
		entry := s.mem[segmentHeaderSize+i*segmentEntrySize:]
		if entryName(entry[:segmentEntryNameLen]) != name {
			continue
		}
		offset := *(*uint32)(unsafe.Pointer(&entry[segmentEntryNameLen]))
		size := *(*uint32)(unsafe.Pointer(&entry[segmentEntryNameLen+4]))
		if uint64(offset)+uint64(size) > uint64(len(s.mem)) {
			return 0, errSegmentEntryNotFound
		}
		return offset, nil
	}
	return 0, errSegmentEntryNotFound
}

func entryName(b []byte) string {
	for i := range b {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
