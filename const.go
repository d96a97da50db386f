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
	"time"
)

const (
	// segmentMagic marks a segment whose name table was fully initialized.
	// a mapping without it is stale or still under construction.
	segmentMagic uint32 = 0x74505348 // "HSPt"

	// magic 4 | entry count 4 | alloc cursor 4 | reserve 4
	segmentHeaderSize = 16
	// name 32 | offset 4 | size 4
	segmentEntrySize    = 40
	segmentEntryNameLen = 32
	maxSegmentEntries   = 4
	segmentTableSize    = segmentHeaderSize + maxSegmentEntries*segmentEntrySize

	segmentMagicOffset       = 0
	segmentEntryCountOffset  = 4
	segmentAllocCursorOffset = 8
)

const (
	// long names for SHM files could cause problems on some platforms
	maxDomainNameLength = 16

	portNodeName       = "port_node"
	portSegmentPattern = "%s_port%d"
	portMutexSuffix    = "_mutex"

	listenersStatusSize = 1024

	// listeners_status entry packing: is_waiting:1 | counter:3 | last_verified_counter:3 | pad:1
	statusWaitingBit      = 0x01
	statusCounterShift    = 1
	statusCounterMask     = 0x07
	statusLastVerShift    = 4
	statusLastVerMask     = 0x07
	statusCounterModulo   = 8
	statusWaitingBitClear = ^byte(statusWaitingBit)
)

// portNode layout. the node is shared cross process, every field lives at a fixed
// byte offset from the node base and 8-byte fields are 8-aligned.
const (
	portNodeUUIDOffset           = 0  // 8 byte
	portNodePortIDOffset         = 8  // uint32
	portNodeMutexOffset          = 12 // uint32 futex word
	portNodeCondSeqOffset        = 16 // uint32 futex word
	portNodeRefCounterOffset     = 20 // uint32, atomic
	portNodeBufferOffset         = 24 // uint64, offset of the cell array
	portNodeBufferNodeOffset     = 32 // uint64, offset of the ring node
	portNodeWaitingCountOffset   = 40 // uint32
	portNodeNumListenersOffset   = 44 // uint32
	portNodeLastCheckTimeOffset  = 48 // int64 unix ms, atomic
	portNodeHealthyTimeoutOffset = 56 // uint32 ms
	portNodeWaitTimeoutOffset    = 60 // uint32 ms
	portNodeMaxDescriptorsOffset = 64 // uint32
	portNodeIsOKOffset           = 68 // uint8
	portNodeReadExclusiveOffset  = 69 // uint8
	portNodeForReadingOffset     = 70 // uint8
	portNodeDomainNameOffset     = 72 // maxDomainNameLength+1 byte, null terminated
	portNodeListenersStatus      = 96 // listenersStatusSize byte
	portNodeSize                 = portNodeListenersStatus + listenersStatusSize
)

// ring node layout
const (
	ringNodeWriteSeqOffset  = 0 // uint64, sequence of the next cell to write
	ringNodeListenersOffset = 8 // uint32, currently registered listeners
	ringNodeCapacityOffset  = 12
	ringNodeSize            = 16
)

// ring cell layout
const (
	cellSegmentIDOffset  = 0  // 16 byte payload segment id
	cellNodeOffsetOffset = 16 // uint64 offset of the payload node in its segment
	cellSequenceOffset   = 24 // uint64 stamp assigned at push
	cellEnqueuedOffset   = 32 // uint32 pending listener reads
	cellSize             = 40
)

const (
	// SegmentIDLength is the byte length of a payload segment identifier.
	SegmentIDLength = 16

	defaultSegmentDirectory = "/dev/shm"

	defaultMaxBufferDescriptors   = 512
	defaultHealthyCheckTimeout    = 5000 * time.Millisecond
	defaultWatchdogInterval       = time.Second
	healthyCheckTimeoutMultiplier = 3

	// extra slack so the name table and alignment padding always fit
	portSegmentExtraSize = 512

	namedMutexFileSize = 8
)

// futex words in shared memory, drepper style three state mutex.
const (
	mutexUnlocked  uint32 = 0
	mutexLocked    uint32 = 1
	mutexContended uint32 = 2
)
