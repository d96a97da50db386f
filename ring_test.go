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
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestRing(t *testing.T, capacity uint32) *ringBuffer {
	t.Helper()
	seg, err := createSharedMemSegment(t.TempDir(), "ring_seg", segmentTableSize+capacity*cellSize+ringNodeSize+64)
	assert.Equal(t, nil, err)
	t.Cleanup(seg.unmap)

	cellsOffset, err := seg.allocate(capacity * cellSize)
	assert.Equal(t, nil, err)
	nodeOffset, err := seg.allocate(ringNodeSize)
	assert.Equal(t, nil, err)
	initRingNode(seg, nodeOffset, capacity)
	return mappingRingBuffer(seg, nodeOffset, cellsOffset)
}

func testDescriptor(b byte, offset uint64) BufferDescriptor {
	var id SegmentID
	for i := range id {
		id[i] = b
	}
	return BufferDescriptor{SourceSegmentID: id, BufferNodeOffset: offset}
}

func TestRingPushPopRoundTrip(t *testing.T) {
	ring := newTestRing(t, 4)
	listener := ring.registerListener()

	desc := testDescriptor(0xab, 0x100)
	active, err := ring.push(desc)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, active)
	assert.Equal(t, false, ring.isBufferEmpty())

	head := listener.head()
	assert.Equal(t, false, head == nil)
	assert.Equal(t, desc, head.descriptor())

	freed, err := listener.pop()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, freed)
	assert.Equal(t, true, ring.isBufferEmpty())
	assert.Equal(t, true, listener.head() == nil)
}

func TestRingNoListenersRecyclesCells(t *testing.T) {
	ring := newTestRing(t, 2)

	// with no listener registered every push succeeds, the cells are written
	// with zero pending reads and recycle on the next lap
	for i := 0; i < 5; i++ {
		active, err := ring.push(testDescriptor(byte(i), uint64(i)))
		assert.Equal(t, nil, err)
		assert.Equal(t, false, active)
	}
	assert.Equal(t, true, ring.isBufferEmpty())
}

func TestRingFull(t *testing.T) {
	ring := newTestRing(t, 2)
	ring.registerListener()

	for i := 0; i < 2; i++ {
		_, err := ring.push(testDescriptor(byte(i), uint64(i)))
		assert.Equal(t, nil, err)
	}
	_, err := ring.push(testDescriptor(9, 9))
	assert.Equal(t, ErrRingFull, err)
}

func TestRingListenerSeesOnlyDescriptorsAfterRegistration(t *testing.T) {
	ring := newTestRing(t, 8)
	first := ring.registerListener()

	_, err := ring.push(testDescriptor(1, 1))
	assert.Equal(t, nil, err)

	late := ring.registerListener()
	assert.Equal(t, true, late.head() == nil)

	_, err = ring.push(testDescriptor(2, 2))
	assert.Equal(t, nil, err)

	// the late listener observes only the second push
	assert.Equal(t, testDescriptor(2, 2), late.head().descriptor())

	// the first observes both, in push order
	assert.Equal(t, testDescriptor(1, 1), first.head().descriptor())
	freed, err := first.pop()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, freed) // late never owed cell 1
	assert.Equal(t, testDescriptor(2, 2), first.head().descriptor())
}

func TestRingCellFreedOnlyWhenAllListenersPopped(t *testing.T) {
	ring := newTestRing(t, 4)
	l1 := ring.registerListener()
	l2 := ring.registerListener()

	_, err := ring.push(testDescriptor(7, 7))
	assert.Equal(t, nil, err)

	freed, err := l1.pop()
	assert.Equal(t, nil, err)
	assert.Equal(t, false, freed)
	assert.Equal(t, false, ring.isBufferEmpty())

	freed, err = l2.pop()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, freed)
	assert.Equal(t, true, ring.isBufferEmpty())
}

func TestRingPopEmpty(t *testing.T) {
	ring := newTestRing(t, 4)
	listener := ring.registerListener()
	_, err := listener.pop()
	assert.Equal(t, ErrRingEmpty, err)
}

func TestRingCopySnapshotsInPushOrder(t *testing.T) {
	ring := newTestRing(t, 4)
	listener := ring.registerListener()

	for i := 1; i <= 3; i++ {
		_, err := ring.push(testDescriptor(byte(i), uint64(i)))
		assert.Equal(t, nil, err)
	}
	// consume one so the snapshot starts mid-ring
	_, err := listener.pop()
	assert.Equal(t, nil, err)

	snapshot := ring.copy()
	assert.Equal(t, 2, len(snapshot))
	assert.Equal(t, testDescriptor(2, 2), snapshot[0])
	assert.Equal(t, testDescriptor(3, 3), snapshot[1])
}

func TestRingWrapAround(t *testing.T) {
	ring := newTestRing(t, 2)
	listener := ring.registerListener()

	for lap := 0; lap < 10; lap++ {
		_, err := ring.push(testDescriptor(byte(lap), uint64(lap)))
		assert.Equal(t, nil, err)
		desc := listener.head().descriptor()
		assert.Equal(t, testDescriptor(byte(lap), uint64(lap)), desc)
		_, err = listener.pop()
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, true, ring.isBufferEmpty())
}

func TestRingUnregisterLeavesPendingCells(t *testing.T) {
	ring := newTestRing(t, 2)
	l1 := ring.registerListener()
	l2 := ring.registerListener()

	_, err := ring.push(testDescriptor(1, 1))
	assert.Equal(t, nil, err)

	// l2 leaves without popping: its owed read is never decremented
	ring.unregisterListener()
	freed, err := l1.pop()
	assert.Equal(t, nil, err)
	assert.Equal(t, false, freed)
	assert.Equal(t, false, ring.isBufferEmpty())
	_ = l2
}
