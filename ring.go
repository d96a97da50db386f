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
	"sort"
	"unsafe"
)

// SegmentID names a payload segment globally, 16 byte.
type SegmentID [SegmentIDLength]byte

// BufferDescriptor is the port's unit of transport: a reference to a payload
// buffer owned elsewhere. the port never dereferences it.
type BufferDescriptor struct {
	//SourceSegmentID is the global name of the segment holding the payload.
	SourceSegmentID SegmentID
	//BufferNodeOffset locates the payload's reference-counted node inside that segment.
	BufferNodeOffset uint64
}

// ringBuffer is a bounded multi producer / multi consumer ring of descriptor
// cells cooperating with per listener read cursors. a cell stays occupied
// until every listener registered at push time has popped it.
//
// every operation here runs under the port's ipcMutex, held by the caller.
type ringBuffer struct {
	segment *sharedMemSegment
	// shared bookkeeping node
	writeSeq            *uint64
	registeredListeners *uint32
	cap                 *uint32
	// cell array region
	cells       []byte
	cellsOffset uint32
}

// ringCell is a view over one cell's bytes, valid within one critical section.
type ringCell []byte

func (c ringCell) descriptor() BufferDescriptor {
	var desc BufferDescriptor
	copy(desc.SourceSegmentID[:], c[cellSegmentIDOffset:cellSegmentIDOffset+SegmentIDLength])
	desc.BufferNodeOffset = *(*uint64)(unsafe.Pointer(&c[cellNodeOffsetOffset]))
	return desc
}

func (c ringCell) setDescriptor(desc BufferDescriptor) {
	copy(c[cellSegmentIDOffset:cellSegmentIDOffset+SegmentIDLength], desc.SourceSegmentID[:])
	*(*uint64)(unsafe.Pointer(&c[cellNodeOffsetOffset])) = desc.BufferNodeOffset
}

func (c ringCell) sequence() uint64 {
	return *(*uint64)(unsafe.Pointer(&c[cellSequenceOffset]))
}

func (c ringCell) setSequence(seq uint64) {
	*(*uint64)(unsafe.Pointer(&c[cellSequenceOffset])) = seq
}

func (c ringCell) enqueuedCount() uint32 {
	return *(*uint32)(unsafe.Pointer(&c[cellEnqueuedOffset]))
}

func (c ringCell) setEnqueuedCount(n uint32) {
	*(*uint32)(unsafe.Pointer(&c[cellEnqueuedOffset])) = n
}

// initRingNode writes the shared bookkeeping node of a freshly created ring.
func initRingNode(segment *sharedMemSegment, nodeOffset, capacity uint32) {
	*(*uint64)(segment.ptrAt(nodeOffset + ringNodeWriteSeqOffset)) = 0
	*(*uint32)(segment.ptrAt(nodeOffset + ringNodeListenersOffset)) = 0
	*(*uint32)(segment.ptrAt(nodeOffset + ringNodeCapacityOffset)) = capacity
}

// mappingRingBuffer builds the process local view over an existing ring.
func mappingRingBuffer(segment *sharedMemSegment, nodeOffset, cellsOffset uint32) *ringBuffer {
	r := &ringBuffer{
		segment:             segment,
		writeSeq:            (*uint64)(segment.ptrAt(nodeOffset + ringNodeWriteSeqOffset)),
		registeredListeners: (*uint32)(segment.ptrAt(nodeOffset + ringNodeListenersOffset)),
		cap:                 (*uint32)(segment.ptrAt(nodeOffset + ringNodeCapacityOffset)),
		cellsOffset:         cellsOffset,
	}
	r.cells = segment.mem[cellsOffset : cellsOffset+*r.cap*cellSize]
	return r
}

func (r *ringBuffer) capacity() uint32 {
	return *r.cap
}

func (r *ringBuffer) cellAt(idx uint32) ringCell {
	start := idx * cellSize
	return ringCell(r.cells[start : start+cellSize])
}

func (r *ringBuffer) cellForSeq(seq uint64) ringCell {
	return r.cellAt(uint32(seq % uint64(*r.cap)))
}

// push enqueues a descriptor for every currently registered listener.
// returns false when no listener is registered, the cell is then written with
// enqueuedCount 0 and recycles on the next lap. ErrRingFull when the cell at
// the write cursor is still owed reads.
func (r *ringBuffer) push(desc BufferDescriptor) (listenersActive bool, err error) {
	seq := *r.writeSeq
	cell := r.cellForSeq(seq)
	if cell.enqueuedCount() > 0 {
		return false, ErrRingFull
	}
	cell.setDescriptor(desc)
	cell.setSequence(seq)
	cell.setEnqueuedCount(*r.registeredListeners)
	*r.writeSeq = seq + 1
	return *r.registeredListeners > 0, nil
}

// Listener is a registered reader with its own cursor into the ring.
// it observes only descriptors pushed after its registration.
type Listener struct {
	ring    *ringBuffer
	readSeq uint64
}

func (r *ringBuffer) registerListener() *Listener {
	*r.registeredListeners++
	return &Listener{ring: r, readSeq: *r.writeSeq}
}

// unregisterListener drops one listener from the push time accounting.
// cells that already counted this listener in keep their enqueuedCount, they
// free only when every other listener pops them. with no other listener the
// ring stalls until the port dies. known behavior, deregistration is rare and
// ports are short lived relative to descriptors.
func (r *ringBuffer) unregisterListener() {
	*r.registeredListeners--
}

// head returns the cell at the listener's cursor, nil when nothing is pending.
func (l *Listener) head() ringCell {
	r := l.ring
	if l.readSeq >= *r.writeSeq {
		return nil
	}
	cell := r.cellForSeq(l.readSeq)
	if cell.sequence() != l.readSeq || cell.enqueuedCount() == 0 {
		return nil
	}
	return cell
}

// pop consumes the head cell, reporting whether this was the last owed read
// and the cell is free again.
func (l *Listener) pop() (cellFreed bool, err error) {
	cell := l.head()
	if cell == nil {
		return false, ErrRingEmpty
	}
	remaining := cell.enqueuedCount() - 1
	cell.setEnqueuedCount(remaining)
	l.readSeq++
	return remaining == 0, nil
}

// isBufferEmpty reports whether no cell is owed any read.
func (r *ringBuffer) isBufferEmpty() bool {
	for i := uint32(0); i < *r.cap; i++ {
		if r.cellAt(i).enqueuedCount() > 0 {
			return false
		}
	}
	return true
}

// copy snapshots all currently enqueued descriptors in push order. the
// watchdog hands the snapshot to the failure handler on port death so the
// upstream owner can release the payloads.
func (r *ringBuffer) copy() []BufferDescriptor {
	type seqDesc struct {
		seq  uint64
		desc BufferDescriptor
	}
	pending := make([]seqDesc, 0, *r.cap)
	for i := uint32(0); i < *r.cap; i++ {
		cell := r.cellAt(i)
		if cell.enqueuedCount() == 0 {
			continue
		}
		pending = append(pending, seqDesc{seq: cell.sequence(), desc: cell.descriptor()})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	out := descriptorSlice(len(pending))
	for i := range pending {
		out[i] = pending[i].desc
	}
	return out
}
