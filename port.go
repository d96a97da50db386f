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
	"sync"
	"sync/atomic"
	"time"
)

// OpenMode defines open sharing mode of a shared-memory port:
//
// ReadShared (multiple listeners / multiple writers): once a port is opened
// ReadShared it cannot be opened ReadExclusive.
//
// ReadExclusive (one listener / multiple writers): once a port is opened
// ReadExclusive it cannot be opened for reading again.
//
// Write (multiple writers): a port can always be opened for writing.
type OpenMode uint8

const (
	// OpenModeReadShared opens the port for reading alongside other readers.
	OpenModeReadShared OpenMode = iota
	// OpenModeReadExclusive opens the port as its only reader.
	OpenModeReadExclusive
	// OpenModeWrite opens the port for writing only.
	OpenModeWrite
)

func (m OpenMode) String() string {
	switch m {
	case OpenModeReadShared:
		return "ReadShared"
	case OpenModeReadExclusive:
		return "ReadExclusive"
	case OpenModeWrite:
		return "Write"
	}
	return ""
}

// portNode is the process local view over the header object every port
// segment holds under the name "port_node". all fields except refCounter and
// lastCheckTimeMs are guarded by the node's ipcMutex.
type portNode struct {
	segment *sharedMemSegment
	offset  uint32

	uuid                  []byte
	portID                *uint32
	mutexWord             *uint32
	condSeq               *uint32
	refCounter            *uint32
	bufferOffset          *uint64
	bufferNodeOffset      *uint64
	waitingCount          *uint32
	numListeners          *uint32
	lastCheckTimeMs       *int64
	healthyCheckTimeoutMs *uint32
	portWaitTimeoutMs     *uint32
	maxBufferDescriptors  *uint32
	isPortOK              *uint8
	isOpenedReadExclusive *uint8
	isOpenedForReading    *uint8
	domainName            []byte
	listenersStatus       []byte
}

func mappingPortNode(segment *sharedMemSegment, offset uint32) *portNode {
	mem := segment.mem
	return &portNode{
		segment:               segment,
		offset:                offset,
		uuid:                  mem[offset+portNodeUUIDOffset : offset+portNodeUUIDOffset+8],
		portID:                (*uint32)(segment.ptrAt(offset + portNodePortIDOffset)),
		mutexWord:             (*uint32)(segment.ptrAt(offset + portNodeMutexOffset)),
		condSeq:               (*uint32)(segment.ptrAt(offset + portNodeCondSeqOffset)),
		refCounter:            (*uint32)(segment.ptrAt(offset + portNodeRefCounterOffset)),
		bufferOffset:          (*uint64)(segment.ptrAt(offset + portNodeBufferOffset)),
		bufferNodeOffset:      (*uint64)(segment.ptrAt(offset + portNodeBufferNodeOffset)),
		waitingCount:          (*uint32)(segment.ptrAt(offset + portNodeWaitingCountOffset)),
		numListeners:          (*uint32)(segment.ptrAt(offset + portNodeNumListenersOffset)),
		lastCheckTimeMs:       (*int64)(segment.ptrAt(offset + portNodeLastCheckTimeOffset)),
		healthyCheckTimeoutMs: (*uint32)(segment.ptrAt(offset + portNodeHealthyTimeoutOffset)),
		portWaitTimeoutMs:     (*uint32)(segment.ptrAt(offset + portNodeWaitTimeoutOffset)),
		maxBufferDescriptors:  (*uint32)(segment.ptrAt(offset + portNodeMaxDescriptorsOffset)),
		isPortOK:              (*uint8)(segment.ptrAt(offset + portNodeIsOKOffset)),
		isOpenedReadExclusive: (*uint8)(segment.ptrAt(offset + portNodeReadExclusiveOffset)),
		isOpenedForReading:    (*uint8)(segment.ptrAt(offset + portNodeForReadingOffset)),
		domainName:            mem[offset+portNodeDomainNameOffset : offset+portNodeDomainNameOffset+maxDomainNameLength+1],
		listenersStatus:       mem[offset+portNodeListenersStatus : offset+portNodeListenersStatus+listenersStatusSize],
	}
}

// initPortNode constructs "port_node" in a fresh segment and stamps its fields.
func initPortNode(segment *sharedMemSegment, portID, maxDescriptors, healthyCheckTimeoutMs uint32,
	mode OpenMode, domainName string) (*portNode, error) {
	offset, err := segment.construct(portNodeName, portNodeSize)
	if err != nil {
		return nil, err
	}
	node := mappingPortNode(segment, offset)
	generateNodeUUID(node.uuid)
	*node.portID = portID
	*node.mutexWord = mutexUnlocked
	*node.condSeq = 0
	*node.refCounter = 0
	*node.waitingCount = 0
	*node.numListeners = 0
	atomic.StoreInt64(node.lastCheckTimeMs, nowMs())
	*node.healthyCheckTimeoutMs = healthyCheckTimeoutMs
	*node.portWaitTimeoutMs = healthyCheckTimeoutMs / healthyCheckTimeoutMultiplier
	*node.maxBufferDescriptors = maxDescriptors
	*node.isPortOK = 1
	if mode == OpenModeReadExclusive {
		*node.isOpenedReadExclusive = 1
	}
	if mode != OpenModeWrite {
		*node.isOpenedForReading = 1
	}
	copy(node.domainName[:maxDomainNameLength], domainName)
	node.domainName[maxDomainNameLength] = 0
	return node, nil
}

func (n *portNode) domain() string {
	return entryName(n.domainName)
}

func (n *portNode) listenerStatus(i uint32) (waiting bool, counter, lastVerified byte) {
	b := n.listenersStatus[i]
	return b&statusWaitingBit != 0,
		(b >> statusCounterShift) & statusCounterMask,
		(b >> statusLastVerShift) & statusLastVerMask
}

func (n *portNode) setListenerWaiting(i uint32, waiting bool) {
	if waiting {
		n.listenersStatus[i] |= statusWaitingBit
	} else {
		n.listenersStatus[i] &= statusWaitingBitClear
	}
}

// bumpListenerCounter advertises liveness: counter = last_verified + 1 mod 8.
// the counters only need to differ between two adjacent watchdog sweeps.
func (n *portNode) bumpListenerCounter(i uint32) {
	b := n.listenersStatus[i]
	lastVerified := (b >> statusLastVerShift) & statusLastVerMask
	counter := (lastVerified + 1) % statusCounterModulo
	b &^= statusCounterMask << statusCounterShift
	b |= counter << statusCounterShift
	n.listenersStatus[i] = b
}

// verifyListenerCounter records the watchdog's sweep: last_verified = counter.
func (n *portNode) verifyListenerCounter(i uint32) {
	b := n.listenersStatus[i]
	counter := (b >> statusCounterShift) & statusCounterMask
	b &^= statusLastVerMask << statusLastVerShift
	b |= counter << statusLastVerShift
	n.listenersStatus[i] = b
}

// checkStatusAllListeners reports whether every waiting listener advanced its
// counter since the last watchdog sweep.
func (n *portNode) checkStatusAllListeners() bool {
	num := *n.numListeners
	if num > listenersStatusSize {
		num = listenersStatusSize
	}
	for i := uint32(0); i < num; i++ {
		waiting, counter, lastVerified := n.listenerStatus(i)
		if waiting && counter == lastVerified {
			return false
		}
	}
	return true
}

// Port is a communication channel where buffer descriptors can be written and
// read. a port has a port id and a global name derived from the port id and
// the domain; system processes open a port by knowing its name.
type Port struct {
	segment *sharedMemSegment
	node    *portNode
	ring    *ringBuffer
	mu      ipcMutex
	cond    ipcCond
	wd      *watchdog
	config  *Config

	overflowsCount uint64
	pushCount      uint64
	popCount       uint64
	wakeupCount    uint64

	closeOnce sync.Once
}

func newPort(segment *sharedMemSegment, node *portNode, wd *watchdog, config *Config) *Port {
	p := &Port{
		segment: segment,
		node:    node,
		ring:    mappingRingBuffer(segment, uint32(*node.bufferNodeOffset), uint32(*node.bufferOffset)),
		wd:      wd,
		config:  config,
	}
	p.mu = ipcMutex{word: node.mutexWord}
	p.cond = ipcCond{seq: node.condSeq, mu: &p.mu}

	atomic.AddUint32(node.refCounter, 1)
	wd.addPort(&portContext{segment: segment, node: node, ring: p.ring})
	return p
}

// IsOK reports whether the port is still operative.
func (p *Port) IsOK() bool {
	return *p.node.isPortOK == 1
}

// PortID returns the numeric identifier the port was opened with.
func (p *Port) PortID() uint32 {
	return *p.node.portID
}

// OpenMode returns the widest mode the port has been opened with so far.
func (p *Port) OpenMode() OpenMode {
	if *p.node.isOpenedForReading == 1 {
		if *p.node.isOpenedReadExclusive == 1 {
			return OpenModeReadExclusive
		}
		return OpenModeReadShared
	}
	return OpenModeWrite
}

// HealthyCheckTimeoutMs returns the configured health timeout in milliseconds.
func (p *Port) HealthyCheckTimeoutMs() uint32 {
	return *p.node.healthyCheckTimeoutMs
}

// MaxBufferDescriptors returns the ring capacity.
func (p *Port) MaxBufferDescriptors() uint32 {
	return *p.node.maxBufferDescriptors
}

// TryPush tries to enqueue a buffer descriptor in the port.
// pushed is false when the ring is full, the overflow is counted and no waiter
// is woken. listenersActive is false when no listener was registered at push
// time, the caller should treat the push as a no-op and release the payload.
func (p *Port) TryPush(desc BufferDescriptor) (pushed bool, listenersActive bool, err error) {
	p.mu.lock()

	if *p.node.isPortOK != 1 {
		p.mu.unlock()
		return false, false, ErrPortDead
	}

	wasExclusive := *p.node.isOpenedReadExclusive == 1
	wasEmpty := p.ring.isBufferEmpty()
	hadWaiters := *p.node.waitingCount > 0

	listenersActive, pushErr := p.ring.push(desc)

	p.mu.unlock()

	if pushErr != nil {
		atomic.AddUint64(&p.overflowsCount, 1)
		return false, false, nil
	}
	atomic.AddUint64(&p.pushCount, 1)
	if debugMode {
		internalLogger.tracef("port %d pushed, listenersActive=%t hadWaiters=%t", *p.node.portID, listenersActive, hadWaiters)
	}

	if hadWaiters {
		if wasExclusive {
			// unicast: the only reader needs one wake, and only on the
			// empty->non-empty edge
			if wasEmpty {
				p.cond.notifyOne()
				atomic.AddUint64(&p.wakeupCount, 1)
			}
		} else {
			p.cond.broadcast()
			atomic.AddUint64(&p.wakeupCount, 1)
		}
	}
	return true, listenersActive, nil
}

// WaitPop blocks while the port is empty and the listener is not closed.
// isClosed can become true in the middle of the waiting process, the wait is
// then aborted without consuming. listenerIndex selects the liveness slot the
// watchdog observes; the wait loop bumps its counter at least once per
// port_wait_timeout so a frozen counter means a crashed or deadlocked reader.
func (p *Port) WaitPop(listener *Listener, isClosed *atomic.Bool, listenerIndex uint32) error {
	p.mu.lock()

	if *p.node.isPortOK != 1 {
		p.mu.unlock()
		return ErrPortDead
	}

	waitTimeout := time.Duration(*p.node.portWaitTimeoutMs) * time.Millisecond

	p.node.setListenerWaiting(listenerIndex, true)
	p.node.bumpListenerCounter(listenerIndex)
	*p.node.waitingCount++

	var err error
	for {
		if isClosed.Load() || listener.head() != nil {
			break
		}
		if !p.cond.timedWait(waitTimeout) {
			if *p.node.isPortOK != 1 {
				err = ErrPortDead
				break
			}
			p.node.bumpListenerCounter(listenerIndex)
		}
	}

	*p.node.waitingCount--
	p.node.setListenerWaiting(listenerIndex, false)
	if err != nil {
		*p.node.isPortOK = 0
	}
	p.mu.unlock()
	return err
}

// Head returns a copy of the descriptor at the listener's cursor without
// consuming it.
func (p *Port) Head(listener *Listener) (BufferDescriptor, bool) {
	p.mu.lock()
	defer p.mu.unlock()
	cell := listener.head()
	if cell == nil {
		return BufferDescriptor{}, false
	}
	return cell.descriptor(), true
}

// Pop removes the head buffer descriptor from the listener's queue.
// cellFreed is true when every listener has popped the cell and it is
// reusable again.
func (p *Port) Pop(listener *Listener) (desc BufferDescriptor, cellFreed bool, err error) {
	p.mu.lock()
	defer p.mu.unlock()
	cell := listener.head()
	if cell == nil {
		return BufferDescriptor{}, false, ErrRingEmpty
	}
	desc = cell.descriptor()
	cellFreed, err = listener.pop()
	if err != nil {
		return BufferDescriptor{}, false, err
	}
	atomic.AddUint64(&p.popCount, 1)
	return desc, cellFreed, nil
}

// CreateListener registers a new listener. its read cursor equals the ring's
// write cursor at the registering moment, pre-existing descriptors are not
// observed. the returned index references the node's listeners_status slot.
func (p *Port) CreateListener() (*Listener, uint32, error) {
	p.mu.lock()
	defer p.mu.unlock()
	if *p.node.isPortOK != 1 {
		return nil, 0, ErrPortDead
	}
	if *p.node.numListeners >= listenersStatusSize {
		return nil, 0, ErrTooManyListeners
	}
	index := *p.node.numListeners
	*p.node.numListeners++
	return p.ring.registerListener(), index, nil
}

// UnregisterListener decrements the number of listeners by one.
// cells that already counted the departing listener keep their pending reads,
// see ringBuffer.unregisterListener.
func (p *Port) UnregisterListener() {
	p.mu.lock()
	defer p.mu.unlock()
	*p.node.numListeners--
	p.ring.unregisterListener()
}

// CloseListener sets the caller's isClosed flag under the port mutex and
// wakes up all listeners blocked on this port. idempotent.
func (p *Port) CloseListener(isClosed *atomic.Bool) {
	p.mu.lock()
	isClosed.Store(true)
	p.mu.unlock()
	p.cond.broadcast()
}

// HealthyCheck performs a check on the opened port. when a process crashes
// with a port opened the port can be left inoperative: the check passes only
// if, at some moment within the health timeout, every waiting listener has
// advanced its counter since the last watchdog sweep.
func (p *Port) HealthyCheck() error {
	if *p.node.isPortOK != 1 {
		return ErrPortDead
	}

	healthyTimeout := time.Duration(*p.node.healthyCheckTimeoutMs) * time.Millisecond
	waitTimeout := time.Duration(*p.node.portWaitTimeoutMs) * time.Millisecond

	t0 := time.Now()
	for {
		// a peer may have died while holding the port mutex
		if !p.mu.timedLock(healthyTimeout) {
			return ErrUnhealthy
		}
		checkOK := p.node.checkStatusAllListeners()
		portOK := *p.node.isPortOK == 1
		p.mu.unlock()

		if !portOK {
			return ErrPortDead
		}
		if checkOK {
			return nil
		}
		if time.Since(t0) >= healthyTimeout {
			return ErrUnhealthy
		}
		time.Sleep(waitTimeout)
	}
}

func (p *Port) metrics() PortMetrics {
	return PortMetrics{
		PushCount:     atomic.LoadUint64(&p.pushCount),
		PopCount:      atomic.LoadUint64(&p.popCount),
		OverflowCount: atomic.LoadUint64(&p.overflowsCount),
		WakeupCount:   atomic.LoadUint64(&p.wakeupCount),
	}
}

// Close drops this handle. the last healthy handle unlinks the segment and
// its named mutex; a dead port is left behind for the next OpenPort to
// replace.
func (p *Port) Close() {
	p.closeOnce.Do(p.close)
}

func (p *Port) close() {
	p.wd.removePort(p.node)

	if p.config.Monitor != nil {
		p.config.Monitor.OnEmitPortMetrics(p.metrics(), p)
	}

	overflows := atomic.LoadUint64(&p.overflowsCount)
	if overflows > 0 {
		internalLogger.warnf("port %d %s had overflows_count %d", *p.node.portID, p.segment.name, overflows)
	}

	lastRef := atomic.AddUint32(p.node.refCounter, ^uint32(0)) == 0
	removable := lastRef && *p.node.isPortOK == 1
	segmentName := p.segment.name
	portID := *p.node.portID

	p.segment.unmap()

	if removable {
		internalLogger.infof("port %d %s removed, overflows_count %d", portID, segmentName, overflows)
		removeSharedMemSegment(p.config.SegmentDirectory, segmentName)
		removeNamedMutex(p.config.SegmentDirectory, segmentName+portMutexSuffix)
	}
}

// abandon releases a handle that never reached its caller: the open sequence
// constructed it but healthy check or the open-mode matrix rejected it.
// never unlinks, the segment may be recreated or stay for other handles.
func (p *Port) abandon() {
	p.closeOnce.Do(func() {
		p.wd.removePort(p.node)
		atomic.AddUint32(p.node.refCounter, ^uint32(0))
		p.segment.unmap()
	})
}
