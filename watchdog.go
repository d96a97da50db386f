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

	"github.com/bytedance/gopkg/util/gopool"
)

// FailureHandler receives the descriptors still enqueued in a port when the
// watchdog declares it dead, so the upstream owner can release the payload
// buffers they reference.
type FailureHandler func(descriptors []BufferDescriptor, domainName string)

type portContext struct {
	segment *sharedMemSegment
	node    *portNode
	ring    *ringBuffer
}

// watchdog periodically checks all opened ports of this process to verify if
// some listener is dead. a listener blocked in WaitPop bumps its status
// counter at least once per port_wait_timeout (one-third of the health
// timeout); a counter frozen across a full health window means the listener's
// process crashed or deadlocked, and the port is reclaimed.
//
// lock order is watched-ports mutex, then port mutex. never the reverse.
type watchdog struct {
	mu      sync.Mutex
	watched []*portContext

	handlerMu  sync.Mutex
	handler    FailureHandler
	handlerSet bool

	wakeCh  chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	interval time.Duration
}

var (
	defaultWatchdog     *watchdog
	defaultWatchdogOnce sync.Once
)

func getDefaultWatchdog() *watchdog {
	defaultWatchdogOnce.Do(func() {
		defaultWatchdog = newWatchdog(defaultWatchdogInterval)
	})
	return defaultWatchdog
}

func newWatchdog(interval time.Duration) *watchdog {
	w := &watchdog{
		wakeCh:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		interval: interval,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// onFailureBufferDescriptorsHandler installs the handler. only the first call
// takes effect, the handler must be immutable once ports are running.
func (w *watchdog) onFailureBufferDescriptorsHandler(handler FailureHandler) {
	w.handlerMu.Lock()
	if !w.handlerSet {
		w.handler = handler
		w.handlerSet = true
	}
	w.handlerMu.Unlock()
}

func (w *watchdog) failureHandler() FailureHandler {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	return w.handler
}

// addPort is called by the port constructor.
func (w *watchdog) addPort(pc *portContext) {
	w.mu.Lock()
	w.watched = append(w.watched, pc)
	w.mu.Unlock()
}

// removePort is called by the port destructor.
func (w *watchdog) removePort(node *portNode) {
	w.mu.Lock()
	for i, pc := range w.watched {
		if pc.node == node {
			w.watched = append(w.watched[:i], w.watched[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
}

// wakeUp forces an immediate sweep.
func (w *watchdog) wakeUp() {
	asyncNotify(w.wakeCh)
}

// shutdown stops the sweep goroutine. only tests and explicit owners call it,
// the process wide default watchdog lives as long as the process.
func (w *watchdog) shutdown() {
	close(w.closeCh)
	w.wg.Wait()
}

func (w *watchdog) run() {
	defer w.wg.Done()
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	for {
		select {
		case <-w.closeCh:
			return
		case <-w.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		w.checkWatchedPorts()
		timer.Reset(w.interval)
	}
}

func (w *watchdog) checkWatchedPorts() {
	now := nowMs()
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.watched[:0]
	for _, pc := range w.watched {
		if now-atomic.LoadInt64(pc.node.lastCheckTimeMs) <= int64(*pc.node.healthyCheckTimeoutMs) {
			kept = append(kept, pc)
			continue
		}
		if w.inspectPort(pc) {
			kept = append(kept, pc)
		}
	}
	w.watched = kept
}

// inspectPort sweeps one overdue port. reports whether to keep watching it.
func (w *watchdog) inspectPort(pc *portContext) (keep bool) {
	keep = true
	defer func() {
		if r := recover(); r != nil {
			*pc.node.isPortOK = 0
			internalLogger.warnf("port %d inspect error: %v", *pc.node.portID, r)
			keep = false
		}
	}()

	mu := ipcMutex{word: pc.node.mutexWord}
	if !mu.timedLock(time.Second) {
		// a peer died while holding the port mutex
		*pc.node.isPortOK = 0
		internalLogger.warnf("port %d mutex is stuck, marked dead", *pc.node.portID)
		return false
	}
	defer mu.unlock()

	if w.updateStatusAllListeners(pc.node) {
		return true
	}

	if *pc.node.isPortOK == 1 {
		*pc.node.isPortOK = 0
		descriptors := pc.ring.copy()
		domain := pc.node.domain()
		internalLogger.warnf("port %d has a frozen listener, reclaimed with %d descriptors enqueued",
			*pc.node.portID, len(descriptors))
		if handler := w.failureHandler(); handler != nil {
			gopool.Go(func() {
				handler(descriptors, domain)
			})
		}
	}
	return true
}

// updateStatusAllListeners verifies progress of every waiting listener and
// stamps the sweep time when all of them advanced.
func (w *watchdog) updateStatusAllListeners(node *portNode) bool {
	num := *node.numListeners
	if num > listenersStatusSize {
		num = listenersStatusSize
	}
	for i := uint32(0); i < num; i++ {
		waiting, counter, lastVerified := node.listenerStatus(i)
		if !waiting {
			continue
		}
		if counter == lastVerified {
			// counter is frozen, this listener is blocked
			return false
		}
		node.verifyListenerCounter(i)
	}

	atomic.StoreInt64(node.lastCheckTimeMs, nowMs())
	return true
}
