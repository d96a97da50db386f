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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backdateLastCheck(port *Port) {
	atomic.StoreInt64(port.node.lastCheckTimeMs,
		nowMs()-int64(*port.node.healthyCheckTimeoutMs)*2)
}

func TestWatchdogReapsFrozenListener(t *testing.T) {
	g := newTestGlobal(t, "reap")

	var handlerMu sync.Mutex
	var reapedDescs []BufferDescriptor
	var reapedDomain string
	handled := make(chan struct{})
	g.wd.onFailureBufferDescriptorsHandler(func(descs []BufferDescriptor, domain string) {
		handlerMu.Lock()
		reapedDescs = descs
		reapedDomain = domain
		handlerMu.Unlock()
		close(handled)
	})

	port, err := g.OpenPort(20, 4, 300*time.Millisecond, OpenModeReadShared)
	require.NoError(t, err)
	defer port.Close()

	listener, index, err := port.CreateListener()
	require.NoError(t, err)
	_ = listener

	want := testDescriptor(0x55, 0x500)
	pushed, _, err := port.TryPush(want)
	require.NoError(t, err)
	assert.Equal(t, true, pushed)

	// a listener whose process stopped: waiting, counter frozen at the
	// verified value
	port.mu.lock()
	port.node.setListenerWaiting(index, true)
	port.mu.unlock()
	backdateLastCheck(port)

	g.wd.checkWatchedPorts()

	assert.Equal(t, false, port.IsOK())

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler was not invoked")
	}
	handlerMu.Lock()
	assert.Equal(t, 1, len(reapedDescs))
	assert.Equal(t, want, reapedDescs[0])
	assert.Equal(t, "reap", reapedDomain)
	handlerMu.Unlock()

	// every handle now fails fast
	_, _, err = port.TryPush(testDescriptor(1, 1))
	assert.Equal(t, ErrPortDead, err)
}

func TestWatchdogVerifiesProgress(t *testing.T) {
	g := newTestGlobal(t, "progress")

	port, err := g.OpenPort(21, 4, 300*time.Millisecond, OpenModeReadShared)
	require.NoError(t, err)
	defer port.Close()

	_, index, err := port.CreateListener()
	require.NoError(t, err)

	// a live waiting listener advertises progress: counter ahead of verified
	port.mu.lock()
	port.node.setListenerWaiting(index, true)
	port.node.bumpListenerCounter(index)
	port.mu.unlock()
	backdateLastCheck(port)

	before := atomic.LoadInt64(port.node.lastCheckTimeMs)
	g.wd.checkWatchedPorts()

	assert.Equal(t, true, port.IsOK())
	assert.Equal(t, true, atomic.LoadInt64(port.node.lastCheckTimeMs) > before)
	_, counter, lastVerified := port.node.listenerStatus(index)
	assert.Equal(t, counter, lastVerified)

	// frozen across the next full window: reaped on the second sweep
	backdateLastCheck(port)
	g.wd.checkWatchedPorts()
	assert.Equal(t, false, port.IsOK())
}

func TestWatchdogSkipsFreshPorts(t *testing.T) {
	g := newTestGlobal(t, "fresh")

	port, err := g.OpenPort(22, 4, time.Second, OpenModeReadShared)
	require.NoError(t, err)
	defer port.Close()

	_, index, err := port.CreateListener()
	require.NoError(t, err)

	// even a frozen listener is not inspected before the health window elapsed
	port.mu.lock()
	port.node.setListenerWaiting(index, true)
	port.mu.unlock()

	g.wd.checkWatchedPorts()
	assert.Equal(t, true, port.IsOK())
}

func TestWatchdogDropsPortWithStuckMutex(t *testing.T) {
	g := newTestGlobal(t, "stuck")

	port, err := g.OpenPort(23, 4, 300*time.Millisecond, OpenModeReadShared)
	require.NoError(t, err)
	defer port.Close()

	// a peer died holding the port mutex
	port.mu.lock()
	backdateLastCheck(port)

	g.wd.checkWatchedPorts()

	assert.Equal(t, false, port.IsOK())
	g.wd.mu.Lock()
	assert.Equal(t, 0, len(g.wd.watched))
	g.wd.mu.Unlock()
	port.mu.unlock()
}

func TestWatchdogAddRemovePort(t *testing.T) {
	g := newTestGlobal(t, "roster")

	port, err := g.OpenPort(24, 4, time.Second, OpenModeReadShared)
	require.NoError(t, err)

	g.wd.mu.Lock()
	assert.Equal(t, 1, len(g.wd.watched))
	g.wd.mu.Unlock()

	port.Close()
	g.wd.mu.Lock()
	assert.Equal(t, 0, len(g.wd.watched))
	g.wd.mu.Unlock()
}

func TestWatchdogFailureHandlerSetOnce(t *testing.T) {
	wd := newWatchdog(time.Hour)
	defer wd.shutdown()

	fired := make(chan int, 2)
	wd.onFailureBufferDescriptorsHandler(func([]BufferDescriptor, string) { fired <- 1 })
	// the second registration is silently ignored
	wd.onFailureBufferDescriptorsHandler(func([]BufferDescriptor, string) { fired <- 2 })

	wd.failureHandler()(nil, "")
	assert.Equal(t, 1, <-fired)
}

func TestWatchdogWakeUp(t *testing.T) {
	g := newTestGlobal(t, "wake")
	// the private test watchdog ticks once per hour, a wake forces the sweep
	port, err := g.OpenPort(25, 4, 300*time.Millisecond, OpenModeReadShared)
	require.NoError(t, err)
	defer port.Close()

	_, index, err := port.CreateListener()
	require.NoError(t, err)
	port.mu.lock()
	port.node.setListenerWaiting(index, true)
	port.mu.unlock()
	backdateLastCheck(port)

	g.wd.wakeUp()
	deadline := time.Now().Add(2 * time.Second)
	for port.IsOK() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, false, port.IsOK())
}
