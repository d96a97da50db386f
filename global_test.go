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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSharedMemGlobalDomainNameLength(t *testing.T) {
	config := DefaultConfig()
	config.SegmentDirectory = t.TempDir()

	// exactly 16 characters is accepted
	g, err := NewSharedMemGlobal(strings.Repeat("a", 16), nil, config)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 16), g.DomainName())

	// 17 is rejected
	_, err = NewSharedMemGlobal(strings.Repeat("a", 17), nil, config)
	assert.ErrorIs(t, err, ErrDomainNameTooLong)
}

func TestOpenPortReusesExistingSegment(t *testing.T) {
	g := newTestGlobal(t, "reuse")

	port1, err := g.OpenPort(10, 8, time.Second, OpenModeReadShared)
	require.NoError(t, err)
	defer port1.Close()

	port2, err := g.OpenPort(10, 0, 0, OpenModeWrite)
	require.NoError(t, err)
	defer port2.Close()

	// both handles address the same node
	assert.Equal(t, port1.node.uuid, port2.node.uuid)
	assert.Equal(t, uint32(8), port2.MaxBufferDescriptors())

	// a writer's push reaches the reader's listener
	listener, index, err := port1.CreateListener()
	require.NoError(t, err)
	_ = index
	want := testDescriptor(0x44, 0x400)
	pushed, listenersActive, err := port2.TryPush(want)
	require.NoError(t, err)
	assert.Equal(t, true, pushed)
	assert.Equal(t, true, listenersActive)

	got, _, err := port1.Pop(listener)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOpenPortModeMatrix(t *testing.T) {
	g := newTestGlobal(t, "matrix")

	// ReadShared, then Write (ok), then ReadExclusive (rejected), then ReadShared again (ok)
	reader, err := g.OpenPort(11, 4, time.Second, OpenModeReadShared)
	require.NoError(t, err)
	defer reader.Close()

	writer, err := g.OpenPort(11, 0, 0, OpenModeWrite)
	require.NoError(t, err)
	defer writer.Close()

	_, err = g.OpenPort(11, 0, 0, OpenModeReadExclusive)
	assert.ErrorIs(t, err, ErrOpenModeConflict)

	reader2, err := g.OpenPort(11, 0, 0, OpenModeReadShared)
	require.NoError(t, err)
	reader2.Close()
}

func TestOpenPortReadExclusiveBlocksReaders(t *testing.T) {
	g := newTestGlobal(t, "exclusive")

	owner, err := g.OpenPort(12, 4, time.Second, OpenModeReadExclusive)
	require.NoError(t, err)
	defer owner.Close()

	// no further reader of any kind
	_, err = g.OpenPort(12, 0, 0, OpenModeReadShared)
	assert.ErrorIs(t, err, ErrOpenModeConflict)
	_, err = g.OpenPort(12, 0, 0, OpenModeReadExclusive)
	assert.ErrorIs(t, err, ErrOpenModeConflict)

	// writers always pass
	writer, err := g.OpenPort(12, 0, 0, OpenModeWrite)
	require.NoError(t, err)
	writer.Close()
}

func TestOpenPortRecreatesCorruptSegment(t *testing.T) {
	g := newTestGlobal(t, "corrupt")

	segmentPath := filepath.Join(g.config.SegmentDirectory, "corrupt_port13")
	require.NoError(t, os.WriteFile(segmentPath, make([]byte, 8192), os.ModePerm))

	// the garbage file has no port_node, it is removed and recreated
	port, err := g.OpenPort(13, 4, time.Second, OpenModeReadShared)
	require.NoError(t, err)
	assert.Equal(t, true, port.IsOK())
	assert.Equal(t, uint32(13), port.PortID())
	port.Close()
}

func TestOpenPortRecreatesUnhealthySegment(t *testing.T) {
	g := newTestGlobal(t, "recover")

	stale, err := g.OpenPort(14, 4, 300*time.Millisecond, OpenModeReadShared)
	require.NoError(t, err)

	_, index, err := stale.CreateListener()
	require.NoError(t, err)

	// simulate a peer that died inside WaitPop: waiting flag set, counter
	// frozen at the verified value, nobody left to bump it
	stale.mu.lock()
	stale.node.setListenerWaiting(index, true)
	stale.mu.unlock()

	var oldUUID [8]byte
	copy(oldUUID[:], stale.node.uuid)

	fresh, err := g.OpenPort(14, 4, 300*time.Millisecond, OpenModeReadShared)
	require.NoError(t, err)
	defer fresh.Close()

	var newUUID [8]byte
	copy(newUUID[:], fresh.node.uuid)
	assert.NotEqual(t, oldUUID, newUUID)
	assert.Equal(t, true, fresh.IsOK())

	// the stale handle's own watchdog reaps it, later calls fail fast
	backdateLastCheck(stale)
	g.wd.checkWatchedPorts()
	assert.Equal(t, false, stale.IsOK())
	_, _, err = stale.TryPush(testDescriptor(1, 1))
	assert.Equal(t, ErrPortDead, err)
	stale.abandon()
}

func TestOpenPortDefaultsApplied(t *testing.T) {
	g := newTestGlobal(t, "defaults")

	port, err := g.OpenPort(15, 0, 0, OpenModeWrite)
	require.NoError(t, err)
	defer port.Close()

	assert.Equal(t, g.config.MaxBufferDescriptors, port.MaxBufferDescriptors())
	assert.Equal(t, uint32(g.config.HealthyCheckTimeout.Milliseconds()), port.HealthyCheckTimeoutMs())
	assert.Equal(t, uint32(g.config.HealthyCheckTimeout.Milliseconds())/healthyCheckTimeoutMultiplier,
		*port.node.portWaitTimeoutMs)
	assert.Equal(t, OpenModeWrite, port.OpenMode())
	assert.Equal(t, g.domainName, port.node.domain())
}
