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
	"errors"
	"fmt"
	"time"
)

// SharedMemGlobal defines the global resources for shared memory
// communication, mainly the shared memory ports and their operations.
// a domain name (at most 16 characters) plus a numeric port id derives the
// OS level names of the port's segment and mutex.
type SharedMemGlobal struct {
	domainName string
	config     *Config
	wd         *watchdog
}

// OnFailureBufferDescriptorsHandler installs the process wide handler invoked
// with the still-enqueued descriptors of a port the watchdog reclaimed.
// only the first call takes effect, later calls are silently ignored.
func OnFailureBufferDescriptorsHandler(handler FailureHandler) {
	getDefaultWatchdog().onFailureBufferDescriptorsHandler(handler)
}

// NewSharedMemGlobal returns the port factory of a domain. failureHandler may
// be nil when another subsystem already registered one.
func NewSharedMemGlobal(domainName string, failureHandler FailureHandler, config *Config) (*SharedMemGlobal, error) {
	if err := checkPlatform(); err != nil {
		return nil, err
	}
	if len(domainName) > maxDomainNameLength {
		return nil, fmt.Errorf("%w: %s (max %d characters)", ErrDomainNameTooLong, domainName, maxDomainNameLength)
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if config.LogOutput != nil {
		internalLogger.out = config.LogOutput
	}

	wd := getDefaultWatchdog()
	if failureHandler != nil {
		wd.onFailureBufferDescriptorsHandler(failureHandler)
	}

	return &SharedMemGlobal{
		domainName: domainName,
		config:     config,
		wd:         wd,
	}, nil
}

// DomainName returns the namespace this factory derives segment names from.
func (g *SharedMemGlobal) DomainName() string {
	return g.domainName
}

// OpenPort opens a shared memory port. if the port doesn't exist in the
// system a port with portID is created, otherwise the existing port is
// opened. maxBufferDescriptors and healthyCheckTimeout apply only when the
// port is created; zero values take the Config defaults.
//
// the existing port is validated first: if it is stale, corrupt or not
// healthy it is removed from shared memory and a new port is created.
func (g *SharedMemGlobal) OpenPort(portID uint32, maxBufferDescriptors uint32,
	healthyCheckTimeout time.Duration, mode OpenMode) (*Port, error) {
	if maxBufferDescriptors == 0 {
		maxBufferDescriptors = g.config.MaxBufferDescriptors
	}
	// below the multiplier the per-wait timeout would truncate to zero
	if healthyCheckTimeout < healthyCheckTimeoutMultiplier*time.Millisecond {
		healthyCheckTimeout = g.config.HealthyCheckTimeout
	}

	segmentName := fmt.Sprintf(portSegmentPattern, g.domainName, portID)
	internalLogger.infof("opening %s %s", segmentName, mode)

	// the whole open/create runs under the port's named mutex
	guard, err := openOrCreateAndLockNamedMutex(g.config.SegmentDirectory, segmentName+portMutexSuffix)
	if err != nil {
		return nil, err
	}
	defer guard.unlock()

	port, err := g.openExistingPort(segmentName, mode)
	if err == nil {
		return port, nil
	}
	if errors.Is(err, ErrOpenModeConflict) {
		return nil, err
	}

	// stale, corrupt or unhealthy: remove and recreate exactly once.
	// a second failure surfaces to the caller.
	removeSharedMemSegment(g.config.SegmentDirectory, segmentName)
	return g.createPort(segmentName, portID, maxBufferDescriptors, healthyCheckTimeout, mode)
}

func (g *SharedMemGlobal) openExistingPort(segmentName string, mode OpenMode) (*Port, error) {
	segment, err := openSharedMemSegment(g.config.SegmentDirectory, segmentName)
	if err != nil {
		return nil, err
	}

	nodeOffset, err := segment.find(portNodeName)
	if err != nil {
		segment.unmap()
		internalLogger.warnf("port segment %s: couldn't find %s", segmentName, portNodeName)
		return nil, err
	}

	node := mappingPortNode(segment, nodeOffset)
	if err := validatePortNode(segment, node); err != nil {
		segment.unmap()
		internalLogger.warnf("port segment %s: %s", segmentName, err.Error())
		return nil, err
	}

	port := newPort(segment, node, g.wd, g.config)

	if err := port.HealthyCheck(); err != nil {
		internalLogger.warnf("existing port %d (%x) NOT healthy", *node.portID, node.uuid)
		port.abandon()
		return nil, err
	}

	port.mu.lock()
	conflict := (*node.isOpenedReadExclusive == 1 && mode != OpenModeWrite) ||
		(*node.isOpenedForReading == 1 && mode == OpenModeReadExclusive)
	if conflict {
		portID, uuid := *node.portID, fmt.Sprintf("%x", node.uuid)
		port.mu.unlock()
		port.abandon()
		return nil, fmt.Errorf("%w: port %d (%s) because is already opened for reading",
			ErrOpenModeConflict, portID, uuid)
	}
	if mode == OpenModeReadExclusive {
		*node.isOpenedReadExclusive = 1
	}
	if mode != OpenModeWrite {
		*node.isOpenedForReading = 1
	}
	port.mu.unlock()

	internalLogger.infof("port %d (%x) opened %s", *node.portID, node.uuid, mode)
	return port, nil
}

// validatePortNode sanity checks the offsets a foreign process recorded
// before the ring view is built over them.
func validatePortNode(segment *sharedMemSegment, node *portNode) error {
	capacity := uint64(*node.maxBufferDescriptors)
	if capacity == 0 {
		return errors.New("port node has zero capacity")
	}
	cellsEnd := *node.bufferOffset + capacity*cellSize
	nodeEnd := *node.bufferNodeOffset + ringNodeSize
	if cellsEnd > uint64(segment.size()) || nodeEnd > uint64(segment.size()) {
		return errors.New("port node records offsets beyond the segment")
	}
	ringCap := *(*uint32)(segment.ptrAt(uint32(*node.bufferNodeOffset) + ringNodeCapacityOffset))
	if uint64(ringCap) != capacity {
		return errors.New("ring node capacity mismatch")
	}
	return nil
}

func (g *SharedMemGlobal) createPort(segmentName string, portID, maxDescriptors uint32,
	healthyCheckTimeout time.Duration, mode OpenMode) (*Port, error) {
	segmentSize := uint32(segmentTableSize+portNodeSize+ringNodeSize+portSegmentExtraSize) +
		maxDescriptors*cellSize

	segment, err := createSharedMemSegment(g.config.SegmentDirectory, segmentName, segmentSize)
	if err != nil {
		internalLogger.errorf("failed to create port segment %s: %s", segmentName, err.Error())
		return nil, err
	}

	node, err := initPortNode(segment, portID, maxDescriptors,
		uint32(healthyCheckTimeout.Milliseconds()), mode, g.domainName)
	if err == nil {
		var cellsOffset, ringNodeOffset uint32
		if cellsOffset, err = segment.allocate(maxDescriptors * cellSize); err == nil {
			if ringNodeOffset, err = segment.allocate(ringNodeSize); err == nil {
				*node.bufferOffset = uint64(cellsOffset)
				*node.bufferNodeOffset = uint64(ringNodeOffset)
				initRingNode(segment, ringNodeOffset, maxDescriptors)
			}
		}
	}
	if err != nil {
		segment.unmap()
		removeSharedMemSegment(g.config.SegmentDirectory, segmentName)
		return nil, fmt.Errorf("%w: %s", ErrSegmentCreateFailed, err.Error())
	}

	internalLogger.infof("port %d (%x) created %s", portID, node.uuid, mode)
	return newPort(segment, node, g.wd, g.config), nil
}
