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
)

var (
	//ErrDomainNameTooLong means that the domain name exceeds maxDomainNameLength characters.
	//long names could break the OS-level segment naming limits on some platforms.
	ErrDomainNameTooLong = errors.New("domain name too long")

	//ErrSegmentCreateFailed means that creating the shared memory segment failed at OS level.
	ErrSegmentCreateFailed = errors.New("create share memory segment failed")

	//ErrSegmentOpenFailed means that mapping an existing shared memory segment failed at OS level.
	ErrSegmentOpenFailed = errors.New("open share memory segment failed")

	//ErrPortDead was returned when operating on a port whose is_port_ok flag was cleared.
	//it usually mean that the watchdog had reaped the port after a peer process crashed.
	ErrPortDead = errors.New("the port is marked as not ok")

	//ErrRingFull mean that the port's descriptor ring has no free cell.
	//TryPush swallows it, counts the overflow and returns false to the caller.
	ErrRingFull = errors.New("the descriptor ring is full")

	//ErrRingEmpty was returned by Pop when the listener has no pending descriptor.
	ErrRingEmpty = errors.New("the descriptor ring is empty")

	//ErrUnhealthy means that some waiting listener of the port did not advance its
	//liveness counter within the healthy check timeout.
	ErrUnhealthy = errors.New("port healthy check failed")

	//ErrOpenModeConflict was returned by OpenPort when the requested open mode is
	//incompatible with the mode the port was already opened with.
	ErrOpenModeConflict = errors.New("port open mode conflict")

	//ErrTooManyListeners means that the port already holds the maximum number of listeners.
	ErrTooManyListeners = errors.New("too many listeners on port")

	//ErrOSNonSupported means that shmport couldn't work in current OS. (only support Linux now)
	ErrOSNonSupported = errors.New("shmport just support linux OS now")

	//ErrArchNonSupported means that shmport only support amd64 and arm64
	ErrArchNonSupported = errors.New("shmport just support amd64 or arm64 arch")

	//ErrShareMemoryHadNotLeftSpace means that reached the limitation of the tmpfs
	//when creating a port segment under /dev/shm.
	ErrShareMemoryHadNotLeftSpace = errors.New("share memory had not left space")

	errFutexTimeout         = errors.New("futex wait timeout")
	errSegmentEntryNotFound = errors.New("segment entry not found")
	errSegmentTableFull     = errors.New("segment name table is full")
	errSegmentExhausted     = errors.New("segment has no space left to allocate")
)
