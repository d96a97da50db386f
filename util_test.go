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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsyncNotifyNeverBlocks(t *testing.T) {
	ch := make(chan struct{}, 1)
	asyncNotify(ch)
	asyncNotify(ch)
	asyncNotify(ch)
	<-ch
	select {
	case <-ch:
		t.Fatal("single slot channel held more than one notify")
	default:
	}
}

func TestPathExists(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, true, pathExists(dir))
	assert.Equal(t, false, pathExists(filepath.Join(dir, "nope")))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint32(0), alignUp(0, 8))
	assert.Equal(t, uint32(8), alignUp(1, 8))
	assert.Equal(t, uint32(8), alignUp(8, 8))
	assert.Equal(t, uint32(16), alignUp(9, 8))
}

func TestGenerateNodeUUID(t *testing.T) {
	a := make([]byte, 8)
	b := make([]byte, 8)
	generateNodeUUID(a)
	generateNodeUUID(b)
	assert.NotEqual(t, a, b)
}

func TestDescriptorSlice(t *testing.T) {
	assert.Equal(t, 0, len(descriptorSlice(0)))
	s := descriptorSlice(3)
	assert.Equal(t, 3, len(s))
	for i := range s {
		s[i] = testDescriptor(byte(i), uint64(i))
	}
	assert.Equal(t, testDescriptor(2, 2), s[2])
}

func TestCanCreateOnDevShm(t *testing.T) {
	// paths outside /dev/shm have no tmpfs limitation
	assert.Equal(t, true, canCreateOnDevShm(1<<40, t.TempDir()+"/seg"))
}
