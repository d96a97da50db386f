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

// Monitor could emit some metrics with periodically
type Monitor interface {
	// OnEmitPortMetrics was called when a port handle closes.
	OnEmitPortMetrics(PortMetrics, *Port)
	// flush metrics
	Flush() error
}

// PortMetrics is the per-handle accounting of a port
type PortMetrics struct {
	PushCount     uint64 //descriptors this handle pushed successfully
	PopCount      uint64 //descriptors this handle popped
	OverflowCount uint64 //pushes rejected because the ring was full
	WakeupCount   uint64 //condvar notifications this handle issued
}
