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
	"io"
	"os"
	"runtime"
	"time"
)

// Config is used to tune the shared memory port registry
type Config struct {
	//SegmentDirectory is where the port segments and named mutex files live.
	//it should be a tmpfs mount, the default is /dev/shm.
	SegmentDirectory string

	//MaxBufferDescriptors is the default ring capacity used when OpenPort
	//creates a port. only used if the port doesn't exist yet.
	MaxBufferDescriptors uint32

	//HealthyCheckTimeout bounds how long a waiting listener may freeze its
	//liveness counter before the watchdog declares the port dead.
	//the per-wait timeout of blocked listeners is one-third of it.
	HealthyCheckTimeout time.Duration

	//WatchdogInterval is checked by VerifyConfig only. the process wide
	//watchdog sweeps every defaultWatchdogInterval (one second) whatever
	//this field holds.
	WatchdogInterval time.Duration

	//LogOutput is used to control the log destination.
	LogOutput io.Writer

	//Monitor receives PortMetrics when a port handle closes.
	Monitor Monitor
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		SegmentDirectory:     defaultSegmentDirectory,
		MaxBufferDescriptors: defaultMaxBufferDescriptors,
		HealthyCheckTimeout:  defaultHealthyCheckTimeout,
		WatchdogInterval:     defaultWatchdogInterval,
		LogOutput:            os.Stdout,
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if config.SegmentDirectory == "" {
		return errors.New("SegmentDirectory cannot be empty")
	}
	if config.MaxBufferDescriptors == 0 {
		return errors.New("MaxBufferDescriptors cannot be 0")
	}
	if config.HealthyCheckTimeout < time.Millisecond*healthyCheckTimeoutMultiplier {
		return errors.New("HealthyCheckTimeout is too small, the per-wait timeout would truncate to 0")
	}
	if config.WatchdogInterval <= 0 {
		return errors.New("WatchdogInterval must be positive")
	}
	return nil
}

func checkPlatform() error {
	if runtime.GOOS != "linux" {
		return ErrOSNonSupported
	}
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		return ErrArchNonSupported
	}
	return nil
}
