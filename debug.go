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
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

type logger struct {
	name      string
	out       io.Writer
	callDepth int
}

var (
	internalLogger = &logger{"", os.Stdout, 3}
	level          int
	debugMode      = false

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelNoPrint
)

func init() {
	level = levelWarn
	if os.Getenv("SHMPORT_LOG_LEVEL") != "" {
		if n, err := strconv.Atoi(os.Getenv("SHMPORT_LOG_LEVEL")); err == nil {
			if n <= levelNoPrint {
				level = n
			}
		}
	}

	if os.Getenv("SHMPORT_DEBUG_MODE") != "" {
		debugMode = true
	}
}

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `SHMPORT_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	if l <= levelNoPrint {
		level = l
	}
}

func (l *logger) errorf(format string, a ...interface{}) {
	if level > levelError {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelError)+format+reset+"\n", a...)
}

func (l *logger) error(v interface{}) {
	if level > levelError {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelError), v, reset)
}

func (l *logger) warnf(format string, a ...interface{}) {
	if level > levelWarn {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelWarn)+format+reset+"\n", a...)
}

func (l *logger) warn(v interface{}) {
	if level > levelWarn {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelWarn), v, reset)
}

func (l *logger) infof(format string, a ...interface{}) {
	if level > levelInfo {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelInfo)+format+reset+"\n", a...)
}

func (l *logger) info(v interface{}) {
	if level > levelInfo {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelInfo), v, reset)
}

func (l *logger) debugf(format string, a ...interface{}) {
	if level > levelDebug {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelDebug)+format+reset+"\n", a...)
}

func (l *logger) debug(v interface{}) {
	if level > levelDebug {
		return
	}
	fmt.Fprintln(l.out, l.prefix(levelDebug), v, reset)
}

func (l *logger) tracef(format string, a ...interface{}) {
	if level > levelTrace {
		return
	}
	fmt.Fprintf(l.out, l.prefix(levelTrace)+format+reset+"\n", a...)
}

func (l *logger) prefix(level int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[level])
	_, _ = buf.WriteString(levelName[level])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}

// DebugPortDetail print a port segment's node and ring status located in the `path`.
// the segment could also be a dump taken from a crashed process for post-mortem analysis.
func DebugPortDetail(path string) {
	mem, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Println(err)
		return
	}
	seg := &sharedMemSegment{name: filepath.Base(path), mem: mem}
	if !seg.checkMagic() {
		fmt.Printf("path:%s is not a port segment (magic mismatch)\n", path)
		return
	}
	nodeOffset, err := seg.find(portNodeName)
	if err != nil {
		fmt.Printf("path:%s has no %q entry\n", path, portNodeName)
		return
	}
	node := mappingPortNode(seg, nodeOffset)
	fmt.Printf("port:%d uuid:%x domain:%s ok:%t readExclusive:%t forReading:%t\n",
		*node.portID, node.uuid, node.domain(), *node.isPortOK == 1,
		*node.isOpenedReadExclusive == 1, *node.isOpenedForReading == 1)
	fmt.Printf("refCounter:%d waitingCount:%d numListeners:%d healthyTimeoutMs:%d waitTimeoutMs:%d\n",
		*node.refCounter, *node.waitingCount, *node.numListeners,
		*node.healthyCheckTimeoutMs, *node.portWaitTimeoutMs)

	ring := mappingRingBuffer(seg, uint32(*node.bufferNodeOffset), uint32(*node.bufferOffset))
	fmt.Printf("ring capacity:%d writeSeq:%d registeredListeners:%d empty:%t\n",
		ring.capacity(), *ring.writeSeq, *ring.registeredListeners, ring.isBufferEmpty())
	for i := uint32(0); i < ring.capacity(); i++ {
		cell := ring.cellAt(i)
		if cell.enqueuedCount() == 0 {
			continue
		}
		desc := cell.descriptor()
		fmt.Printf("cell:%d seq:%d enqueued:%d segment:%x nodeOffset:%d\n",
			i, cell.sequence(), cell.enqueuedCount(), desc.SourceSegmentID, desc.BufferNodeOffset)
	}
	for i := uint32(0); i < *node.numListeners && i < listenersStatusSize; i++ {
		waiting, counter, verified := node.listenerStatus(i)
		if !waiting {
			continue
		}
		fmt.Printf("listener:%d waiting counter:%d lastVerified:%d\n", i, counter, verified)
	}
}
