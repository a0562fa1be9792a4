/*
 * Copyright 2025 SREDiag Authors
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

// Package debug holds the levelled line logger shared by both process roles
// and the abort-on-fatal helper.
package debug

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Logger writes coloured, levelled lines prefixed with time and caller.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
}

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// LevelEnv selects the initial level of every logger.
const LevelEnv = "VKMEMFD_LOG_LEVEL"

var (
	level atomic.Int32

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

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv(LevelEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= LevelTrace && n <= LevelNoPrint {
			level.Store(int32(n))
		}
	}
}

// SetLevel changes the level of all loggers. The default level is Warn;
// the process env VKMEMFD_LOG_LEVEL also sets it.
func SetLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// Level returns the current level.
func Level() int {
	return int(level.Load())
}

// New returns a logger named name writing to out, stdout when out is nil.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 4,
	}
}

func (l *Logger) logf(lv int, format string, a ...interface{}) {
	if Level() > lv {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.logf(LevelWarn, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.logf(LevelInfo, format, a...) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }
func (l *Logger) Tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }

func (l *Logger) prefix(lv int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}

// AbortStatus is the exit status of a fatal stop, the shell's view of SIGABRT.
const AbortStatus = 134

var (
	fatalOut io.Writer = os.Stdout
	exit               = os.Exit
)

// Fatal prints "<ROLE>-FATAL: <err>" and stops the process immediately.
// Deferred functions do not run and the peer is not notified.
func Fatal(role string, err error) {
	fmt.Fprintf(fatalOut, "%s-FATAL: %v\n", strings.ToUpper(role), err)
	exit(AbortStatus)
}
