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

// Package logging is the leveled logger shared by every dmaring package.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	level     atomic.Int32
	debugMode atomic.Bool

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
	if v := os.Getenv("DMARING_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= LevelTrace && n <= LevelNoPrint {
			level.Store(int32(n))
		}
	}

	if os.Getenv("DMARING_DEBUG_MODE") != "" {
		debugMode.Store(true)
	}
}

// SetLogLevel changes the level of every logger. The default level is Warn and
// the process env `DMARING_LOG_LEVEL` can also set it.
func SetLogLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// ParseLevel parses a level name such as "info", or its number.
func ParseLevel(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil && n >= LevelTrace && n <= LevelNoPrint {
		return n, nil
	}
	for i, name := range levelName {
		if strings.EqualFold(s, name) {
			return i, nil
		}
	}
	if strings.EqualFold(s, "none") {
		return LevelNoPrint, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Level returns the current log level.
func Level() int {
	return int(level.Load())
}

// DebugMode reports whether `DMARING_DEBUG_MODE` was set or SetDebugMode(true) was called.
func DebugMode() bool {
	return debugMode.Load()
}

// SetDebugMode toggles debug mode.
func SetDebugMode(on bool) {
	debugMode.Store(on)
}

// Logger writes colored, leveled lines prefixed with time and caller location.
type Logger struct {
	name      string
	mu        sync.Mutex
	out       io.Writer
	callDepth int
}

// New returns a logger writing to stdout.
func New(name string) *Logger {
	return NewWithOutput(name, nil)
}

// NewWithOutput returns a logger writing to out, or stdout if out is nil.
func NewWithOutput(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 3,
	}
}

// SetOutput redirects the logger.
func (l *Logger) SetOutput(out io.Writer) {
	l.mu.Lock()
	l.out = out
	l.mu.Unlock()
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logf(LevelError, format, a...)
}

func (l *Logger) Error(v interface{}) {
	l.logln(LevelError, v)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logf(LevelWarn, format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logf(LevelInfo, format, a...)
}

func (l *Logger) Info(v interface{}) {
	l.logln(LevelInfo, v)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logf(LevelDebug, format, a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logf(LevelTrace, format, a...)
}

// Printf logs at info level. It lets a Logger stand in for the
// Printf-style loggers third-party pools expect.
func (l *Logger) Printf(format string, a ...interface{}) {
	l.logf(LevelInfo, format, a...)
}

// Enabled reports whether lines at lvl would be printed.
func (l *Logger) Enabled(lvl int) bool {
	return Level() <= lvl
}

func (l *Logger) logf(lvl int, format string, a ...interface{}) {
	if Level() > lvl {
		return
	}
	line := l.prefix(lvl) + fmt.Sprintf(format, a...) + reset + "\n"
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.out, line); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *Logger) logln(lvl int, v interface{}) {
	if Level() > lvl {
		return
	}
	prefix := l.prefix(lvl)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintln(l.out, prefix, v, reset); err != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", err)
	}
}

func (l *Logger) prefix(lvl int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[lvl])
	_, _ = buf.WriteString(levelName[lvl])
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
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
