// Copyright 2023-2024 TTBT Enterprises LLC
//
// This file is part of c2tleQ (https://c2tleQ.org/).
//
// c2tleQ is free software: you can redistribute it and/or modify it under the
// terms of the GNU General Public License as published by the Free Software
// Foundation, either version 3 of the License, or (at your option) any later
// version.
//
// c2tleQ is distributed in the hope that it will be useful, but WITHOUT ANY
// WARRANTY; without even the implied warranty of MERCHANTABILITY or FITNESS FOR
// A PARTICULAR PURPOSE. See the GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along with
// c2tleQ. If not, see <https://www.gnu.org/licenses/>.

// Package log is a small leveled logger with caller file:line prefixes.
package log

import (
	"bytes"
	"fmt"
	logpkg "log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const (
	ErrorLevel = 1
	InfoLevel  = 2
	DebugLevel = 3
)

var (
	Level int = ErrorLevel
	mu    sync.Mutex
)

var internalLogger = &Logger{skip: 1}

func DefaultLogger() *Logger {
	return &Logger{}
}

type Logger struct {
	skip int
}

func (l *Logger) log(d int, level, s string) {
	fl := "unknown"
	if _, file, line, ok := runtime.Caller(d + l.skip); ok {
		fl = fmt.Sprintf("%s:%d", filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file)), line)
	}
	t := time.Now().UTC().Format("0102 150405.000")
	mu.Lock()
	fmt.Fprintf(os.Stderr, "%s%s %s] %s\n", level, t, fl, s)
	mu.Unlock()
}

func Panicf(format string, args ...interface{}) {
	internalLogger.Panicf(format, args...)
}

func (l *Logger) Panicf(format string, args ...interface{}) {
	m := fmt.Sprintf(format, args...)
	l.log(2, "PANIC!", m)
	panic(m)
}

func Fatalf(format string, args ...interface{}) {
	internalLogger.Fatalf(format, args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(2, "F", fmt.Sprintf(format, args...))
	os.Exit(1)
}

func Errorf(format string, args ...interface{}) {
	internalLogger.Errorf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if Level >= ErrorLevel {
		l.log(2, "E", fmt.Sprintf(format, args...))
	}
}

func Infof(format string, args ...interface{}) {
	internalLogger.Infof(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if Level >= InfoLevel {
		l.log(2, "I", fmt.Sprintf(format, args...))
	}
}

func Debugf(format string, args ...interface{}) {
	internalLogger.Debugf(format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if Level >= DebugLevel {
		l.log(2, "D", fmt.Sprintf(format, args...))
	}
}

// GoLogger returns a *log.Logger suitable for http.Server.ErrorLog.
func GoLogger() *logpkg.Logger {
	return logpkg.New(writer{}, "", 0)
}

type writer struct{}

func (writer) Write(b []byte) (n int, err error) {
	if Level >= InfoLevel {
		b = bytes.TrimSuffix(b, []byte{'\n'})
		// Depth set to work nicely with http/Server.ErrorLog.
		internalLogger.log(5, "L", string(b))
	}
	return len(b), nil
}
