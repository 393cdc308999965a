// Package sdlog is sheepd's leveled logger, written in the spirit of the
// teacher's in-house cmn/nlog package: no third-party logging backend, a
// small set of level-prefixed package functions, and a swappable sink so
// tests can capture output.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package sdlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

type Level int

const (
	LInfo Level = iota
	LWarning
	LError
	LFatal
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	std               = log.New(out, "", log.LstdFlags|log.Lmicroseconds)
	verbose           = 2
)

// SetOutput redirects all subsequent log lines; used by tests and by
// cmd/sheep to point at <dir>/sheep.log.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	std = log.New(out, "", log.LstdFlags|log.Lmicroseconds)
}

// SetVerbosity sets the module verbosity threshold consulted by FastV.
func SetVerbosity(v int) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

func line(level Level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	prefix := [...]string{"I", "W", "E", "F"}[level]
	std.Output(3, prefix+" "+fmt.Sprintf(format, args...)) //nolint:errcheck
}

func Infof(format string, args ...interface{})    { line(LInfo, format, args...) }
func Warningf(format string, args ...interface{}) { line(LWarning, format, args...) }
func Errorf(format string, args ...interface{})   { line(LError, format, args...) }

func Infoln(args ...interface{})    { line(LInfo, "%s", fmt.Sprintln(args...)) }
func Warningln(args ...interface{}) { line(LWarning, "%s", fmt.Sprintln(args...)) }
func Errorln(args ...interface{})   { line(LError, "%s", fmt.Sprintln(args...)) }

// Fatalf logs then exits the process, mirroring the teacher's nlog.Fatalf
// used at irrecoverable init failures (spec §7 kind 6).
func Fatalf(format string, args ...interface{}) {
	line(LFatal, format, args...)
	os.Exit(1)
}

// FastV reports whether the given verbosity level is enabled for module,
// matching the teacher's cos.FastV(n, module) call shape used to gate
// expensive debug logging without a format-string allocation.
func FastV(level int, module string) bool {
	mu.Lock()
	defer mu.Unlock()
	return verbose >= level
}
