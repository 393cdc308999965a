// Package sderr defines the cluster-wide result codes carried on the wire
// and the error type that wraps them with causal context.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package sderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a wire result code. Values mirror the opcode result table in the
// wire protocol; do not renumber without bumping the protocol version.
type Code uint8

const (
	Success Code = iota
	NoObj
	EIO
	VdiExists
	InvalidParams
	SystemError
	VdiLocked
	NoVdi
	NoBaseVdi
	VdiRead
	VdiWrite
	BaseVdiRead
	BaseVdiWrite
	NoTag
	Startup
	VdiNotLocked
	Shutdown
	NoMem
	FullVdi
	VerMismatch
	NoSpace
	WaitForFormat
	WaitForJoin
	JoinFailed
	Halt
	ManualRecover
	NoStore
	NoSupport
	ClusterRecovering
	OldNodeVer
	NewNodeVer
	NotFormatted
	InvalidCtime
	InvalidEpoch
)

var desc = map[Code]string{
	Success:           "success",
	NoObj:             "no object found",
	EIO:               "I/O error",
	VdiExists:         "VDI exists already",
	InvalidParams:     "invalid parameters",
	SystemError:       "system error",
	VdiLocked:         "VDI is already locked",
	NoVdi:             "no VDI found",
	NoBaseVdi:         "no base VDI found",
	VdiRead:           "failed to read from requested VDI",
	VdiWrite:          "failed to write to requested VDI",
	BaseVdiRead:       "failed to read from base VDI",
	BaseVdiWrite:      "failed to write to base VDI",
	NoTag:             "failed to find requested tag",
	Startup:           "system is still booting",
	VdiNotLocked:      "VDI is not locked",
	Shutdown:          "system is shutting down",
	NoMem:             "out of memory on server",
	FullVdi:           "maximum number of VDIs reached",
	VerMismatch:       "protocol version mismatch",
	NoSpace:           "server has no space for new objects",
	WaitForFormat:     "waiting for cluster to be formatted",
	WaitForJoin:       "waiting for other nodes to join cluster",
	JoinFailed:        "node has failed to join cluster",
	Halt:              "I/O has halted as there are too few living replicas",
	ManualRecover:     "cluster is running/halted and cannot be manually recovered",
	NoStore:           "targeted backend store is not found",
	NoSupport:         "operation is not supported",
	ClusterRecovering: "cluster is recovering",
	OldNodeVer:        "remote node has an old epoch",
	NewNodeVer:        "remote node has a new epoch",
	NotFormatted:      "cluster has not been formatted",
	InvalidCtime:      "creation times differ",
	InvalidEpoch:      "invalid epoch",
}

func (c Code) String() string {
	if s, ok := desc[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown result code %d", uint8(c))
}

func (c Code) Error() string { return c.String() }

// codeErr pairs a sentinel Code with a pkg/errors-wrapped cause so handlers
// can both recover the wire code and print a stack trace in logs.
type codeErr struct {
	code  Code
	cause error
}

func (e *codeErr) Error() string {
	if e.cause == nil {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %v", e.code, e.cause)
}

func (e *codeErr) Unwrap() error { return e.cause }

// Wrap attaches a causal chain to code via pkg/errors, preserving the
// sentinel so CodeOf can recover it later regardless of how many times the
// error is further wrapped up the call stack.
func Wrap(code Code, cause error) error {
	if cause == nil {
		return code
	}
	return &codeErr{code: code, cause: errors.WithStack(cause)}
}

func Wrapf(code Code, format string, args ...interface{}) error {
	return &codeErr{code: code, cause: errors.Errorf(format, args...)}
}

// CodeOf extracts the wire Code from err, defaulting to SystemError when err
// carries no sentinel. nil err maps to Success.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var ce *codeErr
	if errors.As(err, &ce) {
		return ce.code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return SystemError
}
