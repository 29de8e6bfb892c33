/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNeedMoreData is a buffering signal, not a failure: a frame is not yet
// fully available and the caller should retry after reading more bytes.
var ErrNeedMoreData = errors.New("need more data")

// ErrDecode marks structurally invalid bytes. Connection-fatal.
var ErrDecode = errors.New("malformed payload")

// ErrBufferOverflow is raised when a receive buffer fills without ever
// yielding a complete message. Connection-fatal.
var ErrBufferOverflow = errors.New("request buffer overflow")

// ErrInvalidHandle is returned for an object handle with no registered
// instance. Per-call.
var ErrInvalidHandle = errors.New("invalid object handle")

// ErrorCode classifies a per-call failure carried in a response slot.
type ErrorCode int32

const (
	CodeUnknownProcedure ErrorCode = iota + 1
	CodeArgumentError
	CodeExecutionFault
	CodeInvalidHandle
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnknownProcedure:
		return "unknown procedure"
	case CodeArgumentError:
		return "argument error"
	case CodeExecutionFault:
		return "execution fault"
	case CodeInvalidHandle:
		return "invalid handle"
	}
	return "unknown error"
}

// Error is the structured per-call error occupying a response slot. The
// connection survives it; only the failing call is affected.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
