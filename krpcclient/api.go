/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcclient

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

// must be fast function
type PerformanceMonitor func(name string, elapsed int64)

// BatchCall is one call of a multi-call request. Result is the shape the
// returned value decodes with, taken from the procedure's signature.
type BatchCall struct {
	Service   string
	Procedure string
	Args      []krpcwire.Value
	Result    krpcwire.Shape
}

// BatchResult is one response slot: Value when the call succeeded, Err when
// its slot carried a structured error. Sibling slots are independent.
type BatchResult struct {
	Value krpcwire.Value
	Err   error
}

type Client interface {
	ClientID() uuid.UUID

	Call(service, procedure string, args []krpcwire.Value, result krpcwire.Shape) (krpcwire.Value, error)

	// Batch sends all calls in one request; one result slot per call, in
	// order, with per-call errors isolated to their slot.
	Batch(calls []BatchCall) ([]BatchResult, error)

	AddStream(service, procedure string, args []krpcwire.Value, result krpcwire.Shape) (*Stream, error)

	RemoveStream(s *Stream) error

	SetMonitor(PerformanceMonitor)

	Close() error
}

type Options struct {
	// Name identifies this client to the server during handshake.
	Name string

	// Socks5 optionally routes both connections through a SOCKS5 proxy.
	Socks5 string

	Timeout time.Duration

	Logger *zap.Logger

	// StreamRecvCap is the buffered capacity of each stream's receive
	// channel; updates beyond it are dropped, keeping the reader loop
	// from stalling on a slow consumer.
	StreamRecvCap int
}

var DefaultTimeout = 30 * time.Second
var DefaultStreamRecvCap = 64

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "krpc-go"
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.StreamRecvCap <= 0 {
		o.StreamRecvCap = DefaultStreamRecvCap
	}
	return o
}
