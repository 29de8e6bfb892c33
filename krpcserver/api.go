/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

// Signature is the static type information of one procedure, used to decode
// argument blobs and to tell clients how to decode the result.
type Signature struct {
	Params []krpcwire.Shape
	Result krpcwire.Shape
}

// Dispatcher executes named procedures against host state. Invoke runs on the
// tick goroutine, so implementations may touch simulation state that is not
// otherwise synchronized. Signature must be safe to call from connection
// goroutines.
type Dispatcher interface {
	Signature(service, procedure string) (Signature, error)

	Invoke(service, procedure string, args []krpcwire.Value) (krpcwire.Value, error)
}

// ClientInfo describes a client asking to connect.
type ClientInfo struct {
	Name    string
	Address string
}

// Approver decides whether a client may connect. It may block while an
// operator confirms; the handshake goroutine waits, not the tick loop.
type Approver interface {
	OnConnectionRequested(info ClientInfo) bool
}

type ApproverFunc func(info ClientInfo) bool

func (f ApproverFunc) OnConnectionRequested(info ClientInfo) bool {
	return f(info)
}

// Config controls the connection layer.
type Config struct {
	Address string

	Logger *zap.Logger

	// Approver gates new RPC connections. Nil means auto-approve.
	Approver Approver

	// MaxPendingApprovals bounds connections sitting in approval at once;
	// beyond it new connections are rejected with a busy status.
	MaxPendingApprovals int

	// RecvBufferCap is the per-connection receive buffer capacity. A
	// connection whose buffer fills without yielding a complete message
	// is closed.
	RecvBufferCap int

	// SendQueueCap is the per-connection outbound frame queue capacity.
	SendQueueCap int

	// RequestRate throttles decoded requests per connection by pacing the
	// reader, letting TCP apply backpressure. Zero means unlimited.
	RequestRate  rate.Limit
	RequestBurst int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// SchedulerConfig controls per-tick request processing.
type SchedulerConfig struct {
	// MaxCallsPerTick caps decoded requests processed per tick. Zero means
	// unlimited.
	MaxCallsPerTick int

	// MaxTimePerTick is the wall-clock budget: once exceeded no new request
	// execution starts, but a started request runs to completion. Zero
	// means unlimited.
	MaxTimePerTick time.Duration

	// AdaptiveRateControl shrinks and grows the effective time budget from
	// tick to tick based on the measured host tick interval, bounding the
	// latency the server adds to the host loop.
	AdaptiveRateControl bool

	// BlockingReceive makes Tick wait up to ReceiveTimeout for a request
	// when none is ready, for deployments where the scheduler rather than
	// the host paces the loop.
	BlockingReceive bool
	ReceiveTimeout  time.Duration
}

const (
	DefaultRecvBufferCap       = 1 << 20
	DefaultSendQueueCap        = 256
	DefaultMaxPendingApprovals = 16
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultWriteTimeout        = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Approver == nil {
		c.Approver = ApproverFunc(func(ClientInfo) bool { return true })
	}
	if c.MaxPendingApprovals <= 0 {
		c.MaxPendingApprovals = DefaultMaxPendingApprovals
	}
	if c.RecvBufferCap <= 0 {
		c.RecvBufferCap = DefaultRecvBufferCap
	}
	if c.SendQueueCap <= 0 {
		c.SendQueueCap = DefaultSendQueueCap
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Server is the embedded RPC core. The host owns the loop: it calls
// Scheduler().Tick and Streams().Tick once per simulation cycle, while Run
// accepts connections on I/O goroutines.
type Server interface {
	Run() error

	Addr() net.Addr

	Scheduler() *Scheduler

	Streams() *StreamEngine

	Objects() *ObjectStore

	Close() error
}
