/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

// stream is one deduplicated subscription: a procedure descriptor evaluated
// once per tick and fanned out to every subscriber.
type stream struct {
	id        uint64
	call      krpcwire.ProcedureCall
	args      []krpcwire.Value
	lastValue krpcwire.Result
	subs      map[*servingClient]struct{}
}

// StreamEngine maintains live streams and pushes fresh values each tick over
// subscribers' linked stream connections. Delivery is unconditional every
// tick, not only on change: subscribers expect continuously fresh telemetry.
type StreamEngine struct {
	srv    *rpcServer
	logger *zap.Logger

	nextID atomic.Uint64

	mu    sync.Mutex
	byKey map[string]*stream
	byID  map[uint64]*stream
}

func newStreamEngine(srv *rpcServer) *StreamEngine {
	return &StreamEngine{
		srv:    srv,
		logger: srv.logger.Named("streams"),
		byKey:  make(map[string]*stream),
		byID:   make(map[uint64]*stream),
	}
}

// AddStream subscribes a client to the stream with the given descriptor. Two
// identical descriptors share one stream: the existing id is returned and the
// underlying procedure still executes once per tick.
func (t *StreamEngine) AddStream(cli *servingClient, call krpcwire.ProcedureCall) (uint64, *krpcwire.Error) {
	key := krpcwire.DescriptorKey(call)

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byKey[key]; ok {
		s.subs[cli] = struct{}{}
		return s.id, nil
	}

	sig, err := t.srv.disp.Signature(call.Service, call.Procedure)
	if err != nil {
		return 0, &krpcwire.Error{Code: krpcwire.CodeUnknownProcedure, Message: call.Service + "." + call.Procedure}
	}
	if len(call.Args) != len(sig.Params) {
		return 0, &krpcwire.Error{Code: krpcwire.CodeArgumentError, Message: "wrong argument count"}
	}
	args := make([]krpcwire.Value, len(call.Args))
	for i, blob := range call.Args {
		if args[i], err = krpcwire.Decode(blob, sig.Params[i]); err != nil {
			return 0, &krpcwire.Error{Code: krpcwire.CodeArgumentError, Message: err.Error()}
		}
	}

	s := &stream{
		id:   t.nextID.Inc(),
		call: call,
		args: args,
		subs: map[*servingClient]struct{}{cli: {}},
	}
	t.byKey[key] = s
	t.byID[s.id] = s
	t.logger.Debug("stream created",
		zap.Uint64("stream", s.id),
		zap.String("procedure", call.Service+"."+call.Procedure))
	return s.id, nil
}

// RemoveStream drops one client's subscription and destroys the stream once
// its subscriber set is empty.
func (t *StreamEngine) RemoveStream(cli *servingClient, id uint64) *krpcwire.Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	if !ok {
		return &krpcwire.Error{Code: krpcwire.CodeArgumentError, Message: "unknown stream"}
	}
	delete(s.subs, cli)
	if len(s.subs) == 0 {
		t.destroy(s)
	}
	return nil
}

// dropClient removes a disconnected client from every subscriber set.
func (t *StreamEngine) dropClient(cli *servingClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.byID {
		if _, ok := s.subs[cli]; ok {
			delete(s.subs, cli)
			if len(s.subs) == 0 {
				t.destroy(s)
			}
		}
	}
}

func (t *StreamEngine) destroy(s *stream) {
	delete(t.byID, s.id)
	delete(t.byKey, krpcwire.DescriptorKey(s.call))
	t.logger.Debug("stream destroyed", zap.Uint64("stream", s.id))
}

// Count reports the number of live streams.
func (t *StreamEngine) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Tick evaluates every live stream exactly once, regardless of subscriber
// count, and delivers the result to every subscriber as an independent framed
// message. Runs on the same goroutine as Scheduler.Tick. An evaluation
// failure is delivered as a structured error payload, never dropped.
func (t *StreamEngine) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.byID {
		s.lastValue = t.evaluate(s)
		frame := krpcwire.EncodeMessage(krpcwire.EncodeStreamUpdate(krpcwire.StreamUpdate{
			StreamID: s.id,
			Result:   s.lastValue,
		}))
		for sub := range s.subs {
			sub.sendStream(frame)
		}
	}
}

func (t *StreamEngine) evaluate(s *stream) krpcwire.Result {
	val, err := t.srv.sched.invoke(s.call.Service, s.call.Procedure, s.args)
	if err != nil {
		return krpcwire.Result{Err: &krpcwire.Error{
			Code:    krpcwire.CodeExecutionFault,
			Message: err.Error(),
		}}
	}
	return krpcwire.Result{Value: krpcwire.Encode(val)}
}
