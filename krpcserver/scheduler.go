/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

// minTickBudget is the floor adaptive rate control will not shrink below, so
// a loaded host still makes some RPC progress every tick.
const minTickBudget = 100 * time.Microsecond

// Scheduler drains decoded client messages within a per-tick budget. All
// execution happens on the goroutine calling Tick, since procedure
// implementations may touch host state that is not otherwise synchronized;
// concurrency stays in the I/O layer.
type Scheduler struct {
	cfg    SchedulerConfig
	srv    *rpcServer
	logger *zap.Logger

	cursor int

	lastTickAt time.Time
	lastExec   time.Duration
	effective  time.Duration

	// RequestsProcessed counts messages drained over the server lifetime.
	RequestsProcessed atomic.Int64
}

func newScheduler(srv *rpcServer, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		srv:    srv,
		logger: srv.logger.Named("scheduler"),
	}
}

// Tick is invoked once per host cycle. It processes pending requests under
// the configured budgets and returns the number of messages handled. It never
// blocks indefinitely; BlockingReceive with ReceiveTimeout is the one bounded
// exception when no work is ready.
func (t *Scheduler) Tick(ctx context.Context) int {
	start := time.Now()
	budget := t.budget(start)
	processed := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if t.cfg.MaxCallsPerTick > 0 && processed >= t.cfg.MaxCallsPerTick {
			break
		}
		if budget > 0 && time.Since(start) >= budget {
			break
		}
		cli, msg, ok := t.nextReady()
		if !ok {
			if t.cfg.BlockingReceive && processed == 0 && t.waitForWork(ctx, start, budget) {
				continue
			}
			break
		}
		t.process(cli, msg)
		processed++
		t.RequestsProcessed.Inc()
	}
	t.lastExec = time.Since(start)
	t.lastTickAt = start
	return processed
}

// budget computes this tick's effective time budget. With adaptive rate
// control the budget tracks a slice of the measured host tick interval:
// shrinking while execution overruns the slice, recovering toward the
// configured maximum otherwise.
func (t *Scheduler) budget(now time.Time) time.Duration {
	limit := t.cfg.MaxTimePerTick
	if limit <= 0 || !t.cfg.AdaptiveRateControl {
		return limit
	}
	if t.effective == 0 {
		t.effective = limit
	}
	if !t.lastTickAt.IsZero() {
		slice := now.Sub(t.lastTickAt) / 10
		if t.lastExec > slice {
			t.effective = t.effective * 4 / 5
			if t.effective < minTickBudget {
				t.effective = minTickBudget
			}
		} else {
			t.effective += t.effective / 10
			if t.effective > limit {
				t.effective = limit
			}
		}
	}
	return t.effective
}

// nextReady selects the next pending message with round-robin fairness: the
// cursor advances past each serviced connection, so none is serviced twice
// while another with pending work waits.
func (t *Scheduler) nextReady() (*servingClient, inboundMessage, bool) {
	t.srv.mu.Lock()
	defer t.srv.mu.Unlock()
	n := len(t.srv.order)
	for i := 0; i < n; i++ {
		idx := (t.cursor + i) % n
		cli := t.srv.order[idx]
		if msg, ok := cli.popInbound(); ok {
			t.cursor = (idx + 1) % n
			return cli, msg, true
		}
	}
	return nil, inboundMessage{}, false
}

func (t *Scheduler) waitForWork(ctx context.Context, start time.Time, budget time.Duration) bool {
	timeout := t.cfg.ReceiveTimeout
	if budget > 0 {
		if remaining := budget - time.Since(start); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.srv.notify:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Scheduler) process(cli *servingClient, msg inboundMessage) {
	switch msg.typ {
	case krpcwire.RequestMsg:
		resp := t.execute(msg.req)
		cli.send(krpcwire.EncodeMessage(krpcwire.EncodeResponse(resp)))
	case krpcwire.StreamAddMsg:
		id, fault := t.srv.streams.AddStream(cli, msg.descriptor)
		cli.send(krpcwire.EncodeMessage(krpcwire.EncodeStreamAdded(id, fault)))
	case krpcwire.StreamRemoveMsg:
		fault := t.srv.streams.RemoveStream(cli, msg.streamID)
		cli.send(krpcwire.EncodeMessage(krpcwire.EncodeStreamRemoved(fault)))
	}
}

// execute runs every call of a request, one result slot per call in request
// order. A failing call fills its slot with a structured error without
// aborting its siblings.
func (t *Scheduler) execute(req krpcwire.Request) krpcwire.Response {
	results := make([]krpcwire.Result, len(req.Calls))
	for i, call := range req.Calls {
		results[i] = t.executeCall(call)
	}
	return krpcwire.Response{Results: results}
}

func (t *Scheduler) executeCall(call krpcwire.ProcedureCall) krpcwire.Result {
	sig, err := t.srv.disp.Signature(call.Service, call.Procedure)
	if err != nil {
		return faultResult(krpcwire.CodeUnknownProcedure, "%s.%s", call.Service, call.Procedure)
	}
	if len(call.Args) != len(sig.Params) {
		return faultResult(krpcwire.CodeArgumentError,
			"%s.%s takes %d arguments, got %d", call.Service, call.Procedure, len(sig.Params), len(call.Args))
	}
	args := make([]krpcwire.Value, len(call.Args))
	for i, blob := range call.Args {
		arg, err := krpcwire.Decode(blob, sig.Params[i])
		if err != nil {
			return faultResult(krpcwire.CodeArgumentError, "argument %d: %v", i, err)
		}
		if arg.Kind == krpcwire.OBJECT && arg.Uint != 0 {
			if _, err := t.srv.objects.GetInstance(arg.Uint); err != nil {
				return faultResult(krpcwire.CodeInvalidHandle, "argument %d: %v", i, err)
			}
		}
		args[i] = arg
	}
	val, err := t.invoke(call.Service, call.Procedure, args)
	if err != nil {
		if errors.Is(err, krpcwire.ErrInvalidHandle) {
			return faultResult(krpcwire.CodeInvalidHandle, "%v", err)
		}
		return faultResult(krpcwire.CodeExecutionFault, "%v", err)
	}
	return krpcwire.Result{Value: krpcwire.Encode(val)}
}

// invoke catches any execution failure, panics included, at the call
// boundary so a misbehaving procedure never takes down the tick loop.
func (t *Scheduler) invoke(service, procedure string, args []krpcwire.Value) (val krpcwire.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("procedure panicked",
				zap.String("service", service),
				zap.String("procedure", procedure),
				zap.Any("panic", r))
			err = errors.Errorf("panic in %s.%s: %v", service, procedure, r)
		}
	}()
	return t.srv.disp.Invoke(service, procedure, args)
}

func faultResult(code krpcwire.ErrorCode, format string, args ...any) krpcwire.Result {
	return krpcwire.Result{Err: &krpcwire.Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}}
}
