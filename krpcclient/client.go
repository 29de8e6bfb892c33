/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcclient

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

// StreamResult is one pushed stream value, or the structured error the server
// delivered when evaluating the stream failed that tick.
type StreamResult struct {
	Value krpcwire.Value
	Err   error
}

// Stream is a client-side subscription handle. C yields one result per
// server tick; updates beyond the channel capacity are dropped.
type Stream struct {
	ID    uint64
	C     <-chan StreamResult
	c     chan StreamResult
	shape krpcwire.Shape
}

type rpcClient struct {
	opts     Options
	logger   *zap.Logger
	clientID uuid.UUID

	// callMu serializes requests on the RPC connection: responses arrive
	// in request order, so one outstanding request at a time keeps
	// correlation trivial.
	callMu sync.Mutex
	rpc    *frameConn

	stream *frameConn

	streamsMu sync.Mutex
	streams   map[uint64]*Stream

	monitor atomic.Value
	closed  atomic.Bool
}

// Connect opens the RPC connection, performs the name/client-id handshake,
// then opens and links the stream connection.
func Connect(address string, opts Options) (Client, error) {
	opts = opts.withDefaults()
	t := &rpcClient{
		opts:    opts,
		logger:  opts.Logger,
		streams: make(map[uint64]*Stream),
	}

	conn, err := dial(address, opts.Socks5)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	t.rpc = newFrameConn(conn, opts.Timeout)
	resp, err := t.handshake(t.rpc, krpcwire.ConnectionRequest{
		Type: krpcwire.RPCConn,
		Name: opts.Name,
	})
	if err != nil {
		t.rpc.Close()
		return nil, err
	}
	if t.clientID, err = uuid.FromBytes(resp.ClientID); err != nil {
		t.rpc.Close()
		return nil, errors.Wrap(err, "bad client id in handshake")
	}

	sconn, err := dial(address, opts.Socks5)
	if err != nil {
		t.rpc.Close()
		return nil, errors.Wrapf(err, "dial stream %s", address)
	}
	t.stream = newFrameConn(sconn, opts.Timeout)
	if _, err = t.handshake(t.stream, krpcwire.ConnectionRequest{
		Type:     krpcwire.StreamConn,
		ClientID: t.clientID[:],
	}); err != nil {
		t.rpc.Close()
		t.stream.Close()
		return nil, err
	}

	go t.streamLoop()
	t.logger.Info("connected", zap.String("client", t.clientID.String()))
	return t, nil
}

func (t *rpcClient) handshake(fc *frameConn, req krpcwire.ConnectionRequest) (krpcwire.ConnectionResponse, error) {
	if err := fc.writeFrame(krpcwire.EncodeConnectionRequest(req)); err != nil {
		return krpcwire.ConnectionResponse{}, err
	}
	payload, err := fc.readFrame(time.Now().Add(t.opts.Timeout))
	if err != nil {
		return krpcwire.ConnectionResponse{}, err
	}
	typ, body, err := krpcwire.PeekType(payload)
	if err != nil {
		return krpcwire.ConnectionResponse{}, err
	}
	if typ != krpcwire.ConnectionResponseMsg {
		return krpcwire.ConnectionResponse{}, ErrUnexpectedMessage
	}
	resp, err := krpcwire.DecodeConnectionResponse(body)
	if err != nil {
		return krpcwire.ConnectionResponse{}, err
	}
	switch resp.Status {
	case krpcwire.StatusOK:
		return resp, nil
	case krpcwire.StatusDenied:
		return resp, errors.Wrap(ErrHandshakeDenied, resp.Message)
	case krpcwire.StatusBusy:
		return resp, errors.Wrap(ErrHandshakeBusy, resp.Message)
	}
	return resp, errors.Errorf("handshake rejected: %s", resp.Message)
}

func (t *rpcClient) ClientID() uuid.UUID {
	return t.clientID
}

func (t *rpcClient) SetMonitor(m PerformanceMonitor) {
	t.monitor.Store(m)
}

func (t *rpcClient) observe(name string, start time.Time) {
	if m, ok := t.monitor.Load().(PerformanceMonitor); ok && m != nil {
		m(name, time.Since(start).Microseconds())
	}
}

func (t *rpcClient) Call(service, procedure string, args []krpcwire.Value, result krpcwire.Shape) (krpcwire.Value, error) {
	results, err := t.Batch([]BatchCall{{
		Service:   service,
		Procedure: procedure,
		Args:      args,
		Result:    result,
	}})
	if err != nil {
		return krpcwire.Value{}, err
	}
	if results[0].Err != nil {
		return krpcwire.Value{}, results[0].Err
	}
	return results[0].Value, nil
}

func (t *rpcClient) Batch(calls []BatchCall) ([]BatchResult, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if len(calls) == 0 {
		return nil, errors.New("empty batch")
	}
	start := time.Now()
	defer t.observe(calls[0].Service+"."+calls[0].Procedure, start)

	req := krpcwire.Request{Calls: make([]krpcwire.ProcedureCall, len(calls))}
	for i, c := range calls {
		blobs := make([][]byte, len(c.Args))
		for j, arg := range c.Args {
			blobs[j] = krpcwire.Encode(arg)
		}
		req.Calls[i] = krpcwire.ProcedureCall{
			Service:   c.Service,
			Procedure: c.Procedure,
			Args:      blobs,
		}
	}

	t.callMu.Lock()
	defer t.callMu.Unlock()
	if err := t.rpc.writeFrame(krpcwire.EncodeRequest(req)); err != nil {
		return nil, err
	}
	body, err := t.readReply(krpcwire.ResponseMsg)
	if err != nil {
		return nil, err
	}
	resp, err := krpcwire.DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(calls) {
		return nil, errors.Errorf("response has %d slots, want %d", len(resp.Results), len(calls))
	}

	out := make([]BatchResult, len(calls))
	for i, res := range resp.Results {
		if res.Err != nil {
			out[i].Err = *res.Err
			continue
		}
		val, err := krpcwire.Decode(res.Value, calls[i].Result)
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i].Value = val
	}
	return out, nil
}

func (t *rpcClient) AddStream(service, procedure string, args []krpcwire.Value, result krpcwire.Shape) (*Stream, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	blobs := make([][]byte, len(args))
	for i, arg := range args {
		blobs[i] = krpcwire.Encode(arg)
	}
	call := krpcwire.ProcedureCall{Service: service, Procedure: procedure, Args: blobs}

	t.callMu.Lock()
	defer t.callMu.Unlock()
	if err := t.rpc.writeFrame(krpcwire.EncodeStreamAdd(call)); err != nil {
		return nil, err
	}
	body, err := t.readReply(krpcwire.StreamAddedMsg)
	if err != nil {
		return nil, err
	}
	id, fault, err := krpcwire.DecodeStreamAdded(body)
	if err != nil {
		return nil, err
	}
	if fault != nil {
		return nil, *fault
	}

	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()
	if existing, ok := t.streams[id]; ok {
		// Identical descriptor: the server deduplicated onto an
		// existing stream.
		return existing, nil
	}
	c := make(chan StreamResult, t.opts.StreamRecvCap)
	s := &Stream{ID: id, C: c, c: c, shape: result}
	t.streams[id] = s
	return s, nil
}

func (t *rpcClient) RemoveStream(s *Stream) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.callMu.Lock()
	defer t.callMu.Unlock()
	if err := t.rpc.writeFrame(krpcwire.EncodeStreamRemove(s.ID)); err != nil {
		return err
	}
	body, err := t.readReply(krpcwire.StreamRemovedMsg)
	if err != nil {
		return err
	}
	fault, err := krpcwire.DecodeStreamRemoved(body)
	if err != nil {
		return err
	}
	if fault != nil {
		return *fault
	}
	t.streamsMu.Lock()
	if cur, ok := t.streams[s.ID]; ok && cur == s {
		delete(t.streams, s.ID)
		close(s.c)
	}
	t.streamsMu.Unlock()
	return nil
}

// readReply reads the next frame on the RPC connection and requires the given
// message type. The server answers in request order, and callMu allows one
// outstanding request, so the next frame is always ours.
func (t *rpcClient) readReply(want krpcwire.MessageType) ([]byte, error) {
	payload, err := t.rpc.readFrame(time.Now().Add(t.opts.Timeout))
	if err != nil {
		return nil, err
	}
	typ, body, err := krpcwire.PeekType(payload)
	if err != nil {
		return nil, err
	}
	if typ != want {
		return nil, errors.Wrapf(ErrUnexpectedMessage, "got %d, want %d", typ, want)
	}
	return body, nil
}

// streamLoop decodes pushed updates off the stream connection and routes them
// to subscription channels. A full channel drops the update rather than
// stalling every other stream behind it.
func (t *rpcClient) streamLoop() {
	for {
		payload, err := t.stream.readFrame(time.Time{})
		if err != nil {
			if !t.closed.Load() {
				t.logger.Warn("stream connection lost", zap.Error(err))
			}
			return
		}
		typ, body, err := krpcwire.PeekType(payload)
		if err != nil || typ != krpcwire.StreamUpdateMsg {
			t.logger.Warn("unexpected frame on stream connection")
			continue
		}
		update, err := krpcwire.DecodeStreamUpdate(body)
		if err != nil {
			t.logger.Warn("bad stream update", zap.Error(err))
			continue
		}
		t.deliver(update)
	}
}

func (t *rpcClient) deliver(update krpcwire.StreamUpdate) {
	// Held across the send: RemoveStream and Close close s.c under this
	// lock, so sending outside it races with teardown. The send is
	// non-blocking, so the lock is never held long.
	t.streamsMu.Lock()
	defer t.streamsMu.Unlock()
	s, ok := t.streams[update.StreamID]
	if !ok {
		return
	}
	var res StreamResult
	if update.Result.Err != nil {
		res.Err = *update.Result.Err
	} else {
		val, err := krpcwire.Decode(update.Result.Value, s.shape)
		if err != nil {
			res.Err = err
		} else {
			res.Value = val
		}
	}
	select {
	case s.c <- res:
	default:
	}
}

func (t *rpcClient) Close() error {
	if !t.closed.CAS(false, true) {
		return nil
	}
	t.streamsMu.Lock()
	for id, s := range t.streams {
		delete(t.streams, id)
		close(s.c)
	}
	t.streamsMu.Unlock()
	err := t.rpc.Close()
	if serr := t.stream.Close(); err == nil {
		err = serr
	}
	return err
}
