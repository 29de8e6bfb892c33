/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

const (
	stateConnecting int32 = iota
	stateAwaitingApproval
	stateConnected
	stateDisconnected
)

// inboundMessage is one decoded client message queued for the tick loop.
type inboundMessage struct {
	typ        krpcwire.MessageType
	req        krpcwire.Request
	descriptor krpcwire.ProcedureCall
	streamID   uint64
}

// servingClient owns one RPC connection and, once linked, one stream
// connection. The reader goroutine accumulates bytes and queues decoded
// messages; the tick loop drains them; writer goroutines flush outbound
// frames. Buffer ownership hands off at those boundaries, so only the
// inbound queue needs a lock.
type servingClient struct {
	id     uuid.UUID
	name   string
	srv    *rpcServer
	logger *zap.Logger

	state  atomic.Int32
	closed atomic.Bool
	done   chan struct{}

	rpcConn net.Conn
	out     chan []byte

	streamMu   sync.Mutex
	streamConn net.Conn
	streamOut  chan []byte

	inMu    sync.Mutex
	inbound []inboundMessage

	limiter *rate.Limiter
}

func newServingClient(srv *rpcServer, conn net.Conn, name string) *servingClient {
	id := uuid.New()
	t := &servingClient{
		id:      id,
		name:    name,
		srv:     srv,
		logger:  srv.logger.With(zap.String("client", id.String()), zap.String("name", name)),
		done:    make(chan struct{}),
		rpcConn: conn,
		out:     make(chan []byte, srv.cfg.SendQueueCap),
	}
	if srv.cfg.RequestRate > 0 {
		burst := srv.cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(srv.cfg.RequestRate, burst)
	}
	t.state.Store(stateConnecting)
	return t
}

// serve starts the connection goroutines. initial holds bytes the client
// pipelined behind its handshake frame; they are drained before the first
// read.
func (t *servingClient) serve(initial []byte) {
	go t.writeLoop(t.rpcConn, t.out)
	go t.readLoop(initial)
}

// readLoop appends bytes to the receive buffer and repeatedly attempts to
// frame a message. NeedMoreData keeps accumulating; a decoded frame's
// consumed prefix is dropped, retaining trailing bytes of any further
// message already present.
func (t *servingClient) readLoop(initial []byte) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	if len(initial) > 0 {
		buf = append(buf, initial...)
		rest, err := t.drain(buf)
		if err != nil {
			t.closeWith(err)
			return
		}
		buf = rest
	}
	for {
		n, err := t.rpcConn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			rest, err := t.drain(buf)
			if err != nil {
				t.closeWith(err)
				return
			}
			buf = rest
			if len(buf) >= t.srv.cfg.RecvBufferCap {
				t.closeWith(errors.Wrapf(krpcwire.ErrBufferOverflow, "%d bytes buffered", len(buf)))
				return
			}
		}
		if err != nil {
			t.closeWith(err)
			return
		}
	}
}

// drain decodes every complete frame at the front of buf and returns the
// unconsumed remainder.
func (t *servingClient) drain(buf []byte) ([]byte, error) {
	for {
		payload, n, err := krpcwire.DecodeMessage(buf)
		if errors.Is(err, krpcwire.ErrNeedMoreData) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
		if err := t.handlePayload(payload); err != nil {
			return nil, err
		}
		buf = append(buf[:0], buf[n:]...)
	}
}

func (t *servingClient) handlePayload(payload []byte) error {
	typ, body, err := krpcwire.PeekType(payload)
	if err != nil {
		return err
	}
	msg := inboundMessage{typ: typ}
	switch typ {
	case krpcwire.RequestMsg:
		if msg.req, err = krpcwire.DecodeRequest(body); err != nil {
			return err
		}
	case krpcwire.StreamAddMsg:
		if msg.descriptor, err = krpcwire.DecodeStreamAdd(body); err != nil {
			return err
		}
	case krpcwire.StreamRemoveMsg:
		if msg.streamID, err = krpcwire.DecodeStreamRemove(body); err != nil {
			return err
		}
	default:
		return errors.Wrapf(krpcwire.ErrDecode, "unexpected message type %d on rpc connection", typ)
	}
	if t.limiter != nil {
		// Pacing the reader here lets TCP push back on a flooding
		// client instead of answering out of order.
		if err := t.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	t.pushInbound(msg)
	return nil
}

func (t *servingClient) pushInbound(msg inboundMessage) {
	t.inMu.Lock()
	t.inbound = append(t.inbound, msg)
	t.inMu.Unlock()
	t.srv.wake()
}

func (t *servingClient) popInbound() (inboundMessage, bool) {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	if len(t.inbound) == 0 {
		return inboundMessage{}, false
	}
	msg := t.inbound[0]
	t.inbound = t.inbound[1:]
	return msg, true
}

func (t *servingClient) hasInbound() bool {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	return len(t.inbound) > 0
}

// send queues a frame on the RPC connection. Frames for a closed connection
// are computed and then discarded, never a fault.
func (t *servingClient) send(frame []byte) {
	if t.closed.Load() {
		return
	}
	select {
	case t.out <- frame:
	case <-t.done:
	default:
		t.closeWith(errors.New("outbound queue overflow"))
	}
}

// sendStream queues a frame on the linked stream connection; inert until
// linked.
func (t *servingClient) sendStream(frame []byte) {
	t.streamMu.Lock()
	ch := t.streamOut
	t.streamMu.Unlock()
	if ch == nil || t.closed.Load() {
		return
	}
	select {
	case ch <- frame:
	case <-t.done:
	default:
		t.logger.Warn("stream subscriber too slow, dropping update")
	}
}

// linkStream attaches the client's stream connection, identified during the
// stream handshake by the server-issued client id.
func (t *servingClient) linkStream(conn net.Conn) error {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	if t.streamConn != nil {
		return errors.New("stream connection already linked")
	}
	t.streamConn = conn
	t.streamOut = make(chan []byte, t.srv.cfg.SendQueueCap)
	go t.writeLoop(conn, t.streamOut)
	go t.drainStreamConn(conn)
	return nil
}

// drainStreamConn discards anything the client writes on the stream
// connection and notices disconnects.
func (t *servingClient) drainStreamConn(conn net.Conn) {
	chunk := make([]byte, 256)
	for {
		if _, err := conn.Read(chunk); err != nil {
			t.streamMu.Lock()
			if t.streamConn == conn {
				t.streamConn = nil
				t.streamOut = nil
			}
			t.streamMu.Unlock()
			conn.Close()
			return
		}
	}
}

func (t *servingClient) writeLoop(conn net.Conn, ch <-chan []byte) {
	for {
		select {
		case <-t.done:
			return
		case frame := <-ch:
			if err := conn.SetWriteDeadline(time.Now().Add(t.srv.cfg.WriteTimeout)); err != nil {
				t.closeWith(err)
				return
			}
			if _, err := conn.Write(frame); err != nil {
				t.closeWith(err)
				return
			}
		}
	}
}

// closeWith tears the whole session down: both sockets, the inbound queue,
// and every stream subscription. Connection-fatal, never server-fatal.
func (t *servingClient) closeWith(reason error) {
	if !t.closed.CAS(false, true) {
		return
	}
	t.state.Store(stateDisconnected)
	close(t.done)
	if errors.Is(reason, krpcwire.ErrBufferOverflow) || errors.Is(reason, krpcwire.ErrDecode) {
		t.logger.Warn("closing connection", zap.Error(reason))
	} else {
		t.logger.Info("client disconnected", zap.Error(reason))
	}
	if t.rpcConn != nil {
		t.rpcConn.Close()
	}
	t.streamMu.Lock()
	if t.streamConn != nil {
		t.streamConn.Close()
		t.streamConn = nil
		t.streamOut = nil
	}
	t.streamMu.Unlock()
	t.inMu.Lock()
	t.inbound = nil
	t.inMu.Unlock()
	t.srv.removeClient(t)
}
