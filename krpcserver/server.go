/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

// handshakeFrameCap bounds the first frame of a connection; a handshake is a
// few dozen bytes, anything bigger is not speaking the protocol.
const handshakeFrameCap = 1024

type rpcServer struct {
	cfg    Config
	disp   Dispatcher
	logger *zap.Logger

	listener net.Listener
	sched    *Scheduler
	streams  *StreamEngine
	objects  *ObjectStore

	mu      sync.Mutex
	clients map[uuid.UUID]*servingClient
	order   []*servingClient

	pending  atomic.Int32
	shutdown atomic.Bool

	// notify wakes a blocking-receive tick when inbound work arrives.
	notify chan struct{}
}

// NewServer listens on cfg.Address and wires the scheduler, stream engine and
// object store around the given dispatcher. Run must be called to start
// accepting connections.
func NewServer(cfg Config, disp Dispatcher, schedCfg SchedulerConfig) (Server, error) {
	if disp == nil {
		return nil, errors.New("nil dispatcher")
	}
	cfg = cfg.withDefaults()
	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", cfg.Address)
	}
	t := &rpcServer{
		cfg:      cfg,
		disp:     disp,
		logger:   cfg.Logger,
		listener: listener,
		objects:  NewObjectStore(),
		clients:  make(map[uuid.UUID]*servingClient),
		notify:   make(chan struct{}, 1),
	}
	t.sched = newScheduler(t, schedCfg)
	t.streams = newStreamEngine(t)
	t.logger.Info("rpc server listening", zap.String("address", listener.Addr().String()))
	return t, nil
}

func (t *rpcServer) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *rpcServer) Scheduler() *Scheduler {
	return t.sched
}

func (t *rpcServer) Streams() *StreamEngine {
	return t.streams
}

func (t *rpcServer) Objects() *ObjectStore {
	return t.objects
}

// Run accepts connections until Close. Each handshake runs on its own
// goroutine so a slow approval never stalls the accept loop.
func (t *rpcServer) Run() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go t.handshake(conn)
	}
}

func (t *rpcServer) Close() error {
	if !t.shutdown.CAS(false, true) {
		return nil
	}
	err := t.listener.Close()
	t.mu.Lock()
	clients := make([]*servingClient, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.Unlock()
	for _, c := range clients {
		c.closeWith(errors.New("server closed"))
	}
	t.logger.Info("rpc server closed")
	return err
}

func (t *rpcServer) handshake(conn net.Conn) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	payload, rest, err := readHandshakeFrame(conn, deadline)
	if err != nil {
		t.logger.Debug("handshake read failed", zap.Error(err))
		conn.Close()
		return
	}
	typ, body, err := krpcwire.PeekType(payload)
	if err != nil || typ != krpcwire.ConnectionRequestMsg {
		t.reject(conn, krpcwire.StatusMalformed, "expected connection request")
		return
	}
	req, err := krpcwire.DecodeConnectionRequest(body)
	if err != nil {
		t.reject(conn, krpcwire.StatusMalformed, err.Error())
		return
	}
	switch req.Type {
	case krpcwire.RPCConn:
		t.handshakeRPC(conn, req, rest)
	case krpcwire.StreamConn:
		// The stream connection is server-to-client only; anything the
		// client pipelined behind its handshake is discarded.
		t.handshakeStream(conn, req)
	}
}

func (t *rpcServer) handshakeRPC(conn net.Conn, req krpcwire.ConnectionRequest, rest []byte) {
	if int(t.pending.Inc()) > t.cfg.MaxPendingApprovals {
		t.pending.Dec()
		t.reject(conn, krpcwire.StatusBusy, "too many connections awaiting approval")
		return
	}
	cli := newServingClient(t, conn, req.Name)
	cli.state.Store(stateAwaitingApproval)
	allowed := t.cfg.Approver.OnConnectionRequested(ClientInfo{
		Name:    req.Name,
		Address: conn.RemoteAddr().String(),
	})
	t.pending.Dec()
	if !allowed {
		t.reject(conn, krpcwire.StatusDenied, "connection denied")
		return
	}

	resp := krpcwire.EncodeConnectionResponse(krpcwire.ConnectionResponse{
		Status:   krpcwire.StatusOK,
		ClientID: cli.id[:],
	})
	if err := writeHandshakeFrame(conn, resp, t.cfg.WriteTimeout); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	t.clients[cli.id] = cli
	t.order = append(t.order, cli)
	t.mu.Unlock()

	cli.state.Store(stateConnected)
	cli.serve(rest)
	t.logger.Info("client connected",
		zap.String("client", cli.id.String()),
		zap.String("name", cli.name),
		zap.String("address", conn.RemoteAddr().String()))
}

func (t *rpcServer) handshakeStream(conn net.Conn, req krpcwire.ConnectionRequest) {
	id, err := uuid.FromBytes(req.ClientID)
	if err != nil {
		t.reject(conn, krpcwire.StatusMalformed, "bad client id")
		return
	}
	t.mu.Lock()
	cli := t.clients[id]
	t.mu.Unlock()
	if cli == nil {
		t.reject(conn, krpcwire.StatusDenied, "unknown client id")
		return
	}
	if err := cli.linkStream(conn); err != nil {
		t.reject(conn, krpcwire.StatusDenied, err.Error())
		return
	}
	resp := krpcwire.EncodeConnectionResponse(krpcwire.ConnectionResponse{
		Status:   krpcwire.StatusOK,
		ClientID: cli.id[:],
	})
	if err := writeHandshakeFrame(conn, resp, t.cfg.WriteTimeout); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	t.logger.Info("stream connection linked", zap.String("client", cli.id.String()))
}

func (t *rpcServer) reject(conn net.Conn, status krpcwire.Status, msg string) {
	resp := krpcwire.EncodeConnectionResponse(krpcwire.ConnectionResponse{
		Status:  status,
		Message: msg,
	})
	writeHandshakeFrame(conn, resp, t.cfg.WriteTimeout)
	conn.Close()
}

func (t *rpcServer) removeClient(cli *servingClient) {
	t.mu.Lock()
	delete(t.clients, cli.id)
	for i, c := range t.order {
		if c == cli {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	t.streams.dropClient(cli)
}

// wake nudges a blocking-receive tick; dropped when one is already pending.
func (t *rpcServer) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// readHandshakeFrame reads the first frame off a fresh connection. Bytes past
// the frame belong to the serving phase; a client may pipeline its first
// request behind the handshake, so the remainder is returned, not dropped.
func readHandshakeFrame(conn net.Conn, deadline time.Time) ([]byte, []byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		payload, n, err := krpcwire.DecodeMessage(buf)
		if err == nil {
			return payload, buf[n:], nil
		}
		if !errors.Is(err, krpcwire.ErrNeedMoreData) {
			return nil, nil, err
		}
		if len(buf) > handshakeFrameCap {
			return nil, nil, errors.Wrap(krpcwire.ErrDecode, "oversized handshake")
		}
		n, err = conn.Read(chunk)
		if err != nil {
			return nil, nil, err
		}
		buf = append(buf, chunk[:n]...)
	}
}

func writeHandshakeFrame(conn net.Conn, payload []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := conn.Write(krpcwire.EncodeMessage(payload))
	return err
}
