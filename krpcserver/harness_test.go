/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcserver

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

type testProc struct {
	sig Signature
	fn  func(args []krpcwire.Value) (krpcwire.Value, error)
}

type testDispatcher struct {
	procs map[string]testProc
}

func newTestDispatcher() *testDispatcher {
	return &testDispatcher{procs: make(map[string]testProc)}
}

func (t *testDispatcher) add(service, procedure string, sig Signature, fn func([]krpcwire.Value) (krpcwire.Value, error)) {
	t.procs[service+"."+procedure] = testProc{sig: sig, fn: fn}
}

func (t *testDispatcher) Signature(service, procedure string) (Signature, error) {
	p, ok := t.procs[service+"."+procedure]
	if !ok {
		return Signature{}, errors.Errorf("no procedure %s.%s", service, procedure)
	}
	return p.sig, nil
}

func (t *testDispatcher) Invoke(service, procedure string, args []krpcwire.Value) (krpcwire.Value, error) {
	p, ok := t.procs[service+"."+procedure]
	if !ok {
		return krpcwire.Value{}, errors.Errorf("no procedure %s.%s", service, procedure)
	}
	return p.fn(args)
}

func newTestServer(t *testing.T, disp Dispatcher, schedCfg SchedulerConfig) *rpcServer {
	t.Helper()
	srv, err := NewServer(Config{Address: "127.0.0.1:0"}, disp, schedCfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.(*rpcServer)
}

// addFakeClient registers a connected client without a socket; tests read its
// outbound frames straight off the queue channels.
func addFakeClient(srv *rpcServer, name string) *servingClient {
	c := &servingClient{
		id:        uuid.New(),
		name:      name,
		srv:       srv,
		logger:    zap.NewNop(),
		done:      make(chan struct{}),
		out:       make(chan []byte, 64),
		streamOut: make(chan []byte, 64),
	}
	c.state.Store(stateConnected)
	srv.mu.Lock()
	srv.clients[c.id] = c
	srv.order = append(srv.order, c)
	srv.mu.Unlock()
	return c
}

func singleCallRequest(service, procedure string, args ...krpcwire.Value) inboundMessage {
	return batchRequest(krpcwire.ProcedureCall{
		Service:   service,
		Procedure: procedure,
		Args:      encodeArgs(args),
	})
}

func batchRequest(calls ...krpcwire.ProcedureCall) inboundMessage {
	return inboundMessage{
		typ: krpcwire.RequestMsg,
		req: krpcwire.Request{Calls: calls},
	}
}

func encodeArgs(args []krpcwire.Value) [][]byte {
	if len(args) == 0 {
		return nil
	}
	blobs := make([][]byte, len(args))
	for i, a := range args {
		blobs[i] = krpcwire.Encode(a)
	}
	return blobs
}

func readResponse(t *testing.T, c *servingClient) krpcwire.Response {
	t.Helper()
	select {
	case frame := <-c.out:
		payload, _, err := krpcwire.DecodeMessage(frame)
		if err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		typ, body, err := krpcwire.PeekType(payload)
		if err != nil || typ != krpcwire.ResponseMsg {
			t.Fatalf("expected response message, got type %d, err %v", typ, err)
		}
		resp, err := krpcwire.DecodeResponse(body)
		if err != nil {
			t.Fatalf("bad response: %v", err)
		}
		return resp
	default:
		t.Fatalf("no response queued")
		return krpcwire.Response{}
	}
}

func readStreamUpdate(t *testing.T, c *servingClient) krpcwire.StreamUpdate {
	t.Helper()
	select {
	case frame := <-c.streamOut:
		payload, _, err := krpcwire.DecodeMessage(frame)
		if err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		typ, body, err := krpcwire.PeekType(payload)
		if err != nil || typ != krpcwire.StreamUpdateMsg {
			t.Fatalf("expected stream update, got type %d, err %v", typ, err)
		}
		update, err := krpcwire.DecodeStreamUpdate(body)
		if err != nil {
			t.Fatalf("bad stream update: %v", err)
		}
		return update
	default:
		t.Fatalf("no stream update queued")
		return krpcwire.StreamUpdate{}
	}
}
