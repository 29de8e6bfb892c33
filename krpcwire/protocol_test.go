/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func mustBody(t *testing.T, payload []byte, want MessageType) []byte {
	t.Helper()
	typ, body, err := PeekType(payload)
	if err != nil {
		t.Fatalf("PeekType failed: %v", err)
	}
	if typ != want {
		t.Fatalf("message type %d, want %d", typ, want)
	}
	return body
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{Calls: []ProcedureCall{
		{
			Service:   "SpaceCenter",
			Procedure: "get_ActiveVessel",
		},
		{
			Service:   "SpaceCenter",
			Procedure: "Vessel_get_Mass",
			Args:      [][]byte{Encode(Object(3))},
		},
	}}

	body := mustBody(t, EncodeRequest(req), RequestMsg)
	got, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if len(got.Calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(got.Calls))
	}
	if got.Calls[0].Service != "SpaceCenter" || got.Calls[0].Procedure != "get_ActiveVessel" {
		t.Errorf("call 0 mismatch: %+v", got.Calls[0])
	}
	if len(got.Calls[1].Args) != 1 || !bytes.Equal(got.Calls[1].Args[0], Encode(Object(3))) {
		t.Errorf("call 1 args mismatch: %+v", got.Calls[1].Args)
	}
}

func TestEmptyRequestRejected(t *testing.T) {
	body := mustBody(t, EncodeRequest(Request{}), RequestMsg)
	if _, err := DecodeRequest(body); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for empty request, got %v", err)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{Results: []Result{
		{Value: Encode(Double(101.5))},
		{Err: &Error{Code: CodeExecutionFault, Message: "engine exploded"}},
		{Value: Encode(Utf8("ok"))},
	}}

	body := mustBody(t, EncodeResponse(resp), ResponseMsg)
	got, err := DecodeResponse(body)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if len(got.Results) != 3 {
		t.Fatalf("got %d slots, want 3", len(got.Results))
	}
	if got.Results[0].Err != nil || !bytes.Equal(got.Results[0].Value, Encode(Double(101.5))) {
		t.Errorf("slot 0 mismatch")
	}
	if got.Results[1].Err == nil || got.Results[1].Err.Code != CodeExecutionFault {
		t.Errorf("slot 1 should carry an execution fault, got %+v", got.Results[1])
	}
	if got.Results[1].Err.Message != "engine exploded" {
		t.Errorf("slot 1 message: %q", got.Results[1].Err.Message)
	}
	if got.Results[2].Err != nil {
		t.Errorf("slot 2 should be a value")
	}
}

func TestConnectionRequestRoundTrip(t *testing.T) {
	body := mustBody(t, EncodeConnectionRequest(ConnectionRequest{
		Type: RPCConn,
		Name: "telemetry dashboard",
	}), ConnectionRequestMsg)
	got, err := DecodeConnectionRequest(body)
	if err != nil {
		t.Fatalf("DecodeConnectionRequest failed: %v", err)
	}
	if got.Type != RPCConn || got.Name != "telemetry dashboard" {
		t.Fatalf("mismatch: %+v", got)
	}

	id := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	body = mustBody(t, EncodeConnectionRequest(ConnectionRequest{
		Type:     StreamConn,
		ClientID: id,
	}), ConnectionRequestMsg)
	got, err = DecodeConnectionRequest(body)
	if err != nil {
		t.Fatalf("DecodeConnectionRequest failed: %v", err)
	}
	if got.Type != StreamConn || !bytes.Equal(got.ClientID, id) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestConnectionRequestBadMagic(t *testing.T) {
	req := EncodeConnectionRequest(ConnectionRequest{Type: RPCConn, Name: "x"})
	// Corrupt the magic string in place.
	req[3] = 'X'
	body := mustBody(t, req, ConnectionRequestMsg)
	if _, err := DecodeConnectionRequest(body); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for bad magic, got %v", err)
	}
}

func TestStreamMessagesRoundTrip(t *testing.T) {
	call := ProcedureCall{
		Service:   "Flight",
		Procedure: "get_Altitude",
		Args:      [][]byte{Encode(Object(5))},
	}
	body := mustBody(t, EncodeStreamAdd(call), StreamAddMsg)
	gotCall, err := DecodeStreamAdd(body)
	if err != nil {
		t.Fatalf("DecodeStreamAdd failed: %v", err)
	}
	if DescriptorKey(gotCall) != DescriptorKey(call) {
		t.Fatalf("descriptor changed across round trip")
	}

	body = mustBody(t, EncodeStreamAdded(77, nil), StreamAddedMsg)
	id, fault, err := DecodeStreamAdded(body)
	if err != nil || fault != nil || id != 77 {
		t.Fatalf("stream added: id=%d fault=%v err=%v", id, fault, err)
	}

	body = mustBody(t, EncodeStreamAdded(0, &Error{Code: CodeUnknownProcedure, Message: "no"}), StreamAddedMsg)
	_, fault, err = DecodeStreamAdded(body)
	if err != nil || fault == nil || fault.Code != CodeUnknownProcedure {
		t.Fatalf("stream added fault: fault=%v err=%v", fault, err)
	}

	body = mustBody(t, EncodeStreamRemove(77), StreamRemoveMsg)
	id, err = DecodeStreamRemove(body)
	if err != nil || id != 77 {
		t.Fatalf("stream remove: id=%d err=%v", id, err)
	}

	body = mustBody(t, EncodeStreamUpdate(StreamUpdate{
		StreamID: 77,
		Result:   Result{Value: Encode(Double(12345.5))},
	}), StreamUpdateMsg)
	update, err := DecodeStreamUpdate(body)
	if err != nil {
		t.Fatalf("DecodeStreamUpdate failed: %v", err)
	}
	if update.StreamID != 77 || !bytes.Equal(update.Result.Value, Encode(Double(12345.5))) {
		t.Fatalf("update mismatch: %+v", update)
	}
}

func TestPeekTypeRejectsGarbage(t *testing.T) {
	if _, _, err := PeekType(nil); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for empty payload, got %v", err)
	}
	if _, _, err := PeekType([]byte{0xEE}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for unknown type, got %v", err)
	}
}

func TestStreamDedupKey(t *testing.T) {
	a := ProcedureCall{Service: "Flight", Procedure: "get_Altitude", Args: [][]byte{Encode(Object(5))}}
	b := ProcedureCall{Service: "Flight", Procedure: "get_Altitude", Args: [][]byte{Encode(Object(5))}}
	c := ProcedureCall{Service: "Flight", Procedure: "get_Altitude", Args: [][]byte{Encode(Object(6))}}
	if DescriptorKey(a) != DescriptorKey(b) {
		t.Errorf("identical descriptors must share a key")
	}
	if DescriptorKey(a) == DescriptorKey(c) {
		t.Errorf("different arguments must not share a key")
	}
}
