/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var Magic = "kRPC"
var Version = uint64(1)

// MessageType is the first byte of every frame payload.
type MessageType byte

const (
	ConnectionRequestMsg MessageType = iota
	ConnectionResponseMsg
	RequestMsg
	ResponseMsg
	StreamAddMsg
	StreamAddedMsg
	StreamRemoveMsg
	StreamRemovedMsg
	StreamUpdateMsg
)

// ConnType distinguishes the two connections a client opens: the RPC
// connection carries requests and responses, the stream connection only
// receives pushed updates once linked by client id.
type ConnType byte

const (
	RPCConn ConnType = iota
	StreamConn
)

// Status is the handshake outcome.
type Status byte

const (
	StatusOK Status = iota
	StatusDenied
	StatusMalformed
	StatusBusy
)

// ProcedureCall names one procedure with its encoded arguments. Argument
// values travel as opaque blobs; only a caller holding the procedure's
// signature can decode them.
type ProcedureCall struct {
	Service   string
	Procedure string
	Args      [][]byte
}

// Request is an ordered, non-empty batch of calls. Calls execute
// independently; one failing does not prevent the others from executing.
type Request struct {
	Calls []ProcedureCall
}

// Result is one response slot: either an encoded value or a structured error.
type Result struct {
	Value []byte
	Err   *Error
}

// Response carries one result slot per call, in request order.
type Response struct {
	Results []Result
}

// StreamUpdate is one pushed value for one stream.
type StreamUpdate struct {
	StreamID uint64
	Result   Result
}

// ConnectionRequest opens either connection. Name identifies an RPC client;
// ClientID links a stream connection to its RPC session.
type ConnectionRequest struct {
	Type     ConnType
	Name     string
	ClientID []byte
}

type ConnectionResponse struct {
	Status   Status
	Message  string
	ClientID []byte
}

// PeekType splits a frame payload into its message type and body.
func PeekType(payload []byte) (MessageType, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, errors.Wrap(ErrDecode, "empty payload")
	}
	t := MessageType(payload[0])
	if t > StreamUpdateMsg {
		return 0, nil, errors.Wrapf(ErrDecode, "bad message type: %d", payload[0])
	}
	return t, payload[1:], nil
}

func EncodeConnectionRequest(req ConnectionRequest) []byte {
	out := []byte{byte(ConnectionRequestMsg), byte(req.Type)}
	out = appendString(out, Magic)
	out = binary.AppendUvarint(out, Version)
	switch req.Type {
	case RPCConn:
		out = appendString(out, req.Name)
	case StreamConn:
		out = appendBlob(out, req.ClientID)
	}
	return out
}

func DecodeConnectionRequest(body []byte) (ConnectionRequest, error) {
	var req ConnectionRequest
	if len(body) < 1 {
		return req, errors.Wrap(ErrDecode, "truncated connection request")
	}
	req.Type = ConnType(body[0])
	if req.Type != RPCConn && req.Type != StreamConn {
		return ConnectionRequest{}, errors.Wrapf(ErrDecode, "bad connection type: %d", body[0])
	}
	off := 1
	magic, n, err := readString(body[off:])
	if err != nil {
		return ConnectionRequest{}, err
	}
	off += n
	if magic != Magic {
		return ConnectionRequest{}, errors.Wrapf(ErrDecode, "bad magic: %q", magic)
	}
	version, n, err := readUvarint(body[off:])
	if err != nil {
		return ConnectionRequest{}, err
	}
	off += n
	if version > Version {
		return ConnectionRequest{}, errors.Wrapf(ErrDecode, "unsupported version: %d", version)
	}
	switch req.Type {
	case RPCConn:
		req.Name, _, err = readString(body[off:])
	default:
		var id []byte
		id, _, err = readBlob(body[off:])
		req.ClientID = append([]byte(nil), id...)
	}
	if err != nil {
		return ConnectionRequest{}, err
	}
	return req, nil
}

func EncodeConnectionResponse(resp ConnectionResponse) []byte {
	out := []byte{byte(ConnectionResponseMsg), byte(resp.Status)}
	out = appendString(out, resp.Message)
	return appendBlob(out, resp.ClientID)
}

func DecodeConnectionResponse(body []byte) (ConnectionResponse, error) {
	var resp ConnectionResponse
	if len(body) < 1 {
		return resp, errors.Wrap(ErrDecode, "truncated connection response")
	}
	resp.Status = Status(body[0])
	off := 1
	msg, n, err := readString(body[off:])
	if err != nil {
		return ConnectionResponse{}, err
	}
	off += n
	resp.Message = msg
	id, _, err := readBlob(body[off:])
	if err != nil {
		return ConnectionResponse{}, err
	}
	resp.ClientID = append([]byte(nil), id...)
	return resp, nil
}

func EncodeRequest(req Request) []byte {
	out := []byte{byte(RequestMsg)}
	out = binary.AppendUvarint(out, uint64(len(req.Calls)))
	for _, call := range req.Calls {
		out = appendCall(out, call)
	}
	return out
}

func DecodeRequest(body []byte) (Request, error) {
	count, off, err := readUvarint(body)
	if err != nil {
		return Request{}, err
	}
	if count == 0 {
		return Request{}, errors.Wrap(ErrDecode, "empty request")
	}
	if err := checkCount(count, body[off:], 0); err != nil {
		return Request{}, err
	}
	calls := make([]ProcedureCall, 0, count)
	for i := uint64(0); i < count; i++ {
		call, n, err := readCall(body[off:])
		if err != nil {
			return Request{}, err
		}
		off += n
		calls = append(calls, call)
	}
	return Request{Calls: calls}, nil
}

func EncodeResponse(resp Response) []byte {
	out := []byte{byte(ResponseMsg)}
	out = binary.AppendUvarint(out, uint64(len(resp.Results)))
	for _, res := range resp.Results {
		out = appendResult(out, res)
	}
	return out
}

func DecodeResponse(body []byte) (Response, error) {
	count, off, err := readUvarint(body)
	if err != nil {
		return Response{}, err
	}
	if err := checkCount(count, body[off:], 0); err != nil {
		return Response{}, err
	}
	results := make([]Result, 0, count)
	for i := uint64(0); i < count; i++ {
		res, n, err := readResult(body[off:])
		if err != nil {
			return Response{}, err
		}
		off += n
		results = append(results, res)
	}
	return Response{Results: results}, nil
}

// EncodeStreamAdd wraps a stream descriptor: the procedure call to evaluate
// every tick.
func EncodeStreamAdd(call ProcedureCall) []byte {
	return appendCall([]byte{byte(StreamAddMsg)}, call)
}

func DecodeStreamAdd(body []byte) (ProcedureCall, error) {
	call, _, err := readCall(body)
	return call, err
}

func EncodeStreamAdded(id uint64, fault *Error) []byte {
	out := []byte{byte(StreamAddedMsg)}
	if fault != nil {
		out = append(out, 1)
		return appendError(out, *fault)
	}
	out = append(out, 0)
	return binary.AppendUvarint(out, id)
}

func DecodeStreamAdded(body []byte) (uint64, *Error, error) {
	if len(body) < 1 {
		return 0, nil, errors.Wrap(ErrDecode, "truncated stream reply")
	}
	if body[0] == 1 {
		fault, _, err := readError(body[1:])
		if err != nil {
			return 0, nil, err
		}
		return 0, &fault, nil
	}
	id, _, err := readUvarint(body[1:])
	return id, nil, err
}

func EncodeStreamRemove(id uint64) []byte {
	return binary.AppendUvarint([]byte{byte(StreamRemoveMsg)}, id)
}

func DecodeStreamRemove(body []byte) (uint64, error) {
	id, _, err := readUvarint(body)
	return id, err
}

func EncodeStreamRemoved(fault *Error) []byte {
	out := []byte{byte(StreamRemovedMsg)}
	if fault != nil {
		out = append(out, 1)
		return appendError(out, *fault)
	}
	return append(out, 0)
}

func DecodeStreamRemoved(body []byte) (*Error, error) {
	if len(body) < 1 {
		return nil, errors.Wrap(ErrDecode, "truncated stream reply")
	}
	if body[0] == 1 {
		fault, _, err := readError(body[1:])
		if err != nil {
			return nil, err
		}
		return &fault, nil
	}
	return nil, nil
}

func EncodeStreamUpdate(u StreamUpdate) []byte {
	out := binary.AppendUvarint([]byte{byte(StreamUpdateMsg)}, u.StreamID)
	return appendResult(out, u.Result)
}

func DecodeStreamUpdate(body []byte) (StreamUpdate, error) {
	id, off, err := readUvarint(body)
	if err != nil {
		return StreamUpdate{}, err
	}
	res, _, err := readResult(body[off:])
	if err != nil {
		return StreamUpdate{}, err
	}
	return StreamUpdate{StreamID: id, Result: res}, nil
}

// DescriptorKey canonicalizes a procedure call for stream deduplication: two
// subscriptions with byte-identical encodings share one stream.
func DescriptorKey(call ProcedureCall) string {
	return string(appendCall(nil, call))
}

func appendCall(dst []byte, call ProcedureCall) []byte {
	dst = appendString(dst, call.Service)
	dst = appendString(dst, call.Procedure)
	dst = binary.AppendUvarint(dst, uint64(len(call.Args)))
	for _, arg := range call.Args {
		dst = appendBlob(dst, arg)
	}
	return dst
}

func readCall(data []byte) (ProcedureCall, int, error) {
	var call ProcedureCall
	var n int
	var err error
	off := 0
	if call.Service, n, err = readString(data); err != nil {
		return ProcedureCall{}, 0, err
	}
	off += n
	if call.Procedure, n, err = readString(data[off:]); err != nil {
		return ProcedureCall{}, 0, err
	}
	off += n
	argc, n, err := readUvarint(data[off:])
	if err != nil {
		return ProcedureCall{}, 0, err
	}
	off += n
	if err := checkCount(argc, data[off:], 0); err != nil {
		return ProcedureCall{}, 0, err
	}
	call.Args = make([][]byte, 0, argc)
	for i := uint64(0); i < argc; i++ {
		arg, n, err := readBlob(data[off:])
		if err != nil {
			return ProcedureCall{}, 0, err
		}
		off += n
		call.Args = append(call.Args, append([]byte(nil), arg...))
	}
	return call, off, nil
}

func appendResult(dst []byte, res Result) []byte {
	if res.Err != nil {
		dst = append(dst, 1)
		return appendError(dst, *res.Err)
	}
	dst = append(dst, 0)
	return appendBlob(dst, res.Value)
}

func readResult(data []byte) (Result, int, error) {
	if len(data) < 1 {
		return Result{}, 0, errors.Wrap(ErrDecode, "truncated result")
	}
	switch data[0] {
	case 0:
		val, n, err := readBlob(data[1:])
		if err != nil {
			return Result{}, 0, err
		}
		return Result{Value: append([]byte(nil), val...)}, 1 + n, nil
	case 1:
		fault, n, err := readError(data[1:])
		if err != nil {
			return Result{}, 0, err
		}
		return Result{Err: &fault}, 1 + n, nil
	}
	return Result{}, 0, errors.Wrapf(ErrDecode, "bad result flag: %#x", data[0])
}

func appendError(dst []byte, e Error) []byte {
	dst = binary.AppendUvarint(dst, zigzag(int64(e.Code)))
	return appendString(dst, e.Message)
}

func readError(data []byte) (Error, int, error) {
	code, off, err := readUvarint(data)
	if err != nil {
		return Error{}, 0, err
	}
	msg, n, err := readString(data[off:])
	if err != nil {
		return Error{}, 0, err
	}
	return Error{Code: ErrorCode(unzigzag(code)), Message: msg}, off + n, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(data []byte) (string, int, error) {
	raw, n, err := readBlob(data)
	if err != nil {
		return "", 0, err
	}
	return string(raw), n, nil
}

func appendBlob(dst []byte, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}
