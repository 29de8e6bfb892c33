/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		val  Value
	}{
		{"null", Null()},
		{"double", Double(3.14159265358979)},
		{"double negative", Double(-1e300)},
		{"float", Float(2.5)},
		{"int32", Int32(-123456)},
		{"int32 min", Int32(-2147483648)},
		{"int64", Int64(-9007199254740993)},
		{"uint32", UInt32(4294967295)},
		{"uint64", UInt64(18446744073709551615)},
		{"bool true", Bool(true)},
		{"bool false", Bool(false)},
		{"string", Utf8("hello, жизнь")},
		{"empty string", Utf8("")},
		{"bytes", Bytes([]byte{0, 1, 2, 255})},
		{"enum", Enum(-7)},
		{"object handle", Object(42)},
		{"null object", Object(0)},
		{"message", Message([]byte("payload"))},
		{"list", List(Int64(1), Int64(2), Int64(3))},
		{"empty list", List()},
		{"set", Set(Utf8("a"), Utf8("b"))},
		{"tuple", Tuple(Double(1.5), Utf8("x"), Bool(true))},
		{"dictionary", Dictionary(
			Pair{Key: Utf8("one"), Val: Int32(1)},
			Pair{Key: Utf8("two"), Val: Int32(2)},
		)},
		{"nested", List(
			Tuple(Utf8("vessel"), Object(7)),
			Tuple(Utf8("body"), Object(9)),
		)},
		{"dict of lists", Dictionary(
			Pair{Key: Int32(1), Val: List(Double(0.5), Double(1.5))},
		)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data := Encode(tc.val)
			got, err := Decode(data, ShapeOf(tc.val))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !got.Equal(tc.val) {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, tc.val)
			}
		})
	}
}

func TestZigZagSmallNegatives(t *testing.T) {
	// Small magnitudes, either sign, must stay in one varint byte.
	for _, v := range []int64{0, -1, 1, -63, 63} {
		data := Encode(Int64(v))
		if len(data) != 1 {
			t.Errorf("Int64(%d) encoded to %d bytes, want 1", v, len(data))
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	data := append(Encode(Int32(5)), 0xff)
	if _, err := Decode(data, Int32Shape); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for trailing bytes, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	cases := []struct {
		name  string
		data  []byte
		shape Shape
	}{
		{"double", []byte{1, 2, 3}, DoubleShape},
		{"bool", nil, BoolShape},
		{"string body", []byte{5, 'a', 'b'}, StringShape},
		{"varint", []byte{0x80}, Int64Shape},
		{"list element", []byte{2, 1}, ListOf(DoubleShape)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := DecodeValue(tc.data, tc.shape); !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestDecodeBadBool(t *testing.T) {
	if _, _, err := DecodeValue([]byte{2}, BoolShape); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for bool byte 2, got %v", err)
	}
}

func TestDecodeTupleArityMismatch(t *testing.T) {
	data := Encode(Tuple(Int32(1), Int32(2)))
	if _, err := Decode(data, TupleOf(Int32Shape, Int32Shape, Int32Shape)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for arity mismatch, got %v", err)
	}
}

func TestDecodeHostileContainerCount(t *testing.T) {
	// Claims 2^40 elements with almost no bytes behind it.
	data := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x20, 1, 1}
	if _, _, err := DecodeValue(data, ListOf(Int32Shape)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for hostile count, got %v", err)
	}

	// One byte behind each claimed element, but a double takes eight: the
	// count check must account for the element's minimum width, not just
	// one byte per element.
	data = binary.AppendUvarint(nil, 1<<16)
	data = append(data, make([]byte, 1<<16)...)
	if _, _, err := DecodeValue(data, ListOf(DoubleShape)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for underweight double list, got %v", err)
	}

	// Same for dictionaries, where a pair is at least key plus value.
	if _, _, err := DecodeValue(data, DictOf(DoubleShape, DoubleShape)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for underweight dictionary, got %v", err)
	}
}

func TestFramePartialDelivery(t *testing.T) {
	payload := []byte("stream telemetry payload")
	frame := EncodeMessage(payload)

	// Every strict prefix must signal NeedMoreData and leave the buffer
	// untouched.
	for k := 0; k < len(frame); k++ {
		prefix := append([]byte(nil), frame[:k]...)
		snapshot := append([]byte(nil), prefix...)
		_, _, err := DecodeMessage(prefix)
		if !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("prefix of %d bytes: expected ErrNeedMoreData, got %v", k, err)
		}
		if !bytes.Equal(prefix, snapshot) {
			t.Fatalf("prefix of %d bytes: buffer mutated", k)
		}
	}

	got, n, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("full frame failed: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", n, len(frame))
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got, payload)
	}
}

func TestFrameBackToBack(t *testing.T) {
	first := EncodeMessage([]byte("first"))
	second := EncodeMessage([]byte("second"))
	buf := append(append([]byte(nil), first...), second...)

	payload, n, err := DecodeMessage(buf)
	if err != nil {
		t.Fatalf("first frame failed: %v", err)
	}
	if string(payload) != "first" {
		t.Fatalf("got %q, want %q", payload, "first")
	}

	payload, _, err = DecodeMessage(buf[n:])
	if err != nil {
		t.Fatalf("second frame failed: %v", err)
	}
	if string(payload) != "second" {
		t.Fatalf("got %q, want %q", payload, "second")
	}
}

func TestFrameBadLengthVarint(t *testing.T) {
	bad := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80}
	if _, _, err := DecodeMessage(bad); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for overlong varint, got %v", err)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	frame := EncodeMessage(nil)
	payload, n, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("empty frame failed: %v", err)
	}
	if len(payload) != 0 || n != len(frame) {
		t.Fatalf("got %d payload bytes, %d consumed", len(payload), n)
	}
}
