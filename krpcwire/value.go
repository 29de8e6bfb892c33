/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

import "bytes"

// Kind identifies which variant of a Value is active.
type Kind uint8

const (
	NULL Kind = iota
	DOUBLE
	FLOAT
	INT32
	INT64
	UINT32
	UINT64
	BOOL
	STRING
	BYTES
	ENUM
	OBJECT
	MESSAGE
	LIST
	DICTIONARY
	SET
	TUPLE
)

func (k Kind) String() string {
	switch k {
	case NULL:
		return "null"
	case DOUBLE:
		return "double"
	case FLOAT:
		return "float"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	case UINT32:
		return "uint32"
	case UINT64:
		return "uint64"
	case BOOL:
		return "bool"
	case STRING:
		return "string"
	case BYTES:
		return "bytes"
	case ENUM:
		return "enum"
	case OBJECT:
		return "object"
	case MESSAGE:
		return "message"
	case LIST:
		return "list"
	case DICTIONARY:
		return "dictionary"
	case SET:
		return "set"
	case TUPLE:
		return "tuple"
	}
	return "unknown"
}

// Value is a closed tagged union over every type the wire format can carry.
// Exactly one payload field is meaningful for a given Kind; containers hold
// fully resolved elements before encoding.
type Value struct {
	Kind Kind

	Fp    float64 // DOUBLE, FLOAT
	Int   int64   // INT32, INT64, ENUM
	Uint  uint64  // UINT32, UINT64, OBJECT handle
	Flag  bool    // BOOL
	Str   string  // STRING
	Raw   []byte  // BYTES, MESSAGE
	Items []Value // LIST, SET, TUPLE
	Pairs []Pair  // DICTIONARY
}

// Pair is one dictionary entry. Encoding order follows slice order.
type Pair struct {
	Key Value
	Val Value
}

func Null() Value             { return Value{Kind: NULL} }
func Double(v float64) Value  { return Value{Kind: DOUBLE, Fp: v} }
func Float(v float32) Value   { return Value{Kind: FLOAT, Fp: float64(v)} }
func Int32(v int32) Value     { return Value{Kind: INT32, Int: int64(v)} }
func Int64(v int64) Value     { return Value{Kind: INT64, Int: v} }
func UInt32(v uint32) Value   { return Value{Kind: UINT32, Uint: uint64(v)} }
func UInt64(v uint64) Value   { return Value{Kind: UINT64, Uint: v} }
func Bool(v bool) Value       { return Value{Kind: BOOL, Flag: v} }
func Utf8(v string) Value     { return Value{Kind: STRING, Str: v} }
func Bytes(v []byte) Value    { return Value{Kind: BYTES, Raw: v} }
func Enum(v int32) Value      { return Value{Kind: ENUM, Int: int64(v)} }
func Object(h uint64) Value   { return Value{Kind: OBJECT, Uint: h} }
func Message(v []byte) Value  { return Value{Kind: MESSAGE, Raw: v} }
func List(items ...Value) Value  { return Value{Kind: LIST, Items: items} }
func Set(items ...Value) Value   { return Value{Kind: SET, Items: items} }
func Tuple(items ...Value) Value { return Value{Kind: TUPLE, Items: items} }
func Dictionary(pairs ...Pair) Value {
	return Value{Kind: DICTIONARY, Pairs: pairs}
}

// Equal reports deep equality of two values. Dictionaries compare pairwise in
// slice order, matching the encoding.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case NULL:
		return true
	case DOUBLE, FLOAT:
		return v.Fp == o.Fp
	case INT32, INT64, ENUM:
		return v.Int == o.Int
	case UINT32, UINT64, OBJECT:
		return v.Uint == o.Uint
	case BOOL:
		return v.Flag == o.Flag
	case STRING:
		return v.Str == o.Str
	case BYTES, MESSAGE:
		return bytes.Equal(v.Raw, o.Raw)
	case LIST, SET, TUPLE:
		if len(v.Items) != len(o.Items) {
			return false
		}
		for i := range v.Items {
			if !v.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	case DICTIONARY:
		if len(v.Pairs) != len(o.Pairs) {
			return false
		}
		for i := range v.Pairs {
			if !v.Pairs[i].Key.Equal(o.Pairs[i].Key) || !v.Pairs[i].Val.Equal(o.Pairs[i].Val) {
				return false
			}
		}
		return true
	}
	return false
}
