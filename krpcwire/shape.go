/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

// Shape is the static type expectation a decoder needs, since the wire format
// carries container sizes but not element types. Callers derive shapes from
// procedure signatures.
type Shape struct {
	Kind Kind

	// Elems holds element shapes: one entry for LIST and SET, two entries
	// (key, value) for DICTIONARY, and the exact arity for TUPLE. Empty
	// for scalar kinds.
	Elems []Shape
}

func Scalar(kind Kind) Shape {
	return Shape{Kind: kind}
}

func ListOf(elem Shape) Shape {
	return Shape{Kind: LIST, Elems: []Shape{elem}}
}

func SetOf(elem Shape) Shape {
	return Shape{Kind: SET, Elems: []Shape{elem}}
}

func DictOf(key, val Shape) Shape {
	return Shape{Kind: DICTIONARY, Elems: []Shape{key, val}}
}

func TupleOf(elems ...Shape) Shape {
	return Shape{Kind: TUPLE, Elems: elems}
}

var (
	NullShape   = Scalar(NULL)
	DoubleShape = Scalar(DOUBLE)
	FloatShape  = Scalar(FLOAT)
	Int32Shape  = Scalar(INT32)
	Int64Shape  = Scalar(INT64)
	UInt32Shape = Scalar(UINT32)
	UInt64Shape = Scalar(UINT64)
	BoolShape   = Scalar(BOOL)
	StringShape = Scalar(STRING)
	BytesShape  = Scalar(BYTES)
	EnumShape   = Scalar(ENUM)
	ObjectShape = Scalar(OBJECT)
)

// ShapeOf reconstructs the shape a fully resolved value would decode with.
// Empty containers fall back to a null element shape, which only round-trips
// an empty container.
func ShapeOf(v Value) Shape {
	switch v.Kind {
	case LIST, SET:
		elem := NullShape
		if len(v.Items) > 0 {
			elem = ShapeOf(v.Items[0])
		}
		if v.Kind == SET {
			return SetOf(elem)
		}
		return ListOf(elem)
	case DICTIONARY:
		key, val := NullShape, NullShape
		if len(v.Pairs) > 0 {
			key = ShapeOf(v.Pairs[0].Key)
			val = ShapeOf(v.Pairs[0].Val)
		}
		return DictOf(key, val)
	case TUPLE:
		elems := make([]Shape, len(v.Items))
		for i, item := range v.Items {
			elems[i] = ShapeOf(item)
		}
		return TupleOf(elems...)
	default:
		return Scalar(v.Kind)
	}
}
