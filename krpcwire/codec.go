/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Encode serializes a value. The output carries container counts but no type
// tags; Decode needs the matching shape to read it back.
func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

// AppendValue appends the encoding of v to dst and returns the extended slice.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Kind {
	case NULL:
		return dst
	case DOUBLE:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.Fp))
	case FLOAT:
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v.Fp)))
	case INT32, INT64, ENUM:
		return binary.AppendUvarint(dst, zigzag(v.Int))
	case UINT32, UINT64, OBJECT:
		return binary.AppendUvarint(dst, v.Uint)
	case BOOL:
		if v.Flag {
			return append(dst, 1)
		}
		return append(dst, 0)
	case STRING:
		dst = binary.AppendUvarint(dst, uint64(len(v.Str)))
		return append(dst, v.Str...)
	case BYTES, MESSAGE:
		dst = binary.AppendUvarint(dst, uint64(len(v.Raw)))
		return append(dst, v.Raw...)
	case LIST, SET, TUPLE:
		dst = binary.AppendUvarint(dst, uint64(len(v.Items)))
		for _, item := range v.Items {
			dst = AppendValue(dst, item)
		}
		return dst
	case DICTIONARY:
		dst = binary.AppendUvarint(dst, uint64(len(v.Pairs)))
		for _, p := range v.Pairs {
			dst = AppendValue(dst, p.Key)
			dst = AppendValue(dst, p.Val)
		}
		return dst
	}
	return dst
}

// Decode reads one value of the expected shape from data, requiring all bytes
// to be consumed. Leftover bytes are malformed input.
func Decode(data []byte, shape Shape) (Value, error) {
	v, n, err := DecodeValue(data, shape)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, errors.Wrapf(ErrDecode, "%d trailing bytes after %s", len(data)-n, shape.Kind)
	}
	return v, nil
}

// DecodeValue reads one value of the expected shape from the front of data,
// returning the value and the number of bytes consumed. Truncated or
// structurally invalid input fails with ErrDecode; data is never mutated.
func DecodeValue(data []byte, shape Shape) (Value, int, error) {
	switch shape.Kind {
	case NULL:
		return Null(), 0, nil
	case DOUBLE:
		if len(data) < 8 {
			return Value{}, 0, errors.Wrap(ErrDecode, "truncated double")
		}
		return Double(math.Float64frombits(binary.LittleEndian.Uint64(data))), 8, nil
	case FLOAT:
		if len(data) < 4 {
			return Value{}, 0, errors.Wrap(ErrDecode, "truncated float")
		}
		return Float(math.Float32frombits(binary.LittleEndian.Uint32(data))), 4, nil
	case INT32:
		u, n, err := readUvarint(data)
		if err != nil {
			return Value{}, 0, err
		}
		i := unzigzag(u)
		if i < math.MinInt32 || i > math.MaxInt32 {
			return Value{}, 0, errors.Wrapf(ErrDecode, "int32 out of range: %d", i)
		}
		return Int32(int32(i)), n, nil
	case INT64:
		u, n, err := readUvarint(data)
		if err != nil {
			return Value{}, 0, err
		}
		return Int64(unzigzag(u)), n, nil
	case ENUM:
		u, n, err := readUvarint(data)
		if err != nil {
			return Value{}, 0, err
		}
		i := unzigzag(u)
		if i < math.MinInt32 || i > math.MaxInt32 {
			return Value{}, 0, errors.Wrapf(ErrDecode, "enum out of range: %d", i)
		}
		return Enum(int32(i)), n, nil
	case UINT32:
		u, n, err := readUvarint(data)
		if err != nil {
			return Value{}, 0, err
		}
		if u > math.MaxUint32 {
			return Value{}, 0, errors.Wrapf(ErrDecode, "uint32 out of range: %d", u)
		}
		return UInt32(uint32(u)), n, nil
	case UINT64:
		u, n, err := readUvarint(data)
		if err != nil {
			return Value{}, 0, err
		}
		return UInt64(u), n, nil
	case OBJECT:
		u, n, err := readUvarint(data)
		if err != nil {
			return Value{}, 0, err
		}
		return Object(u), n, nil
	case BOOL:
		if len(data) < 1 {
			return Value{}, 0, errors.Wrap(ErrDecode, "truncated bool")
		}
		switch data[0] {
		case 0:
			return Bool(false), 1, nil
		case 1:
			return Bool(true), 1, nil
		}
		return Value{}, 0, errors.Wrapf(ErrDecode, "bad bool byte: %#x", data[0])
	case STRING:
		raw, n, err := readBlob(data)
		if err != nil {
			return Value{}, 0, err
		}
		return Utf8(string(raw)), n, nil
	case BYTES, MESSAGE:
		raw, n, err := readBlob(data)
		if err != nil {
			return Value{}, 0, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		if shape.Kind == MESSAGE {
			return Message(cp), n, nil
		}
		return Bytes(cp), n, nil
	case LIST, SET, TUPLE:
		return decodeSequence(data, shape)
	case DICTIONARY:
		return decodeDictionary(data, shape)
	}
	return Value{}, 0, errors.Wrapf(ErrDecode, "bad kind tag: %d", shape.Kind)
}

func decodeSequence(data []byte, shape Shape) (Value, int, error) {
	count, off, err := readUvarint(data)
	if err != nil {
		return Value{}, 0, err
	}
	if shape.Kind == TUPLE {
		if count != uint64(len(shape.Elems)) {
			return Value{}, 0, errors.Wrapf(ErrDecode, "tuple arity %d, want %d", count, len(shape.Elems))
		}
	} else if err := checkCount(count, data[off:], minEncodedSize(elemShape(shape, 0))); err != nil {
		return Value{}, 0, err
	}
	items := make([]Value, 0, capHint(count))
	for i := uint64(0); i < count; i++ {
		item, n, err := DecodeValue(data[off:], elemShape(shape, int(i)))
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		items = append(items, item)
	}
	return Value{Kind: shape.Kind, Items: items}, off, nil
}

func decodeDictionary(data []byte, shape Shape) (Value, int, error) {
	if len(shape.Elems) != 2 {
		return Value{}, 0, errors.Wrap(ErrDecode, "dictionary shape needs key and value shapes")
	}
	count, off, err := readUvarint(data)
	if err != nil {
		return Value{}, 0, err
	}
	pairSize := minEncodedSize(shape.Elems[0]) + minEncodedSize(shape.Elems[1])
	if err := checkCount(count, data[off:], pairSize); err != nil {
		return Value{}, 0, err
	}
	pairs := make([]Pair, 0, capHint(count))
	for i := uint64(0); i < count; i++ {
		key, n, err := DecodeValue(data[off:], shape.Elems[0])
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		val, n, err := DecodeValue(data[off:], shape.Elems[1])
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		pairs = append(pairs, Pair{Key: key, Val: val})
	}
	return Dictionary(pairs...), off, nil
}

// maxNullElems bounds containers of null elements, which occupy zero bytes
// each and would otherwise let a tiny frame claim an arbitrary count.
const maxNullElems = 1 << 20

// checkCount rejects container counts the remaining frame could not possibly
// hold given the smallest possible element encoding, so a hostile count
// cannot drive a huge preallocation.
func checkCount(count uint64, rest []byte, minSize int) error {
	limit := uint64(maxNullElems)
	if minSize > 0 {
		limit = uint64(len(rest) / minSize)
	}
	if count > limit {
		return errors.Wrapf(ErrDecode, "container count %d exceeds frame", count)
	}
	return nil
}

// minEncodedSize is the fewest bytes one value of this shape can occupy on
// the wire. Null values occupy zero bytes.
func minEncodedSize(shape Shape) int {
	switch shape.Kind {
	case NULL:
		return 0
	case DOUBLE:
		return 8
	case FLOAT:
		return 4
	case TUPLE:
		size := 1
		for _, e := range shape.Elems {
			size += minEncodedSize(e)
		}
		return size
	}
	// Varints, bools, and the length or count prefix of blobs and
	// containers all take at least one byte.
	return 1
}

// capHint caps the preallocation for a claimed element count; past the cap
// the slice grows as elements actually decode.
func capHint(count uint64) int {
	const limit = 1 << 12
	if count > limit {
		return limit
	}
	return int(count)
}

func elemShape(shape Shape, i int) Shape {
	if shape.Kind == TUPLE {
		return shape.Elems[i]
	}
	if len(shape.Elems) > 0 {
		return shape.Elems[0]
	}
	return NullShape
}

func readUvarint(data []byte) (uint64, int, error) {
	u, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errors.Wrap(ErrDecode, "bad varint")
	}
	return u, n, nil
}

func readBlob(data []byte) ([]byte, int, error) {
	size, off, err := readUvarint(data)
	if err != nil {
		return nil, 0, err
	}
	if size > uint64(len(data)-off) {
		return nil, 0, errors.Wrapf(ErrDecode, "truncated blob: need %d bytes, have %d", size, len(data)-off)
	}
	return data[off : off+int(size)], off + int(size), nil
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
