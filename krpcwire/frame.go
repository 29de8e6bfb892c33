/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// EncodeMessage frames a payload as [uvarint byte-length][payload]. Every
// message on the wire, in either direction, uses this envelope.
func EncodeMessage(payload []byte) []byte {
	out := binary.AppendUvarint(make([]byte, 0, len(payload)+binary.MaxVarintLen32), uint64(len(payload)))
	return append(out, payload...)
}

// DecodeMessage tries to read one complete frame from the front of buf,
// returning the payload and the total bytes consumed including the length
// prefix. An incomplete frame yields ErrNeedMoreData and leaves buf untouched;
// the caller retries once more bytes have arrived. A malformed length prefix
// yields ErrDecode.
func DecodeMessage(buf []byte) ([]byte, int, error) {
	size, n := binary.Uvarint(buf)
	if n == 0 {
		return nil, 0, ErrNeedMoreData
	}
	if n < 0 {
		return nil, 0, errors.Wrap(ErrDecode, "bad frame length varint")
	}
	if size > uint64(len(buf)-n) {
		return nil, 0, ErrNeedMoreData
	}
	return buf[n : n+int(size)], n + int(size), nil
}
