/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcclient

import (
	"errors"
)

var ErrClosed = errors.New("client closed")
var ErrHandshakeDenied = errors.New("connection denied by server")
var ErrHandshakeBusy = errors.New("server busy, try again later")
var ErrUnexpectedMessage = errors.New("unexpected message type")
var ErrStreamNotFound = errors.New("stream not found")
