/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package krpcclient

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/jwvanderbeck/krpc/krpcwire"
)

func dial(address, socks5 string) (net.Conn, error) {
	if socks5 != "" {
		d, err := proxy.SOCKS5("tcp", socks5, nil, proxy.Direct)
		if err != nil {
			return nil, err
		}
		return d.Dial("tcp", address)
	} else {
		return net.Dial("tcp", address)
	}
}

// frameConn reads and writes length-delimited frames over one socket. Reads
// buffer partial frames across calls; a frame already buffered is returned
// without touching the socket.
type frameConn struct {
	conn    net.Conn
	timeout time.Duration
	buf     []byte
	chunk   []byte
}

func newFrameConn(conn net.Conn, timeout time.Duration) *frameConn {
	return &frameConn{
		conn:    conn,
		timeout: timeout,
		chunk:   make([]byte, 4096),
	}
}

func (t *frameConn) writeFrame(payload []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return err
	}
	_, err := t.conn.Write(krpcwire.EncodeMessage(payload))
	return err
}

// readFrame returns the next frame payload. A zero deadline blocks until a
// frame or a connection error arrives.
func (t *frameConn) readFrame(deadline time.Time) ([]byte, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		payload, n, err := krpcwire.DecodeMessage(t.buf)
		if err == nil {
			out := append([]byte(nil), payload...)
			t.buf = append(t.buf[:0], t.buf[n:]...)
			return out, nil
		}
		if !errors.Is(err, krpcwire.ErrNeedMoreData) {
			return nil, err
		}
		n, rerr := t.conn.Read(t.chunk)
		if n > 0 {
			t.buf = append(t.buf, t.chunk[:n]...)
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

func (t *frameConn) Close() error {
	return t.conn.Close()
}
