// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package biconn defines the bidirectional stream contract the protocol
// driver (getmachine, transfer) speaks against, and a quic-go-backed
// dialer that satisfies it. Session establishment, path selection, and
// relay fallback live outside this package; Dial only needs an address
// already resolved to something quic-go can reach.
package biconn

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/quic-go/quic-go"

	"github.com/flowmesh/blobfetch/blobfetcherr"
)

// ALPN is the TLS next-protocol name a dialer should advertise and a
// listener should accept for this wire protocol.
const ALPN = "blobfetch/1"

// Stream is the bidirectional byte stream a protocol driver reads
// requests onto and responses off of. It is shaped after quic-go's
// quic.Stream so a live *quic.Stream satisfies it without adaptation.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	CancelRead(code quic.StreamErrorCode)
	CancelWrite(code quic.StreamErrorCode)
	Context() context.Context
}

// Conn opens bidirectional streams on an established QUIC connection.
type Conn interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	CloseWithError(code quic.ApplicationErrorCode, reason string) error
}

// quicConn adapts *quic.Conn to Conn; *quic.Stream already satisfies
// Stream directly.
type quicConn struct {
	c *quic.Conn
}

func (q quicConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := q.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, blobfetcherr.New(blobfetcherr.KindTransport, "biconn.OpenStreamSync", err)
	}
	return s, nil
}

func (q quicConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	return q.c.CloseWithError(code, reason)
}

// Dial opens a QUIC connection to addr with the given TLS/QUIC config and
// returns it wrapped as a Conn. addr must already be a reachable network
// address; resolving a ticket's candidate addresses to one that answers
// is the caller's responsibility.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (Conn, error) {
	c, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, blobfetcherr.New(blobfetcherr.KindTransport, "biconn.Dial", err)
	}
	return quicConn{c: c}, nil
}

// OpenRequestStream opens the single bidirectional stream a transfer
// uses to send its GetRequest and read the response.
func OpenRequestStream(ctx context.Context, c Conn) (Stream, error) {
	return c.OpenStreamSync(ctx)
}
