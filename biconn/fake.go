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

package biconn

import (
	"context"
	"io"

	"github.com/quic-go/quic-go"
)

// PipeStream is an in-memory Stream backed by io.Pipe, for tests that
// need a Stream without a real QUIC connection. Reads come from in and
// writes go to out; Close closes both ends.
type PipeStream struct {
	in  *io.PipeReader
	out *io.PipeWriter
	ctx context.Context
}

// NewPipePair returns two PipeStreams wired so writes to one arrive as
// reads on the other, simulating a client and server end of one
// bidirectional stream.
func NewPipePair(ctx context.Context) (client, server *PipeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	client = &PipeStream{in: r1, out: w2, ctx: ctx}
	server = &PipeStream{in: r2, out: w1, ctx: ctx}
	return client, server
}

func (p *PipeStream) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *PipeStream) Write(b []byte) (int, error) { return p.out.Write(b) }

func (p *PipeStream) Close() error {
	_ = p.in.Close()
	return p.out.Close()
}

func (p *PipeStream) CancelRead(code quic.StreamErrorCode) {
	_ = p.in.CloseWithError(errStreamCanceled{code})
}

func (p *PipeStream) CancelWrite(code quic.StreamErrorCode) {
	_ = p.out.CloseWithError(errStreamCanceled{code})
}

func (p *PipeStream) Context() context.Context { return p.ctx }

type errStreamCanceled struct{ code quic.StreamErrorCode }

func (e errStreamCanceled) Error() string { return "stream canceled" }
