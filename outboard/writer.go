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

package outboard

import (
	"io"

	"github.com/flowmesh/blobfetch/rangeset"
)

// Source abstracts the interleaved outboard+data wire stream for one
// blob: the caller (the response state machine) knows how to read
// exactly one parent node or one chunk at a time from the underlying
// BiStream; StreamAll drives that loop and dispatches each piece to a
// VerifyingWriter.
type Source interface {
	// ReadParentPair reads the next 64-byte outboard node.
	ReadParentPair() ([64]byte, error)
	// ReadChunk reads exactly n bytes of chunk data.
	ReadChunk(n uint64) ([]byte, error)
}

// VerifyingWriter wraps an io.WriterAt (so sparse resumed writes land at
// their true offsets) with incremental BLAKE3 verification: chunk data is only forwarded to
// the underlying writer after it has been checked against the outboard.
type VerifyingWriter struct {
	v   *Verifier
	out io.WriterAt
	off int64
}

// NewVerifyingWriter builds a VerifyingWriter for a blob of the given
// size and expected root hash, writing verified bytes to out at their
// true file offsets (so resumed/sparse writes land correctly).
func NewVerifyingWriter(out io.WriterAt, size uint64, expectedRoot [32]byte) *VerifyingWriter {
	return &VerifyingWriter{v: NewVerifier(size, expectedRoot), out: out}
}

// NewVerifyingWriterRange is NewVerifyingWriter for a resumed transfer:
// only the outboard nodes and chunks overlapping requested are expected,
// and writes land at their true offsets so a resumed write interleaves
// correctly with bytes already on disk.
func NewVerifyingWriterRange(out io.WriterAt, size uint64, expectedRoot [32]byte, requested rangeset.Set) *VerifyingWriter {
	return &VerifyingWriter{v: NewVerifierRange(size, expectedRoot, requested), out: out}
}

// Verifier exposes the underlying Verifier so a caller can inspect
// ExpectsChunk/NextChunkLen/Done to drive the read loop.
func (w *VerifyingWriter) Verifier() *Verifier { return w.v }

// WriteParentPair verifies and consumes one outboard node.
func (w *VerifyingWriter) WriteParentPair(node [64]byte) error {
	return w.v.ConsumeParentPair(node)
}

// WriteChunk verifies one chunk's data and, only once verified, writes
// it to the output at its true offset, returning the number of bytes
// written.
func (w *VerifyingWriter) WriteChunk(startOffset uint64, data []byte) (int, error) {
	if err := w.v.ConsumeChunk(data); err != nil {
		return 0, err
	}
	return w.out.WriteAt(data, int64(startOffset))
}

// StreamAll drains src until the verifier reports Done, writing each
// verified chunk to out. It is the straight-line helper used by
// single-blob writes; package transfer reports progress by wrapping the
// io.WriterAt passed in, and getmachine's WriteAllWithOutboard drives the
// ExpectsChunk/WriteChunk/WriteParentPair steps itself so it can copy
// each outboard node as it passes.
func (w *VerifyingWriter) StreamAll(src Source) error {
	for !w.v.Done() {
		if w.v.ExpectsChunk() {
			n := w.v.NextChunkLen()
			data, err := src.ReadChunk(n)
			if err != nil {
				return err
			}
			chunkStart := w.currentChunkByteOffset()
			if _, err := w.WriteChunk(chunkStart, data); err != nil {
				return err
			}
		} else {
			node, err := src.ReadParentPair()
			if err != nil {
				return err
			}
			if err := w.WriteParentPair(node); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *VerifyingWriter) currentChunkByteOffset() uint64 {
	return w.v.CurrentChunkByteOffset()
}
