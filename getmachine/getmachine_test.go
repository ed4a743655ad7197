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

package getmachine

import (
	"bytes"
	"context"
	"testing"

	varint "github.com/multiformats/go-varint"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/blobfetch/biconn"
	"github.com/flowmesh/blobfetch/blobhash"
	"github.com/flowmesh/blobfetch/outboard"
	"github.com/flowmesh/blobfetch/rangeset"
	"github.com/flowmesh/blobfetch/wire"
)

const testChunkSize = 1024

func testChunkCount(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	return (size + testChunkSize - 1) / testChunkSize
}

func testLeftLen(total uint64) uint64 {
	n := total - 1
	p := uint64(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// writeBlobWire writes one blob's wire bytes (interleaved outboard nodes
// and chunk data, in the same pre-order the outboard package consumes)
// by popping 64-byte nodes off outboardBytes in traversal order and
// emitting raw chunk slices from data at the leaves — mirroring exactly
// what a conforming provider puts on the wire.
func writeBlobWire(w *bytes.Buffer, data, outboardBytes []byte) {
	total := testChunkCount(uint64(len(data)))
	pos := 0
	var walk func(chunkStart, count uint64)
	walk = func(chunkStart, count uint64) {
		if count == 1 {
			start := chunkStart * testChunkSize
			end := start + testChunkSize
			if end > uint64(len(data)) {
				end = uint64(len(data))
			}
			w.Write(data[start:end])
			return
		}
		w.Write(outboardBytes[pos : pos+64])
		pos += 64
		leftLen := testLeftLen(count)
		rightLen := count - leftLen
		walk(chunkStart, leftLen)
		walk(chunkStart+leftLen, rightLen)
	}
	walk(0, total)
}

func writeSignal(w *bytes.Buffer, sig connSignal) {
	w.WriteByte(byte(sig))
}

func writeChildSignal(w *bytes.Buffer, offset uint64) {
	w.WriteByte(byte(signalStartChild))
	w.Write(varint.ToUvarint(offset))
}

func TestSingleChunkRootFetchRoundTrip(t *testing.T) {
	data := []byte("hello, blobfetch")
	_, root := outboard.Encode(data)
	hash, err := blobhash.FromBytes(root[:])
	require.NoError(t, err)

	ctx := context.Background()
	client, server := biconn.NewPipePair(ctx)

	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		var req bytes.Buffer
		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		if err != nil {
			serverErr = err
			return
		}
		req.Write(buf[:n])
		if _, err := wire.DecodeGetRequest(req.Bytes()); err != nil {
			serverErr = err
			return
		}

		var out bytes.Buffer
		writeSignal(&out, signalStartRoot)
		_ = wire.WriteSizeHeader(&out, uint64(len(data)))
		writeBlobWire(&out, data, nil)
		writeSignal(&out, signalClosing)
		if _, err := server.Write(out.Bytes()); err != nil {
			serverErr = err
			return
		}
	}()

	initial := NewInitial(client)
	req := wire.GetRequest{RootHash: hash, Ranges: rangeset.SeqAll()}
	connected, err := initial.SendRequest(req)
	require.NoError(t, err)

	next, err := connected.Next()
	require.NoError(t, err)
	require.NotNil(t, next.StartRoot)

	header := next.StartRoot.Next(hash)
	content, size, err := header.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), size)

	var got bytes.Buffer
	gotWriter := &sliceWriterAt{buf: make([]byte, size)}
	endBlob, err := content.WriteAll(gotWriter, rangeset.All())
	require.NoError(t, err)
	got.Write(gotWriter.buf)
	require.Equal(t, data, got.Bytes())

	endNext, err := endBlob.Next()
	require.NoError(t, err)
	require.NotNil(t, endNext.Closing)

	finishing := endNext.Closing.Finish()
	stats, err := finishing.Next()
	require.NoError(t, err)
	require.Greater(t, stats.BytesRead, uint64(0))

	<-done
	require.NoError(t, serverErr)
}

func TestMultiChunkOutboardRoundTrip(t *testing.T) {
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i * 7 % 256)
	}
	ob, root := outboard.Encode(data)
	require.NotEmpty(t, ob)
	hash, err := blobhash.FromBytes(root[:])
	require.NoError(t, err)

	ctx := context.Background()
	client, server := biconn.NewPipePair(ctx)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		if err != nil {
			done <- err
			return
		}
		if _, err := wire.DecodeGetRequest(buf[:n]); err != nil {
			done <- err
			return
		}
		var out bytes.Buffer
		writeSignal(&out, signalStartRoot)
		_ = wire.WriteSizeHeader(&out, uint64(len(data)))
		writeBlobWire(&out, data, ob)
		writeSignal(&out, signalClosing)
		_, err = server.Write(out.Bytes())
		done <- err
	}()

	initial := NewInitial(client)
	req := wire.GetRequest{RootHash: hash, Ranges: rangeset.SeqAll()}
	connected, err := initial.SendRequest(req)
	require.NoError(t, err)

	next, err := connected.Next()
	require.NoError(t, err)
	require.NotNil(t, next.StartRoot)

	header := next.StartRoot.Next(hash)
	content, size, err := header.Next()
	require.NoError(t, err)

	out := &sliceWriterAt{buf: make([]byte, size)}
	endBlob, err := content.WriteAll(out, rangeset.All())
	require.NoError(t, err)
	require.Equal(t, data, out.buf)

	endNext, err := endBlob.Next()
	require.NoError(t, err)
	require.NotNil(t, endNext.Closing)
	_, err = endNext.Closing.Finish().Next()
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestChildOffsetDrivesCollectionLookup(t *testing.T) {
	ctx := context.Background()
	client, server := biconn.NewPipePair(ctx)

	go func() {
		buf := make([]byte, 4096)
		_, _ = server.Read(buf)
		var out bytes.Buffer
		writeChildSignal(&out, 3)
		_, _ = server.Write(out.Bytes())
	}()

	var zeroHash blobhash.Hash
	initial := NewInitial(client)
	connected, err := initial.SendRequest(wire.GetRequest{RootHash: zeroHash, Ranges: rangeset.SeqAll()})
	require.NoError(t, err)

	next, err := connected.Next()
	require.NoError(t, err)
	require.NotNil(t, next.StartChild)
	require.Equal(t, uint64(3), next.StartChild.ChildOffset())
}

// sliceWriterAt is a fixed-size in-memory io.WriterAt for tests.
type sliceWriterAt struct{ buf []byte }

func (s *sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n := copy(s.buf[off:], p)
	return n, nil
}
