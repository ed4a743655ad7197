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

// Package wire implements the client-to-provider request framing: one
// length-prefixed GetRequest record per transfer, and the 8-byte
// little-endian size header each delivered blob begins with.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/flowmesh/blobfetch/blobfetcherr"
	"github.com/flowmesh/blobfetch/blobhash"
	"github.com/flowmesh/blobfetch/rangeset"
)

// GetRequest is the single message a client sends to open a transfer.
type GetRequest struct {
	RootHash blobhash.Hash
	Ranges   rangeset.Seq
}

// Encode serializes the request as a length-prefixed record: a varint
// total length (protowire, already a module dependency via the
// protobuf stack) followed by the 32-byte root hash and the encoded
// RangeSpecSeq.
func (r GetRequest) Encode() []byte {
	body := make([]byte, 0, blobhash.Size+32)
	body = append(body, r.RootHash.Bytes()...)
	body = append(body, r.Ranges.Encode()...)
	return protowire.AppendBytes(nil, body)
}

// WriteTo frames and writes the request onto w (typically a biconn.Stream).
func (r GetRequest) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Encode())
	return int64(n), err
}

// DecodeGetRequest parses the length-prefixed record produced by Encode.
func DecodeGetRequest(b []byte) (GetRequest, error) {
	body, _, err := protowire.ConsumeBytes(b)
	if err != nil {
		return GetRequest{}, blobfetcherr.New(blobfetcherr.KindProtocol, "wire.DecodeGetRequest", err)
	}
	if len(body) < blobhash.Size {
		return GetRequest{}, blobfetcherr.New(blobfetcherr.KindProtocol, "wire.DecodeGetRequest", fmt.Errorf("record too short"))
	}
	hash, err := blobhash.FromBytes(body[:blobhash.Size])
	if err != nil {
		return GetRequest{}, blobfetcherr.New(blobfetcherr.KindProtocol, "wire.DecodeGetRequest", err)
	}
	seq, err := rangeset.DecodeSeq(body[blobhash.Size:])
	if err != nil {
		return GetRequest{}, blobfetcherr.New(blobfetcherr.KindProtocol, "wire.DecodeGetRequest", err)
	}
	return GetRequest{RootHash: hash, Ranges: seq}, nil
}

// ReadSizeHeader reads the 8-byte little-endian blob size header that
// precedes every delivered blob's bytes.
func ReadSizeHeader(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, blobfetcherr.New(blobfetcherr.KindTransport, "wire.ReadSizeHeader", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteSizeHeader writes the 8-byte little-endian blob size header.
func WriteSizeHeader(w io.Writer, size uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], size)
	_, err := w.Write(buf[:])
	return err
}
