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

// Package ticket implements the self-describing, user-shareable record
// naming a blob (or collection) and where to fetch it from: one or more
// NodeAddr candidates plus an optional relay fallback, encoded as a
// version-prefixed binary blob and rendered as a base32-no-pad string
// via the multiformats multibase codec blobhash already depends on.
package ticket

import (
	"crypto/ed25519"
	"fmt"

	"github.com/multiformats/go-multibase"
	varint "github.com/multiformats/go-varint"

	"github.com/flowmesh/blobfetch/blobfetcherr"
	"github.com/flowmesh/blobfetch/blobhash"
)

// version is the wire format version prefixed to every encoded ticket.
// Bumping it is a breaking change; ParseTicket rejects anything else.
const version byte = 1

// NodeAddr is one dialable candidate for a provider: its public key
// (used for transport authentication by the caller, not by this
// package) and a list of "host:port" socket addresses to try.
type NodeAddr struct {
	PublicKey ed25519.PublicKey
	Addrs     []string
	RelayAddr string // empty if the provider advertises no relay
}

// Ticket names a root blob and every known way to reach a provider for
// it.
type Ticket struct {
	RootHash blobhash.Hash
	Nodes    []NodeAddr
}

// Encode serializes t to its shareable text form.
func (t Ticket) Encode() (string, error) {
	body, err := encodeBody(t)
	if err != nil {
		return "", blobfetcherr.New(blobfetcherr.KindValidation, "ticket.Encode", err)
	}
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, version)
	buf = append(buf, body...)
	s, err := multibase.Encode(multibase.Base32, buf)
	if err != nil {
		return "", blobfetcherr.New(blobfetcherr.KindValidation, "ticket.Encode", err)
	}
	return s, nil
}

// ParseTicket decodes a string produced by Ticket.Encode.
func ParseTicket(s string) (Ticket, error) {
	_, buf, err := multibase.Decode(s)
	if err != nil {
		return Ticket{}, blobfetcherr.New(blobfetcherr.KindValidation, "ticket.ParseTicket", err)
	}
	if len(buf) < 1 {
		return Ticket{}, blobfetcherr.New(blobfetcherr.KindValidation, "ticket.ParseTicket", fmt.Errorf("empty ticket"))
	}
	if buf[0] != version {
		return Ticket{}, blobfetcherr.New(blobfetcherr.KindValidation, "ticket.ParseTicket",
			fmt.Errorf("unsupported ticket version %d", buf[0]))
	}
	t, err := decodeBody(buf[1:])
	if err != nil {
		return Ticket{}, blobfetcherr.New(blobfetcherr.KindValidation, "ticket.ParseTicket", err)
	}
	return t, nil
}

func encodeBody(t Ticket) ([]byte, error) {
	if len(t.RootHash.Bytes()) != blobhash.Size {
		return nil, fmt.Errorf("ticket: malformed root hash")
	}
	buf := append([]byte(nil), t.RootHash.Bytes()...)
	buf = append(buf, varint.ToUvarint(uint64(len(t.Nodes)))...)
	for _, n := range t.Nodes {
		if len(n.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ticket: node public key must be %d bytes, got %d", ed25519.PublicKeySize, len(n.PublicKey))
		}
		buf = append(buf, n.PublicKey...)
		buf = append(buf, varint.ToUvarint(uint64(len(n.Addrs)))...)
		for _, addr := range n.Addrs {
			buf = append(buf, varint.ToUvarint(uint64(len(addr)))...)
			buf = append(buf, addr...)
		}
		buf = append(buf, varint.ToUvarint(uint64(len(n.RelayAddr)))...)
		buf = append(buf, n.RelayAddr...)
	}
	return buf, nil
}

func decodeBody(b []byte) (Ticket, error) {
	if len(b) < blobhash.Size {
		return Ticket{}, fmt.Errorf("ticket: truncated root hash")
	}
	rootHash, err := blobhash.FromBytes(b[:blobhash.Size])
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: decode root hash: %w", err)
	}
	off := blobhash.Size

	count, n, err := varint.FromUvarint(b[off:])
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: decode node count: %w", err)
	}
	off += n

	nodes := make([]NodeAddr, 0, count)
	for i := uint64(0); i < count; i++ {
		if off+ed25519.PublicKeySize > len(b) {
			return Ticket{}, fmt.Errorf("ticket: truncated public key at node %d", i)
		}
		pubKey := append(ed25519.PublicKey(nil), b[off:off+ed25519.PublicKeySize]...)
		off += ed25519.PublicKeySize

		addrCount, n, err := varint.FromUvarint(b[off:])
		if err != nil {
			return Ticket{}, fmt.Errorf("ticket: decode addr count at node %d: %w", i, err)
		}
		off += n

		addrs := make([]string, 0, addrCount)
		for j := uint64(0); j < addrCount; j++ {
			addrLen, n, err := varint.FromUvarint(b[off:])
			if err != nil {
				return Ticket{}, fmt.Errorf("ticket: decode addr length at node %d addr %d: %w", i, j, err)
			}
			off += n
			if off+int(addrLen) > len(b) {
				return Ticket{}, fmt.Errorf("ticket: truncated addr at node %d addr %d", i, j)
			}
			addrs = append(addrs, string(b[off:off+int(addrLen)]))
			off += int(addrLen)
		}

		relayLen, n, err := varint.FromUvarint(b[off:])
		if err != nil {
			return Ticket{}, fmt.Errorf("ticket: decode relay length at node %d: %w", i, err)
		}
		off += n
		if off+int(relayLen) > len(b) {
			return Ticket{}, fmt.Errorf("ticket: truncated relay addr at node %d", i)
		}
		relay := string(b[off : off+int(relayLen)])
		off += int(relayLen)

		nodes = append(nodes, NodeAddr{PublicKey: pubKey, Addrs: addrs, RelayAddr: relay})
	}

	return Ticket{RootHash: rootHash, Nodes: nodes}, nil
}
