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

package ticket

import (
	"crypto/ed25519"
	"testing"

	"github.com/multiformats/go-multibase"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/blobfetch/blobhash"
)

func mustPublicKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub
}

func TestEncodeParseRoundTrip(t *testing.T) {
	var root blobhash.Hash
	for i := range root {
		root[i] = byte(i)
	}

	tk := Ticket{
		RootHash: root,
		Nodes: []NodeAddr{
			{
				PublicKey: mustPublicKey(t),
				Addrs:     []string{"203.0.113.5:4433", "[2001:db8::1]:4433"},
				RelayAddr: "relay.example.org:443",
			},
			{
				PublicKey: mustPublicKey(t),
				Addrs:     []string{"198.51.100.7:4433"},
			},
		},
	}

	s, err := tk.Encode()
	require.NoError(t, err)
	require.NotEmpty(t, s)

	got, err := ParseTicket(s)
	require.NoError(t, err)
	require.Equal(t, tk.RootHash, got.RootHash)
	require.Len(t, got.Nodes, 2)
	require.Equal(t, tk.Nodes[0].PublicKey, got.Nodes[0].PublicKey)
	require.Equal(t, tk.Nodes[0].Addrs, got.Nodes[0].Addrs)
	require.Equal(t, tk.Nodes[0].RelayAddr, got.Nodes[0].RelayAddr)
	require.Equal(t, tk.Nodes[1].PublicKey, got.Nodes[1].PublicKey)
	require.Equal(t, tk.Nodes[1].Addrs, got.Nodes[1].Addrs)
	require.Equal(t, "", got.Nodes[1].RelayAddr)
}

func TestEncodeParseNoNodes(t *testing.T) {
	var root blobhash.Hash
	tk := Ticket{RootHash: root}

	s, err := tk.Encode()
	require.NoError(t, err)

	got, err := ParseTicket(s)
	require.NoError(t, err)
	require.Equal(t, root, got.RootHash)
	require.Empty(t, got.Nodes)
}

func TestParseTicketRejectsBadVersion(t *testing.T) {
	var root blobhash.Hash
	tk := Ticket{RootHash: root}
	s, err := tk.Encode()
	require.NoError(t, err)

	_, raw, err := multibase.Decode(s)
	require.NoError(t, err)
	raw[0] = 0xff
	corrupted, err := multibase.Encode(multibase.Base32, raw)
	require.NoError(t, err)

	_, err = ParseTicket(corrupted)
	require.Error(t, err)
}

func TestParseTicketRejectsGarbage(t *testing.T) {
	_, err := ParseTicket("not-a-valid-multibase-string!!!")
	require.Error(t, err)
}
