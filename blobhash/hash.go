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

// Package blobhash is the content-identity layer: a 32-byte BLAKE3
// digest, and its CID-style display form (multicodec "raw" wrapping a
// "blake3" multihash, base32-lower encoded) built on the multiformats
// stack already pulled in elsewhere in this module.
package blobhash

import (
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// Size is the length in bytes of a Hash.
const Size = 32

// blake3MultihashCode is the multicodec table entry for BLAKE3-256
// ("blake3", code 0x1e).
const blake3MultihashCode = 0x1e

// Hash is a 32-byte BLAKE3 digest identifying a blob or collection.
type Hash [Size]byte

// FromBytes copies a digest into a Hash, erroring if the length is wrong.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("blobhash: want %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns the raw wire form of the hash.
func (h Hash) Bytes() []byte { return h[:] }

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// Hex returns the lowercase hex encoding of the digest, used for
// temp-file names (<hex>.data.part / <hex>.outboard.part).
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// CID returns the CID-style display string: multicodec raw wrapping a
// blake3 multihash, base32-lower encoded — mirrors the Blake3Cid used
// by the original protocol driver this spec distills.
func (h Hash) CID() cid.Cid {
	mh, err := multihash.Encode(h[:], blake3MultihashCode)
	if err != nil {
		// Encode only fails on length mismatches, which cannot happen
		// for a fixed 32-byte digest.
		panic(err)
	}
	return cid.NewCidV1(uint64(multicodec.Raw), mh)
}

// String renders the hash as its base32-lower CID text form.
func (h Hash) String() string {
	s, err := h.CID().StringOfBase(multibase.Base32)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseCID decodes a CID text form produced by String back into a Hash.
func ParseCID(s string) (Hash, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("blobhash: parse cid: %w", err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return Hash{}, fmt.Errorf("blobhash: decode multihash: %w", err)
	}
	if decoded.Code != blake3MultihashCode {
		return Hash{}, fmt.Errorf("blobhash: unexpected multihash code %#x", decoded.Code)
	}
	return FromBytes(decoded.Digest)
}
