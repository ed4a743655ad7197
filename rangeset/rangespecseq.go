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

package rangeset

import varint "github.com/multiformats/go-varint"

// Seq is an ordered sequence of per-blob RangeSpecs with a repeating
// tail applied to every blob beyond the explicit prefix. This lets a
// request for "everything remaining" stay constant size regardless of
// how many blobs a collection has.
type Seq struct {
	explicit []Spec
	tail     Spec
}

// NewSeq builds a Seq from per-blob specs, detecting a common repeating
// tail (a run of identical specs at the end) and folding it into the
// infinite suffix so the encoding stays small.
func NewSeq(specs []Spec) Seq {
	if len(specs) == 0 {
		return Seq{tail: SpecEmpty()}
	}
	last := specs[len(specs)-1]
	end := len(specs)
	for end > 1 && specEqual(specs[end-2], last) {
		end--
	}
	return Seq{explicit: append([]Spec(nil), specs[:end-1]...), tail: last}
}

// SeqAll returns the sequence whose every element is "all".
func SeqAll() Seq { return Seq{tail: SpecAll()} }

// SeqSingle returns a sequence requesting spec for blob 0 and "empty"
// for everything after it — used for single-blob, non-collection
// fetches.
func SeqSingle(spec Spec) Seq {
	return Seq{explicit: []Spec{spec}, tail: SpecEmpty()}
}

// At returns the RangeSpec that applies to the blob at the given
// depth-first index.
func (sq Seq) At(index int) Spec {
	if index < len(sq.explicit) {
		return sq.explicit[index]
	}
	return sq.tail
}

// Len returns the number of explicit (non-tail) entries.
func (sq Seq) Len() int { return len(sq.explicit) }

// Tail returns the repeating tail spec.
func (sq Seq) Tail() Spec { return sq.tail }

func specEqual(a, b Spec) bool { return a.Set.Equal(b.Set) }

// Encode serializes the sequence as: varint(len(explicit)) followed by
// each explicit spec's encoding, followed by the tail spec's encoding.
func (sq Seq) Encode() []byte {
	buf := varint.ToUvarint(uint64(len(sq.explicit)))
	for _, sp := range sq.explicit {
		buf = append(buf, sp.Encode()...)
	}
	buf = append(buf, sq.tail.Encode()...)
	return buf
}

// DecodeSeq parses the wire form produced by Seq.Encode.
func DecodeSeq(b []byte) (Seq, error) {
	count, n, err := varint.FromUvarint(b)
	if err != nil {
		return Seq{}, err
	}
	off := n
	explicit := make([]Spec, 0, count)
	for i := uint64(0); i < count; i++ {
		sp, n, err := Decode(b[off:])
		if err != nil {
			return Seq{}, err
		}
		explicit = append(explicit, sp)
		off += n
	}
	tail, _, err := Decode(b[off:])
	if err != nil {
		return Seq{}, err
	}
	return Seq{explicit: explicit, tail: tail}, nil
}
