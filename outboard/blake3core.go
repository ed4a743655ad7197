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

// Package outboard implements the BLAKE3 pre-order hash tree ("outboard")
// used to verify a blob incrementally as its bytes stream in, without
// buffering the whole blob.
//
// lukechampine.com/blake3 (vendored in the retrieval pack this module
// was built from) only exposes the whole-input hash.Hash surface; it has
// no public API for per-chunk chaining values or an interior-node
// outboard, so the compression primitives below are reimplemented from
// the public BLAKE3 specification, grounded on the flag/IV constants and
// node/parentNode/chainingValue naming of that vendored file.
package outboard

import "encoding/binary"

const (
	flagChunkStart = 1 << iota
	flagChunkEnd
	flagParent
	flagRoot
)

// ChunkSize is the fixed BLAKE3 chunk length in bytes, matching
// rangeset.ChunkSize.
const ChunkSize = 1024

const blockSize = 64

var iv = [8]uint32{
	0x6A09E667, 0xBB67AE85, 0x3C6EF372, 0xA54FF53A,
	0x510E527F, 0x9B05688C, 0x1F83D9AB, 0x5BE0CD19,
}

var msgSchedule = [7][16]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	{2, 6, 3, 10, 7, 0, 4, 13, 1, 11, 12, 5, 9, 14, 15, 8},
	{3, 4, 10, 12, 13, 2, 7, 14, 6, 5, 9, 0, 11, 15, 8, 1},
	{10, 7, 12, 9, 14, 3, 13, 15, 4, 0, 11, 2, 5, 8, 1, 6},
	{12, 13, 9, 11, 15, 10, 14, 8, 7, 2, 5, 3, 0, 1, 6, 4},
	{9, 14, 11, 5, 8, 12, 15, 1, 13, 3, 0, 10, 2, 6, 4, 7},
	{11, 15, 5, 0, 1, 9, 8, 6, 14, 10, 2, 12, 3, 4, 7, 13},
}

func rotr32(x uint32, n int) uint32 { return x>>n | x<<(32-n) }

// g is the BLAKE3 quarter-round mixing function.
func g(state *[16]uint32, a, b, c, d int, mx, my uint32) {
	state[a] = state[a] + state[b] + mx
	state[d] = rotr32(state[d]^state[a], 16)
	state[c] = state[c] + state[d]
	state[b] = rotr32(state[b]^state[c], 12)
	state[a] = state[a] + state[b] + my
	state[d] = rotr32(state[d]^state[a], 8)
	state[c] = state[c] + state[d]
	state[b] = rotr32(state[b]^state[c], 7)
}

// compress runs the BLAKE3 compression function over one 64-byte block
// and returns the full 16-word output (the first 8 words are the
// chaining value; callers that need only the CV pass the output to
// chainingValueOf).
func compress(cv [8]uint32, block *[16]uint32, counter uint64, blockLen uint32, flags uint32) [16]uint32 {
	state := [16]uint32{
		cv[0], cv[1], cv[2], cv[3], cv[4], cv[5], cv[6], cv[7],
		iv[0], iv[1], iv[2], iv[3],
		uint32(counter), uint32(counter >> 32), blockLen, flags,
	}
	m := *block
	for r := 0; r < 7; r++ {
		sched := msgSchedule[r]
		g(&state, 0, 4, 8, 12, m[sched[0]], m[sched[1]])
		g(&state, 1, 5, 9, 13, m[sched[2]], m[sched[3]])
		g(&state, 2, 6, 10, 14, m[sched[4]], m[sched[5]])
		g(&state, 3, 7, 11, 15, m[sched[6]], m[sched[7]])
		g(&state, 0, 5, 10, 15, m[sched[8]], m[sched[9]])
		g(&state, 1, 6, 11, 12, m[sched[10]], m[sched[11]])
		g(&state, 2, 7, 8, 13, m[sched[12]], m[sched[13]])
		g(&state, 3, 4, 9, 14, m[sched[14]], m[sched[15]])
	}
	for i := 0; i < 8; i++ {
		state[i] ^= state[i+8]
		state[i+8] ^= cv[i]
	}
	return state
}

func chainingValueOf(out [16]uint32) [8]uint32 {
	var cv [8]uint32
	copy(cv[:], out[:8])
	return cv
}

func bytesToWords(b []byte) [16]uint32 {
	var block [16]uint32
	var padded [64]byte
	copy(padded[:], b)
	for i := 0; i < 16; i++ {
		block[i] = binary.LittleEndian.Uint32(padded[i*4:])
	}
	return block
}

func wordsToBytes(w [8]uint32) [32]byte {
	var out [32]byte
	for i, word := range w {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out
}

// hashChunk computes the chaining value of a single <=1024-byte chunk at
// the given chunk counter. root is true only when the whole blob is a
// single chunk (size <= ChunkSize), in which case the chunk's final
// block is also flagged as the tree root.
func hashChunk(data []byte, counter uint64, root bool) [8]uint32 {
	cv := iv
	numBlocks := (len(data) + blockSize - 1) / blockSize
	if numBlocks == 0 {
		numBlocks = 1
	}
	for i := 0; i < numBlocks; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		block := bytesToWords(data[start:end])
		flags := uint32(0)
		if i == 0 {
			flags |= flagChunkStart
		}
		if i == numBlocks-1 {
			flags |= flagChunkEnd
			if root {
				flags |= flagRoot
			}
		}
		blockLen := uint32(end - start)
		out := compress(cv, &block, counter, blockLen, flags)
		cv = chainingValueOf(out)
	}
	return cv
}

// hashParent combines two child chaining values into their parent's
// chaining value. root is true when this parent is the tree root.
func hashParent(left, right [8]uint32, root bool) [8]uint32 {
	var block [16]uint32
	copy(block[:8], left[:])
	copy(block[8:], right[:])
	flags := uint32(flagParent)
	if root {
		flags |= flagRoot
	}
	out := compress(iv, &block, 0, blockSize, flags)
	return chainingValueOf(out)
}
