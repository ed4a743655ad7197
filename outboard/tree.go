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
	"fmt"

	"github.com/flowmesh/blobfetch/blobfetcherr"
	"github.com/flowmesh/blobfetch/internal/mathutil"
	"github.com/flowmesh/blobfetch/rangeset"
)

// chunkCount returns the number of 1024-byte chunks a size-byte blob
// spans (minimum 1, even for a zero-length blob).
func chunkCount(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	return mathutil.CeilDiv(size, ChunkSize)
}

// leftLenChunks returns the chunk count of the left subtree for a
// subtree spanning totalChunks chunks (totalChunks >= 2): the largest
// power of two less than or equal to totalChunks-1, matching BLAKE3's
// tree-shape rule (content split on full-chunk boundaries, always
// favoring a complete left power-of-two subtree).
func leftLenChunks(totalChunks uint64) uint64 {
	n := totalChunks - 1
	p := uint64(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// Encode builds the full pre-order outboard for data, plus the root
// chaining value (the blob's Hash digest). Only tests call it, to build
// the outboard and hash a provider would send; the driver verifies
// incoming blobs, the collection blob included, through Verifier.
func Encode(data []byte) (outboardBytes []byte, root [32]byte) {
	total := chunkCount(uint64(len(data)))
	if total == 1 {
		cv := hashChunk(data, 0, true)
		return nil, wordsToBytes(cv)
	}
	var out []byte
	rootCV := emitNode(data, 0, total, true, &out)
	return out, wordsToBytes(rootCV)
}

// chainingValue computes a subtree's chaining value over
// [chunkStart, chunkStart+count) without emitting anything: a pure,
// side-effect-free companion to emitNode used to learn a child's value
// before writing the parent that references it.
func chainingValue(data []byte, chunkStart, count uint64) [8]uint32 {
	if count == 1 {
		start := chunkStart * ChunkSize
		end := start + ChunkSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		return hashChunk(data[start:end], chunkStart, false)
	}
	leftLen := leftLenChunks(count)
	rightLen := count - leftLen
	leftCV := chainingValue(data, chunkStart, leftLen)
	rightCV := chainingValue(data, chunkStart+leftLen, rightLen)
	return hashParent(leftCV, rightCV, false)
}

// emitNode appends the subtree's own (left-CV||right-CV) pair to *out
// before recursing into its children, so the on-disk/wire byte order is
// true pre-order (parent before either child) — this is what lets the
// Verifier consume a parent node and only then descend into its
// children. Leaves (count == 1) emit nothing; only internal nodes
// contribute a 64-byte entry.
func emitNode(data []byte, chunkStart, count uint64, isRoot bool, out *[]byte) [8]uint32 {
	if count == 1 {
		return chainingValue(data, chunkStart, count)
	}
	leftLen := leftLenChunks(count)
	rightLen := count - leftLen
	leftCV := chainingValue(data, chunkStart, leftLen)
	rightCV := chainingValue(data, chunkStart+leftLen, rightLen)

	lb := wordsToBytes(leftCV)
	rb := wordsToBytes(rightCV)
	*out = append(*out, lb[:]...)
	*out = append(*out, rb[:]...)

	emitNode(data, chunkStart, leftLen, false, out)
	emitNode(data, chunkStart+leftLen, rightLen, false, out)
	return hashParent(leftCV, rightCV, isRoot)
}

func wordsFromBytes32(b [32]byte) [8]uint32 {
	var w [8]uint32
	for i := 0; i < 8; i++ {
		w[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return w
}

// frame is one pending node in the verifier's explicit pre-order stack.
type frame struct {
	chunkStart uint64
	count      uint64
	claimedCV  [8]uint32 // ignored when isRoot
	isRoot     bool
}

// Verifier drives incremental verification of a single blob's bytes and
// outboard nodes as they stream in, in the same pre-order the Encode
// function above produces. It never buffers more than the current
// chunk plus an O(log(chunks)) frame stack.
type Verifier struct {
	size      uint64
	total     uint64
	rootCV    [8]uint32
	stack     []frame
	requested rangeset.Set
	// leaf tracks the chunk index and byte length expected next, valid
	// whenever ExpectsChunk is true.
	leafIdx uint64
	leafLen uint64
}

// NewVerifier creates a Verifier for a blob of the given size, checked
// against expectedRoot, expecting the full pre-order outboard and all
// data bytes.
func NewVerifier(size uint64, expectedRoot [32]byte) *Verifier {
	return NewVerifierRange(size, expectedRoot, rangeset.All())
}

// NewVerifierRange creates a Verifier that only expects the outboard
// nodes and chunks needed to prove the subtree overlapping requested (a
// byte range). Sibling subtrees entirely outside requested are trusted
// from their parent node's chaining value alone and never descended
// into — this is what lets a resumed transfer verify only the tail of a
// blob without re-receiving bytes it already has.
func NewVerifierRange(size uint64, expectedRoot [32]byte, requested rangeset.Set) *Verifier {
	v := &Verifier{
		size:      size,
		total:     chunkCount(size),
		rootCV:    wordsFromBytes32(expectedRoot),
		requested: requested,
	}
	v.stack = []frame{{chunkStart: 0, count: v.total, isRoot: true}}
	v.primeLeaf()
	return v
}

// frameInRange reports whether f's byte span overlaps the requested range.
func (v *Verifier) frameInRange(f frame) bool {
	start := f.chunkStart * ChunkSize
	end := start + f.count*ChunkSize
	if end > v.size {
		end = v.size
	}
	if end <= start {
		end = start + 1 // degenerate zero-length blob's single chunk
	}
	return !v.requested.Intersection(rangeset.New(rangeset.Interval{Start: start, End: end})).IsEmpty()
}

// NeedsOutboard reports whether this blob's size requires outboard
// bytes at all (false for size <= ChunkSize, a single chunk).
func (v *Verifier) NeedsOutboard() bool { return v.total > 1 }

// Done reports whether every chunk and parent node has been verified.
func (v *Verifier) Done() bool { return len(v.stack) == 0 }

// ExpectsChunk reports whether the next input the verifier wants is
// chunk data (true) or a 64-byte parent node pair (false). Only
// meaningful while !Done().
func (v *Verifier) ExpectsChunk() bool {
	if v.Done() {
		return false
	}
	return v.top().count == 1
}

// NextChunkLen returns the byte length of the chunk ExpectsChunk is
// currently waiting for.
func (v *Verifier) NextChunkLen() uint64 { return v.leafLen }

// CurrentChunkByteOffset returns the file byte offset of the chunk
// ExpectsChunk is currently waiting for.
func (v *Verifier) CurrentChunkByteOffset() uint64 {
	if v.Done() {
		return 0
	}
	return v.leafIdx * ChunkSize
}

func (v *Verifier) top() frame { return v.stack[len(v.stack)-1] }

func (v *Verifier) primeLeaf() {
	if v.Done() || v.top().count != 1 {
		return
	}
	f := v.top()
	v.leafIdx = f.chunkStart
	start := f.chunkStart * ChunkSize
	end := start + ChunkSize
	if end > v.size {
		end = v.size
	}
	v.leafLen = end - start
}

// ConsumeParentPair feeds the next 64-byte (left-CV || right-CV)
// outboard node. Returns a *blobfetcherr.Error of KindVerification on
// mismatch, or KindProtocol if a parent node wasn't expected here.
func (v *Verifier) ConsumeParentPair(node [64]byte) error {
	if v.Done() || v.top().count == 1 {
		return blobfetcherr.New(blobfetcherr.KindProtocol, "outboard.ConsumeParentPair", fmt.Errorf("no parent node expected"))
	}
	f := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]

	var left, right [8]uint32
	var leftB, rightB [32]byte
	copy(leftB[:], node[:32])
	copy(rightB[:], node[32:])
	left = wordsFromBytes32(leftB)
	right = wordsFromBytes32(rightB)

	combined := hashParent(left, right, f.isRoot)
	var ok bool
	if f.isRoot {
		ok = combined == v.rootCV
	} else {
		ok = combined == f.claimedCV
	}
	if !ok {
		return blobfetcherr.New(blobfetcherr.KindVerification, "outboard.ConsumeParentPair", fmt.Errorf("chaining value mismatch at chunks [%d,%d)", f.chunkStart, f.chunkStart+f.count))
	}

	leftLen := leftLenChunks(f.count)
	rightLen := f.count - leftLen
	rightFrame := frame{chunkStart: f.chunkStart + leftLen, count: rightLen, claimedCV: right}
	leftFrame := frame{chunkStart: f.chunkStart, count: leftLen, claimedCV: left}
	if v.frameInRange(rightFrame) {
		v.stack = append(v.stack, rightFrame)
	}
	if v.frameInRange(leftFrame) {
		v.stack = append(v.stack, leftFrame)
	}
	v.primeLeaf()
	return nil
}

// ConsumeChunk feeds the next chunk's raw data (length must equal
// NextChunkLen()). Returns a *blobfetcherr.Error of KindVerification on
// mismatch, or KindProtocol if chunk data wasn't expected here.
func (v *Verifier) ConsumeChunk(data []byte) error {
	if v.Done() || v.top().count != 1 {
		return blobfetcherr.New(blobfetcherr.KindProtocol, "outboard.ConsumeChunk", fmt.Errorf("no chunk data expected"))
	}
	if uint64(len(data)) != v.leafLen {
		return blobfetcherr.New(blobfetcherr.KindProtocol, "outboard.ConsumeChunk", fmt.Errorf("chunk length %d, want %d", len(data), v.leafLen))
	}
	f := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]

	actual := hashChunk(data, f.chunkStart, f.isRoot)
	var ok bool
	if f.isRoot {
		ok = actual == v.rootCV
	} else {
		ok = actual == f.claimedCV
	}
	if !ok {
		return blobfetcherr.New(blobfetcherr.KindVerification, "outboard.ConsumeChunk", fmt.Errorf("chunk %d hash mismatch", f.chunkStart))
	}
	v.primeLeaf()
	return nil
}
