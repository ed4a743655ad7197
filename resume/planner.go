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

// Package resume inspects local disk state (never the network) to
// compute the minimal RangeSpecSeq needed to complete a transfer. Both
// entry points are pure with respect to an injected afero.Fs, which is
// what makes resume planning unit-testable without a real filesystem
// and keeps the driver's write path and the planner's read path sharing
// one filesystem abstraction.
package resume

import (
	"errors"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"github.com/flowmesh/blobfetch/blobhash"
	"github.com/flowmesh/blobfetch/collection"
	"github.com/flowmesh/blobfetch/rangeset"
)

const collectionCacheSize = 32

// Planner computes resume ranges against an injected filesystem. It
// caches decoded collections by (temp dir, root hash) so a caller that
// replans after a transport hiccup doesn't re-parse the same cached
// collection bytes repeatedly.
type Planner struct {
	fs    afero.Fs
	cache *lru.Cache[string, *collection.Collection]
}

// NewPlanner builds a Planner backed by fs.
func NewPlanner(fs afero.Fs) *Planner {
	cache, _ := lru.New[string, *collection.Collection](collectionCacheSize)
	return &Planner{fs: fs, cache: cache}
}

// DataPartPath returns the partial-data file path for hash under
// tempDir, the naming convention the resume planner and the transfer
// driver must agree on byte-for-byte.
func DataPartPath(tempDir string, h blobhash.Hash) string {
	return dataPartPath(tempDir, h)
}

// OutboardPartPath returns the partial-outboard file path for hash under
// tempDir.
func OutboardPartPath(tempDir string, h blobhash.Hash) string {
	return outboardPartPath(tempDir, h)
}

func dataPartPath(tempDir string, h blobhash.Hash) string {
	return filepath.Join(tempDir, h.Hex()+".data.part")
}

func outboardPartPath(tempDir string, h blobhash.Hash) string {
	return filepath.Join(tempDir, h.Hex()+".outboard.part")
}

// GetMissingRange computes the single-blob resume range: "empty" if the
// final file already exists, "[N, inf)" if a partial temp file of known
// length N exists with a plausible outboard cache, or "all" otherwise.
func (p *Planner) GetMissingRange(hash blobhash.Hash, name, tempDir, outDir string) (rangeset.Set, error) {
	finalPath := filepath.Join(outDir, name)
	if exists, err := afero.Exists(p.fs, finalPath); err != nil {
		return rangeset.Set{}, err
	} else if exists {
		return rangeset.Empty(), nil
	}

	dataInfo, err := p.fs.Stat(dataPartPath(tempDir, hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rangeset.All(), nil
		}
		return rangeset.Set{}, err
	}
	n := uint64(dataInfo.Size())

	if !p.hasPlausibleOutboard(hash, tempDir) {
		// No usable verification cache for the bytes already on disk:
		// treat the partial file as absent rather than trust unverifiable
		// bytes. A future planner could re-hash the on-disk prefix through
		// outboard.Encode to rebuild a trustworthy cache instead of
		// discarding the partial download outright; not implemented here.
		return rangeset.All(), nil
	}
	return rangeset.New(rangeset.Interval{Start: n, End: ^uint64(0)}), nil
}

// hasPlausibleOutboard reports whether an outboard cache file exists and
// has a length consistent with being a sequence of 64-byte parent-node
// pairs. It is a sanity check only: the server-sent data is always
// re-verified against the wire outboard regardless of what is cached
// locally.
func (p *Planner) hasPlausibleOutboard(hash blobhash.Hash, tempDir string) bool {
	info, err := p.fs.Stat(outboardPartPath(tempDir, hash))
	if err != nil {
		return false
	}
	return info.Size()%64 == 0
}

// GetMissingRanges computes the collection-mode resume plan: if the
// collection blob itself hasn't been materialized locally, requests
// "all" for blob 0 (the collection) with an "all" tail and returns a nil
// Collection. Otherwise it loads and decodes the cached collection,
// requests "empty" for blob 0, computes each child's range exactly as
// GetMissingRange would, and sets an "empty" tail (nothing beyond the
// known children is ever requested).
func (p *Planner) GetMissingRanges(rootHash blobhash.Hash, outDir, tempDir string) (rangeset.Seq, *collection.Collection, error) {
	coll, err := p.loadCachedCollection(rootHash, tempDir)
	if err != nil {
		return rangeset.Seq{}, nil, err
	}
	if coll == nil {
		return rangeset.SeqAll(), nil, nil
	}

	specs := make([]rangeset.Spec, 0, coll.TotalEntries()+1)
	specs = append(specs, rangeset.SpecEmpty())
	for _, entry := range coll.Entries() {
		name := entry.Name
		if name == "" {
			name = entry.Hash.Hex()
		}
		byteRange, err := p.GetMissingRange(entry.Hash, name, tempDir, outDir)
		if err != nil {
			return rangeset.Seq{}, nil, err
		}
		specs = append(specs, rangeset.SpecFromBytes(byteRange))
	}
	specs = append(specs, rangeset.SpecEmpty())
	return rangeset.NewSeq(specs), coll, nil
}

// loadCachedCollection returns the decoded collection if its bytes have
// already been persisted to temp_dir/<root-hex>.data.part, or nil if the
// collection itself hasn't been fetched yet.
func (p *Planner) loadCachedCollection(rootHash blobhash.Hash, tempDir string) (*collection.Collection, error) {
	cacheKey := tempDir + "|" + rootHash.Hex()
	if p.cache != nil {
		if c, ok := p.cache.Get(cacheKey); ok {
			return c, nil
		}
	}
	path := dataPartPath(tempDir, rootHash)
	exists, err := afero.Exists(p.fs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return nil, err
	}
	coll, err := collection.FromBytes(data)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Add(cacheKey, coll)
	}
	return coll, nil
}
