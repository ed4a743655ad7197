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

// Package collection parses and represents a root "collection" blob: an
// ordered list of (name, child-hash) entries. A collection is itself a
// content-addressed blob, so its own bytes are hashed and verified the
// same way as any other blob; this package only handles the decoded
// shape and its validation rules.
package collection

import (
	"fmt"
	"strings"

	varint "github.com/multiformats/go-varint"

	"github.com/flowmesh/blobfetch/blobfetcherr"
	"github.com/flowmesh/blobfetch/blobhash"
)

// maxNameLen is the maximum byte length of an entry's name.
const maxNameLen = 4096

// Entry is one (name, hash) pair in a collection.
type Entry struct {
	Name string
	Hash blobhash.Hash
}

// Collection is an ordered, validated list of Entries plus metadata the
// driver fills in out-of-band (never derived from the encoded bytes).
type Collection struct {
	entries        []Entry
	totalBlobsSize uint64
}

// FromBytes parses and validates a collection blob's decoded bytes.
func FromBytes(data []byte) (*Collection, error) {
	entries, err := decodeEntries(data)
	if err != nil {
		return nil, err
	}
	if err := validate(entries); err != nil {
		return nil, err
	}
	return &Collection{entries: entries}, nil
}

// New builds a Collection directly from already-validated entries,
// primarily for encoding and tests.
func New(entries []Entry) (*Collection, error) {
	if err := validate(entries); err != nil {
		return nil, err
	}
	return &Collection{entries: append([]Entry(nil), entries...)}, nil
}

// Entries returns the collection's entries. The slice must not be
// mutated.
func (c *Collection) Entries() []Entry { return c.entries }

// IntoEntries yields ownership of the entry slice.
func (c *Collection) IntoEntries() []Entry {
	out := c.entries
	c.entries = nil
	return out
}

// Get returns the entry at index i, or (Entry{}, false) if out of range.
func (c *Collection) Get(i int) (Entry, bool) {
	if i < 0 || i >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[i], true
}

// TotalEntries returns the number of entries.
func (c *Collection) TotalEntries() uint64 { return uint64(len(c.entries)) }

// TotalBlobsSize returns the sum of child sizes, as populated by
// SetTotalBlobsSize. It is never derived from the collection's own
// encoded bytes.
func (c *Collection) TotalBlobsSize() uint64 { return c.totalBlobsSize }

// SetTotalBlobsSize records the out-of-band total transfer size, learned
// from the response's per-blob size headers as blobs are received.
func (c *Collection) SetTotalBlobsSize(size uint64) { c.totalBlobsSize = size }

// Encode serializes the collection to its canonical on-disk form:
// varint(count) followed by, for each entry, varint(len(name)) || name
// || 32-byte hash.
func (c *Collection) Encode() []byte {
	buf := varint.ToUvarint(uint64(len(c.entries)))
	for _, e := range c.entries {
		buf = append(buf, varint.ToUvarint(uint64(len(e.Name)))...)
		buf = append(buf, e.Name...)
		buf = append(buf, e.Hash.Bytes()...)
	}
	return buf
}

func decodeEntries(data []byte) ([]Entry, error) {
	count, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, blobfetcherr.New(blobfetcherr.KindValidation, "collection.decode", fmt.Errorf("entry count: %w", err))
	}
	off := n
	// Each entry needs at least a one-byte name length and a hash.
	if count > uint64(len(data)-off)/(1+blobhash.Size) {
		return nil, blobfetcherr.New(blobfetcherr.KindValidation, "collection.decode", fmt.Errorf("entry count %d exceeds remaining input", count))
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		if off >= len(data) {
			return nil, blobfetcherr.New(blobfetcherr.KindValidation, "collection.decode", fmt.Errorf("truncated at entry %d", i))
		}
		nameLen, n, err := varint.FromUvarint(data[off:])
		if err != nil {
			return nil, blobfetcherr.New(blobfetcherr.KindValidation, "collection.decode", fmt.Errorf("entry %d name length: %w", i, err))
		}
		if nameLen > maxNameLen {
			return nil, blobfetcherr.New(blobfetcherr.KindValidation, "collection.decode", fmt.Errorf("entry %d name too long: %d bytes", i, nameLen))
		}
		off += n
		if off > len(data) || uint64(len(data)-off) < nameLen+blobhash.Size {
			return nil, blobfetcherr.New(blobfetcherr.KindValidation, "collection.decode", fmt.Errorf("entry %d truncated", i))
		}
		name := string(data[off : off+int(nameLen)])
		off += int(nameLen)
		hash, err := blobhash.FromBytes(data[off : off+blobhash.Size])
		if err != nil {
			return nil, blobfetcherr.New(blobfetcherr.KindValidation, "collection.decode", err)
		}
		off += blobhash.Size
		entries = append(entries, Entry{Name: name, Hash: hash})
	}
	return entries, nil
}

// validate enforces the collection's path-safety and uniqueness
// invariants. It must run before any file is opened for any entry.
func validate(entries []Entry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if len(e.Name) > maxNameLen {
			return nameErr(i, e.Name, "name too long")
		}
		if e.Hash.IsZero() {
			return nameErr(i, e.Name, "empty hash")
		}
		if strings.Contains(e.Name, "\x00") {
			return nameErr(i, e.Name, "contains NUL")
		}
		if strings.Contains(e.Name, "..") {
			return nameErr(i, e.Name, "contains ..")
		}
		if strings.HasPrefix(e.Name, "/") {
			return nameErr(i, e.Name, "absolute path")
		}
		if strings.Contains(e.Name, "\\") {
			return nameErr(i, e.Name, "contains backslash")
		}
		if _, dup := seen[e.Name]; dup {
			return nameErr(i, e.Name, "duplicate name")
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

func nameErr(index int, name, reason string) error {
	return blobfetcherr.New(blobfetcherr.KindValidation, "collection.validate",
		fmt.Errorf("entry %d (%q): %s", index, name, reason))
}
