// Copyright 2024 The corechain Authors
// This file is part of corechain.
//
// corechain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// corechain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with corechain. If not, see <http://www.gnu.org/licenses/>.

package immutabledb

// chunkForWrite returns (opening or creating if necessary) the chunk at
// idx, growing db.chunks as needed. Only the write path may create chunk
// files; reads must never have the side effect of materializing a chunk
// that does not yet exist. Callers must hold db.mu.
func (db *DB) chunkForWrite(idx uint32) (*chunk, error) {
	for uint32(len(db.chunks)) <= idx {
		db.chunks = append(db.chunks, nil)
	}
	if db.chunks[idx] == nil {
		c, err := openChunk(db.fs, db.dir, idx)
		if err != nil {
			return nil, err
		}
		db.chunks[idx] = c
	}
	return db.chunks[idx], nil
}

// chunkIfLoaded returns the already-opened chunk at idx, or nil if no
// chunk exists there yet (an unknown slot/hash, not an error per §4.1).
// Recovery opens every chunk that exists on disk up front, so reads never
// need to open a chunk lazily.
func (db *DB) chunkIfLoaded(idx uint32) *chunk {
	return db.chunkIfLoadedLocked(idx)
}

func (db *DB) chunkIfLoadedLocked(idx uint32) *chunk {
	if idx >= uint32(len(db.chunks)) {
		return nil
	}
	return db.chunks[idx]
}
