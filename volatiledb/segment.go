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

package volatiledb

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/spf13/afero"

	"github.com/erigontech/corechain/chain"
)

func segmentName(idx uint32) string {
	return fmt.Sprintf("blocks-%d.dat", idx)
}

// segment is one bounded-size append-only block file: `maxBlocksPerFile`
// blocks before rotation (spec §4.2). Each record is length-framed with a
// trailing CRC32 so recovery can detect and truncate a partial write.
type segment struct {
	idx       uint32
	path      string
	f         afero.File
	size      int64
	liveCount int // blocks not yet GC'd
	gcdCount  int // blocks GC'd but still occupying space until segment rotates away
	offsets   []int64
}

func openSegment(fs afero.Fs, dir string, idx uint32) (*segment, error) {
	path := dir + "/" + segmentName(idx)
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return &segment{idx: idx, path: path, f: f, size: fi.Size()}, nil
}

func (s *segment) close() error {
	return s.f.Close()
}

// append writes b as blockNo(8) slot(8) hash(32) prevHash(32) isEBB(1)
// headerFieldsLen(4) headerFields bodyLen(4) body crc(4), returning the
// record's index within the segment (not its byte offset).
func (s *segment) append(b chain.Block) (int, error) {
	hdrBytes := chain.EncodeHeader(b.Header)
	recLen := 8 + 8 + 32 + 32 + 1 + 4 + len(hdrBytes) + 4 + len(b.Body) + 4
	buf := make([]byte, recLen)
	w := buf
	binary.BigEndian.PutUint64(w[0:8], uint64(b.Header.BlockNo))
	binary.BigEndian.PutUint64(w[8:16], uint64(b.Header.Slot))
	copy(w[16:48], b.Header.H[:])
	copy(w[48:80], b.Header.PrevHash[:])
	if b.Header.IsEBB {
		w[80] = 1
	}
	binary.BigEndian.PutUint32(w[81:85], uint32(len(hdrBytes)))
	copy(w[85:85+len(hdrBytes)], hdrBytes)
	bodyLenOff := 85 + len(hdrBytes)
	binary.BigEndian.PutUint32(w[bodyLenOff:bodyLenOff+4], uint32(len(b.Body)))
	bodyOff := bodyLenOff + 4
	copy(w[bodyOff:bodyOff+len(b.Body)], b.Body)
	crcOff := bodyOff + len(b.Body)
	binary.BigEndian.PutUint32(w[crcOff:crcOff+4], crc32.ChecksumIEEE(w[:crcOff]))

	offset := s.size
	if _, err := s.f.WriteAt(buf, offset); err != nil {
		return 0, err
	}
	if err := s.f.Sync(); err != nil {
		return 0, err
	}
	s.size += int64(recLen)
	s.offsets = append(s.offsets, offset)
	s.liveCount++
	return len(s.offsets) - 1, nil
}

func (s *segment) read(pos int) (chain.Block, error) {
	if pos < 0 || pos >= len(s.offsets) {
		return chain.Block{}, fmt.Errorf("volatiledb: record %d out of range", pos)
	}
	rec, _, ok := s.parseAt(s.offsets[pos])
	if !ok {
		return chain.Block{}, fmt.Errorf("volatiledb: record %d unreadable", pos)
	}
	return rec, nil
}

// parseAt parses one record at offset, validating its CRC. Returns
// ok=false on truncation/corruption, used both by reads and by recovery.
func (s *segment) parseAt(offset int64) (chain.Block, int64, bool) {
	head := make([]byte, 85)
	if _, err := s.f.ReadAt(head, offset); err != nil {
		return chain.Block{}, 0, false
	}
	var hash, prevHash [32]byte
	copy(hash[:], head[16:48])
	copy(prevHash[:], head[48:80])
	isEBB := head[80] == 1
	headerLen := binary.BigEndian.Uint32(head[81:85])
	rest := make([]byte, int(headerLen)+4)
	if _, err := s.f.ReadAt(rest, offset+85); err != nil {
		return chain.Block{}, 0, false
	}
	headerBytes := rest[:headerLen]
	bodyLen := binary.BigEndian.Uint32(rest[headerLen : headerLen+4])
	bodyAndCRC := make([]byte, int(bodyLen)+4)
	if _, err := s.f.ReadAt(bodyAndCRC, offset+85+int64(headerLen)+4); err != nil {
		return chain.Block{}, 0, false
	}
	full := append(append(append([]byte{}, head...), headerBytes...), rest[headerLen:headerLen+4]...)
	full = append(full, bodyAndCRC[:bodyLen]...)
	gotCRC := binary.BigEndian.Uint32(bodyAndCRC[bodyLen : bodyLen+4])
	if crc32.ChecksumIEEE(full) != gotCRC {
		return chain.Block{}, 0, false
	}
	hdr, err := chain.DecodeHeader(hash, headerBytes)
	if err != nil {
		return chain.Block{}, 0, false
	}
	if hdr.PrevHash != prevHash || hdr.IsEBB != isEBB {
		return chain.Block{}, 0, false // outer frame and encoded header disagree
	}
	blk := chain.Block{Header: hdr, Body: append([]byte(nil), bodyAndCRC[:bodyLen]...)}
	total := int64(85) + int64(headerLen) + 4 + int64(bodyLen) + 4
	return blk, total, true
}
