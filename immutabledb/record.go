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

import (
	"encoding/binary"

	"github.com/erigontech/corechain/point"
)

// secondaryRecord is one fixed-size entry of a chunk's secondary index:
//
//	offsetInBlobs uint64
//	headerOffset  uint16
//	headerSize    uint16
//	hash          [32]byte
//	blockOrEBB    uint8  (1 == EBB)
//
// matching spec §4.1's prescribed layout exactly.
const secondaryRecordSize = 8 + 2 + 2 + 32 + 1

type secondaryRecord struct {
	offsetInBlobs uint64
	headerOffset  uint16
	headerSize    uint16
	hash          point.Hash
	isEBB         bool
}

func (r secondaryRecord) marshal() [secondaryRecordSize]byte {
	var buf [secondaryRecordSize]byte
	binary.BigEndian.PutUint64(buf[0:8], r.offsetInBlobs)
	binary.BigEndian.PutUint16(buf[8:10], r.headerOffset)
	binary.BigEndian.PutUint16(buf[10:12], r.headerSize)
	copy(buf[12:44], r.hash[:])
	if r.isEBB {
		buf[44] = 1
	}
	return buf
}

func unmarshalSecondaryRecord(buf []byte) secondaryRecord {
	var r secondaryRecord
	r.offsetInBlobs = binary.BigEndian.Uint64(buf[0:8])
	r.headerOffset = binary.BigEndian.Uint16(buf[8:10])
	r.headerSize = binary.BigEndian.Uint16(buf[10:12])
	copy(r.hash[:], buf[12:44])
	r.isEBB = buf[44] == 1
	return r
}

// primaryRecordSize is the stride of the primary index: one fixed-width
// pointer into the secondary index per slot, positioned by the absolute
// slot (mod 2^32) rather than by the slot's offset within the chunk.
const primaryRecordSize = 4

// blobFrame length-prefixes every stored block+header so entries can be
// parsed sequentially during recovery without consulting the index. The
// block hash is carried in the frame itself (rather than recomputed)
// since hashing is owned by the out-of-scope cryptographic layer:
//
//	blockNo   uint64
//	slot      uint64
//	hash      [32]byte
//	prevHash  [32]byte
//	headerLen uint32
//	header    bytes
//	bodyLen   uint32
//	body      bytes
//	crc       uint32 (over everything preceding it in the frame)
const frameHeaderPrefixSize = 8 + 8 + 32 + 32 + 4 // up to and including headerLen

func frameSize(headerLen, bodyLen int) int {
	return frameHeaderPrefixSize + headerLen + 4 + bodyLen + 4
}
