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

package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/erigontech/corechain/point"
)

// EncodeHeader serializes a Header to the on-disk framing this module
// uses internally. The real header/block byte codec is out of scope per
// spec §1 (owned by the cryptographic/serialization layer); this is only
// the storage-layer framing that lets ImmutableDB/VolatileDB round-trip
// the fields chain selection itself needs.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, 8+8+32+1+4+len(h.ProtocolFields))
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Slot))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.BlockNo))
	copy(buf[16:48], h.PrevHash[:])
	if h.IsEBB {
		buf[48] = 1
	}
	binary.BigEndian.PutUint32(buf[49:53], uint32(len(h.ProtocolFields)))
	copy(buf[53:], h.ProtocolFields)
	return buf
}

// DecodeHeader parses the framing produced by EncodeHeader. hash is
// supplied by the caller (carried alongside in the secondary/segment
// index rather than re-derived, since hashing is out of scope).
func DecodeHeader(hash point.Hash, buf []byte) (Header, error) {
	if len(buf) < 53 {
		return Header{}, fmt.Errorf("chain: short header frame: %d bytes", len(buf))
	}
	h := Header{H: hash}
	h.Slot = point.Slot(binary.BigEndian.Uint64(buf[0:8]))
	h.BlockNo = point.BlockNo(binary.BigEndian.Uint64(buf[8:16]))
	copy(h.PrevHash[:], buf[16:48])
	h.IsEBB = buf[48] == 1
	n := binary.BigEndian.Uint32(buf[49:53])
	if len(buf) < 53+int(n) {
		return Header{}, fmt.Errorf("chain: truncated protocol fields: want %d have %d", n, len(buf)-53)
	}
	h.ProtocolFields = append([]byte(nil), buf[53:53+int(n)]...)
	return h, nil
}
