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
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"regexp"
	"sort"
	"strconv"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/erigontech/corechain/chain"
	"github.com/erigontech/corechain/point"
)

var chunkFileRE = regexp.MustCompile(`^(\d{6})\.chunk$`)

// recover discovers existing chunks, loads their secondary index into
// memory, validates per policy and truncates any trailing inconsistency.
// With ValidateMostRecentChunk, only the highest-indexed chunk is
// re-parsed from the blobs file; earlier chunks' secondary indexes are
// trusted as-is (spec §4.1).
func (db *DB) recover(ctx context.Context, policy ValidationPolicy) error {
	infos, err := afero.ReadDir(db.fs, db.dir)
	if err != nil {
		return err
	}
	var indices []uint32
	for _, fi := range infos {
		m := chunkFileRE.FindStringSubmatch(fi.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.ParseUint(m[1], 10, 32)
		indices = append(indices, uint32(n))
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	if len(indices) == 0 {
		return nil
	}

	hadCleanShutdown, err := afero.Exists(db.fs, db.dir+"/"+cleanShutdownMarker)
	if err != nil {
		return err
	}
	_ = db.fs.Remove(db.dir + "/" + cleanShutdownMarker)
	trustEarlierChunks := policy == ValidateMostRecentChunk && hadCleanShutdown

	for pos, idx := range indices {
		c, err := openChunk(db.fs, db.dir, idx)
		if err != nil {
			return err
		}
		for uint32(len(db.chunks)) <= idx {
			db.chunks = append(db.chunks, nil)
		}
		db.chunks[idx] = c

		isLast := pos == len(indices)-1
		if isLast || !trustEarlierChunks {
			if err := db.validateAndLoadChunk(c); err != nil {
				return err
			}
		} else if err := db.loadChunkIndexTrusted(c); err != nil {
			return err
		}
	}

	lastIdx := indices[len(indices)-1]
	last := db.chunks[lastIdx]
	if len(last.secondary) == 0 {
		// Validation truncated the last chunk entirely; delete its files so
		// a subsequent Append starts it cleanly (spec §4.1 Recovery).
		if err := db.deleteChunkFiles(lastIdx); err != nil {
			return err
		}
		db.chunks[lastIdx] = nil
		if len(indices) == 1 {
			return nil
		}
		last = db.chunks[indices[len(indices)-2]]
	}

	tail := last.entriesSortedBySlot()
	if len(tail) == 0 {
		return nil
	}
	tailRec := tail[len(tail)-1]
	cv, err := last.readComponent(tailRec, chain.ComponentHeader)
	if err != nil {
		return fmt.Errorf("immutabledb: recovery: reading tail header: %w", err)
	}
	db.lastSlot = cv.Header.Slot
	db.lastHash = cv.Header.H
	db.lastNo = cv.Header.BlockNo
	db.lastWasEBB = cv.Header.IsEBB
	db.hasTip = true
	db.log.Info("immutabledb recovered",
		zap.Uint64("tipSlot", uint64(db.lastSlot)),
		zap.Uint64("tipBlockNo", uint64(db.lastNo)),
		zap.Int("chunks", len(indices)))
	return nil
}

// deleteChunkFiles removes all three files of a chunk that validation
// emptied out, so recovering a second time sees no stale chunk index.
func (db *DB) deleteChunkFiles(idx uint32) error {
	for _, suffix := range []string{"chunk", "secondary", "primary"} {
		if err := db.fs.Remove(db.dir + "/" + chunkName(idx, suffix)); err != nil {
			return err
		}
	}
	return nil
}

// loadChunkIndexTrusted reads the secondary index file as-is without
// re-parsing the blobs file (the ValidateMostRecentChunk fast path for
// every chunk but the last).
func (db *DB) loadChunkIndexTrusted(c *chunk) error {
	fi, err := c.secF.Stat()
	if err != nil {
		return fmt.Errorf("immutabledb: stat secondary index: %w", err)
	}
	n := int(fi.Size()) / secondaryRecordSize
	if n > 0 {
		buf := make([]byte, n*secondaryRecordSize)
		if _, err := c.secF.ReadAt(buf, 0); err != nil {
			return fmt.Errorf("immutabledb: read secondary index: %w", err)
		}
		for i := 0; i < n; i++ {
			rec := unmarshalSecondaryRecord(buf[i*secondaryRecordSize : (i+1)*secondaryRecordSize])
			c.secondary = append(c.secondary, rec)
			c.byHash[rec.hash] = i
		}
		bfi, err := c.blobF.Stat()
		if err != nil {
			return err
		}
		c.blobsLen = bfi.Size()
	}
	// bySlot is derived from each entry's header, since the secondary index
	// itself does not carry the slot (it is keyed by offset/hash only).
	for i, rec := range c.secondary {
		cv, err := c.readComponent(rec, chain.ComponentHeader)
		if err != nil {
			return fmt.Errorf("immutabledb: recovery: header %d: %w", i, err)
		}
		c.bySlot[cv.Header.Slot] = append(c.bySlot[cv.Header.Slot], i)
	}
	c.remap()
	return nil
}

// validateAndLoadChunk parses the blobs file frame-by-frame, ignoring
// whatever the on-disk secondary index claims, recomputing hash linkage
// and truncating at the first inconsistency (spec §4.1 Recovery /
// Truncation: a block that fails to parse, or whose prevHash breaks the
// chain, discards itself and everything after it in the chunk).
func (db *DB) validateAndLoadChunk(c *chunk) error {
	fi, err := c.blobF.Stat()
	if err != nil {
		return fmt.Errorf("immutabledb: stat blobs: %w", err)
	}
	size := fi.Size()
	c.secondary = nil
	c.byHash = map[point.Hash]int{}
	c.bySlot = map[point.Slot][]int{}

	var offset int64
	var prevHash point.Hash
	haveLink := false
	for offset < size {
		frame, consumed, ok := readFrame(c, offset, size)
		if !ok {
			break
		}
		if haveLink && frame.prevHash != prevHash {
			break
		}
		prevHash, haveLink = frame.hash, true
		secIdx := len(c.secondary)
		c.secondary = append(c.secondary, secondaryRecord{
			offsetInBlobs: uint64(offset),
			headerOffset:  uint16(frame.headerOffset),
			headerSize:    uint16(frame.headerLen),
			hash:          frame.hash,
			isEBB:         frame.isEBB,
		})
		c.byHash[frame.hash] = secIdx
		c.bySlot[frame.slot] = append(c.bySlot[frame.slot], secIdx)
		offset += consumed
	}

	if offset < size {
		db.log.Warn("immutabledb truncated inconsistent chunk tail",
			zap.Uint32("chunk", c.idx), zap.Int64("keptBytes", offset), zap.Int64("discardedBytes", size-offset))
		if err := c.blobF.Truncate(offset); err != nil {
			return fmt.Errorf("immutabledb: truncate blobs: %w", err)
		}
	}
	c.blobsLen = offset
	if err := rewriteSecondaryIndex(c); err != nil {
		return err
	}
	c.remap()
	return nil
}

type parsedFrame struct {
	slot         point.Slot
	hash         point.Hash
	prevHash     point.Hash
	isEBB        bool
	headerOffset int
	headerLen    int
}

// readFrame parses one blob frame at offset, validating its CRC. Returns
// ok=false (without error) on any truncation or corruption so the caller
// can treat it as the recoverable tail per spec §4.1. The block hash and
// prevHash both live in the frame itself (§ frameHeaderPrefixSize layout),
// so validation never needs to trust the on-disk secondary index.
func readFrame(c *chunk, offset, size int64) (parsedFrame, int64, bool) {
	if size-offset < frameHeaderPrefixSize {
		return parsedFrame{}, 0, false
	}
	head, err := c.readBlob(offset, frameHeaderPrefixSize)
	if err != nil {
		return parsedFrame{}, 0, false
	}
	headerLen := int(binary.BigEndian.Uint32(head[80:84]))
	if headerLen < 0 || int64(frameHeaderPrefixSize+headerLen+4) > size-offset {
		return parsedFrame{}, 0, false
	}
	headerAndLen, err := c.readBlob(offset+frameHeaderPrefixSize, headerLen+4)
	if err != nil {
		return parsedFrame{}, 0, false
	}
	headerBytes := headerAndLen[:headerLen]
	bodyLen := int(binary.BigEndian.Uint32(headerAndLen[headerLen : headerLen+4]))
	total := frameHeaderPrefixSize + headerLen + 4 + bodyLen + 4
	if bodyLen < 0 || int64(total) > size-offset {
		return parsedFrame{}, 0, false
	}
	bodyAndCRC, err := c.readBlob(offset+frameHeaderPrefixSize+int64(headerLen)+4, bodyLen+4)
	if err != nil {
		return parsedFrame{}, 0, false
	}
	full := make([]byte, 0, total)
	full = append(full, head...)
	full = append(full, headerBytes...)
	full = append(full, headerAndLen[headerLen:headerLen+4]...)
	full = append(full, bodyAndCRC[:bodyLen]...)
	gotCRC := binary.BigEndian.Uint32(bodyAndCRC[bodyLen : bodyLen+4])
	if crc32.ChecksumIEEE(full) != gotCRC {
		return parsedFrame{}, 0, false
	}
	var hash, prevHash point.Hash
	copy(hash[:], head[16:48])
	copy(prevHash[:], head[48:80])
	hdr, err := chain.DecodeHeader(hash, headerBytes)
	if err != nil {
		return parsedFrame{}, 0, false
	}
	return parsedFrame{
		slot:         hdr.Slot,
		hash:         hash,
		prevHash:     prevHash,
		isEBB:        hdr.IsEBB,
		headerOffset: frameHeaderPrefixSize,
		headerLen:    headerLen,
	}, int64(total), true
}

func rewriteSecondaryIndex(c *chunk) error {
	if err := c.secF.Truncate(0); err != nil {
		return err
	}
	for i, rec := range c.secondary {
		b := rec.marshal()
		if _, err := c.secF.WriteAt(b[:], int64(i*secondaryRecordSize)); err != nil {
			return err
		}
	}
	return c.secF.Sync()
}
