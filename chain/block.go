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

// Package chain holds the data model of spec §3: Block, Header and the
// AnchoredFragment sequence type, plus the small capability interfaces
// that stand in for the source's era-polymorphism (see DESIGN.md's Open
// Question decision on era polymorphism).
package chain

import (
	"fmt"

	"github.com/erigontech/corechain/point"
)

// Header is the prefix of a block carrying everything chain selection
// needs without touching the block body.
type Header struct {
	H              point.Hash
	Slot           point.Slot
	BlockNo        point.BlockNo
	PrevHash       point.Hash
	IsEBB          bool
	ProtocolFields []byte // opaque to this module; consumed by protocol.ProtocolState
	BlockSizeHint  uint32
}

// Point returns the position this header occupies.
func (h Header) Point() point.Point { return point.At(h.Slot, h.H) }

// GetHeader satisfies HasHeader directly on Header, so a fragment of bare
// headers (the current-chain fragment of spec §4.4, which never needs the
// block body) can be built as AnchoredFragment[Header].
func (h Header) GetHeader() Header { return h }

func (h Header) String() string {
	return fmt.Sprintf("Header{%s no=%d ebb=%v}", h.Point(), h.BlockNo, h.IsEBB)
}

// Block is a Header plus its opaque payload. Its byte codec is out of
// scope per spec §1; Body is treated as an uninterpreted blob.
type Block struct {
	Header Header
	Body   []byte
}

func (b Block) Point() point.Point { return b.Header.Point() }

// HasHeader is the capability a stored entry must satisfy to participate
// in chain selection. A full hard-fork telescope (Past<E>/Current<E>)
// would add CanValidateEnvelope/SupportsProtocolState/SerializeOnDisk
// alongside this; this module implements a single era, so only the
// header-accessor capability is needed (see DESIGN.md).
type HasHeader interface {
	GetHeader() Header
}

func (b Block) GetHeader() Header { return b.Header }

// Component selects which part of a stored block a read should return.
type Component int

const (
	ComponentHeader Component = iota
	ComponentBlock
	ComponentRawBytes
	ComponentSize
)

// ComponentValue is the decoded result of a component read, discriminated
// by the Component that produced it.
type ComponentValue struct {
	Kind   Component
	Header Header
	Block  Block
	Raw    []byte
	Size   uint32
}
