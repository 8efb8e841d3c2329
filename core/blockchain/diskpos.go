// Copyright (c) 2017-2020 The amber developers

package blockchain

import (
	"fmt"
)

// DiskBlockPos locates a block or undo payload inside the flat data files on
// disk by block file number and byte offset within that file.  A File of -1
// marks the position as null, meaning the payload has not been stored.
type DiskBlockPos struct {
	File   int32
	Offset uint32
}

// NewDiskBlockPos returns a position for the given file number and offset.
func NewDiskBlockPos(file int32, offset uint32) DiskBlockPos {
	return DiskBlockPos{File: file, Offset: offset}
}

// SetNull marks the position as referring to no stored payload.
func (p *DiskBlockPos) SetNull() {
	p.File = -1
	p.Offset = 0
}

// IsNull returns whether the position refers to no stored payload.
func (p DiskBlockPos) IsNull() bool {
	return p.File == -1
}

// String returns the position in human-readable form.
func (p DiskBlockPos) String() string {
	if p.IsNull() {
		return "DiskBlockPos(null)"
	}
	return fmt.Sprintf("DiskBlockPos(file=%d, offset=%d)", p.File, p.Offset)
}

// nullDiskBlockPos returns the canonical null position.
func nullDiskBlockPos() DiskBlockPos {
	return DiskBlockPos{File: -1, Offset: 0}
}
