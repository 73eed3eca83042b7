package model

import "fmt"

// InodeType tags an InodeBlock.
type InodeType uint8

const (
	TypeFile InodeType = iota + 1
	TypeDirectory
	TypeSymlink
)

func (t InodeType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a known inode type.
func (t InodeType) Valid() bool {
	return t >= TypeFile && t <= TypeSymlink
}

// MaxNameLength is the maximum number of code points in an inode name.
const MaxNameLength = 255

// InodeBlock describes a file, directory or symlink.
//
// Pointers hold block identifiers, never in-memory references:
//   - for files and symlinks, the DataBlocks of the content in symbol
//     position order (see erasure.PositionOf);
//   - for directories, the child InodeBlocks, whose names are unique.
//
// Parent is kept for navigation only; a directory does not own its parent.
type InodeBlock struct {
	ID   BlockID
	Type InodeType

	// Name is stored on disk as UTF-32 code points.
	Name string

	// Size is the exact content length in bytes. The final symbol of a
	// file is zero padded; Size is what strips the padding after decode.
	Size uint64

	// Created and Modified are unix nanoseconds.
	Created  int64
	Modified int64

	Parent   BlockID
	Pointers []BlockID

	Signature []byte
}

// IsDir reports whether the inode is a directory.
func (b *InodeBlock) IsDir() bool { return b.Type == TypeDirectory }

// Clone returns a deep copy. Inode values shared through the tree are
// immutable; mutations always work on a clone.
func (b *InodeBlock) Clone() *InodeBlock {
	c := *b
	c.Pointers = append([]BlockID(nil), b.Pointers...)
	c.Signature = append([]byte(nil), b.Signature...)
	return &c
}
