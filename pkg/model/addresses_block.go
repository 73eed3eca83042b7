package model

import "bytes"

// Address is an opaque node identifier such as a host name or a public key.
type Address []byte

// Equal reports whether two addresses hold the same bytes.
func (a Address) Equal(b Address) bool { return bytes.Equal(a, b) }

// AddressesBlock lists the nodes participating in a volume.
//
// The position of an address is used elsewhere as a stable node reference,
// so the order is fixed once the block is published. A topology change
// replaces the whole block instead of reordering it.
type AddressesBlock struct {
	Addresses []Address
	Signature []byte
}

// IndexOf returns the position of addr or -1.
func (b *AddressesBlock) IndexOf(addr Address) int {
	for i, a := range b.Addresses {
		if a.Equal(addr) {
			return i
		}
	}
	return -1
}
