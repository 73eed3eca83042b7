package volume

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Addresses returns the participating nodes in published order.
func (v *Volume) Addresses() []model.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]model.Address, len(v.addresses.Addresses))
	for i, a := range v.addresses.Addresses {
		out[i] = append(model.Address(nil), a...)
	}
	return out
}

// RebuildAddresses replaces the AddressesBlock with the current membership.
// Nodes that are still present keep their relative order, nodes that left
// are dropped and new nodes are appended in the order membership reports
// them.
func (v *Volume) RebuildAddresses(ctx context.Context, membership transport.Membership) ([]model.Address, error) {
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	current, err := membership.CurrentNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("volume: membership: %w", err)
	}
	current = dedupe(current)
	present := &model.AddressesBlock{Addresses: current}

	v.mu.Lock()
	defer v.mu.Unlock()

	next := &model.AddressesBlock{}
	var dropped int
	for _, a := range v.addresses.Addresses {
		if present.IndexOf(a) >= 0 {
			next.Addresses = append(next.Addresses, a)
		} else {
			dropped++
		}
	}
	kept := len(next.Addresses)
	for _, a := range current {
		if next.IndexOf(a) < 0 {
			next.Addresses = append(next.Addresses, a)
		}
	}

	if err := v.writeAddresses(next); err != nil {
		return nil, err
	}
	v.addresses = next

	v.log.WithFields(logrus.Fields{
		"kept":    kept,
		"dropped": dropped,
		"added":   len(next.Addresses) - kept,
	}).Info("volume: rebuilt addresses")

	out := make([]model.Address, len(next.Addresses))
	copy(out, next.Addresses)
	return out, nil
}

func (v *Volume) writeAddresses(b *model.AddressesBlock) error {
	raw, err := v.codec.EncodeAddressesBlock(b)
	if err != nil {
		return fmt.Errorf("volume: encode addresses: %w", err)
	}
	if err := v.store.Put(model.AddressesBlockID, raw); err != nil {
		return fmt.Errorf("volume: write addresses: %w", err)
	}
	return nil
}

// dedupe drops empty and repeated addresses, keeping first occurrences.
func dedupe(in []model.Address) []model.Address {
	seen := &model.AddressesBlock{}
	for _, a := range in {
		if len(a) == 0 || seen.IndexOf(a) >= 0 {
			continue
		}
		seen.Addresses = append(seen.Addresses, append(model.Address(nil), a...))
	}
	return seen.Addresses
}
