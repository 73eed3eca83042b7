// Package transport defines what the volume core needs from the network
// layer, plus the pieces that only depend on those interfaces: the
// manifest exchanged between nodes, a fragment collector and an in-memory
// transport.
package transport

import (
	"context"
	"errors"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
)

// ErrUnavailable means a node could not serve or accept a block right now.
var ErrUnavailable = errors.New("transport: unavailable")

// Transport moves encoded blocks between nodes.
type Transport interface {
	Fetch(ctx context.Context, node model.Address, id model.BlockID) ([]byte, error)
	Publish(ctx context.Context, node model.Address, id model.BlockID, data []byte) error
}

// Membership reports the nodes currently participating in a volume.
type Membership interface {
	CurrentNodes(ctx context.Context) ([]model.Address, error)
}

// StaticMembership is a fixed node list.
type StaticMembership []model.Address

func (m StaticMembership) CurrentNodes(context.Context) ([]model.Address, error) {
	out := make([]model.Address, len(m))
	copy(out, m)
	return out, nil
}
