package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	workerpool "github.com/i5heu/ouroboros-rdfs/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

// Collector gathers enough fragments of a file to decode it. It does not
// know where fragments were placed: it asks every node, in address order,
// for every block still missing, and stops as soon as each source block
// has Threshold accepted fragments.
type Collector struct {
	Transport Transport
	// Accept, when set, rejects fetched blocks that fail verification so
	// they do not count towards the threshold.
	Accept func(id model.BlockID, data []byte) error
	Pool   *workerpool.WorkerPool
	Logger *logrus.Logger
}

type fetched struct {
	id   model.BlockID
	pos  int
	data []byte
	err  error
}

// Collect returns the fetched blocks by id. When the nodes cannot supply
// enough, the blocks found so far are returned with ErrUnavailable.
func (c *Collector) Collect(ctx context.Context, m *Manifest, addresses []model.Address) (map[model.BlockID][]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	log := logging.OrDefault(c.Logger)
	pool := c.Pool
	if pool == nil {
		pool = workerpool.NewWorkerPool(workerpool.Config{})
		defer pool.Close()
	}

	S := m.SourceBlocks()
	have := make([]int, S)
	got := make(map[model.BlockID][]byte)
	satisfied := func() bool {
		for _, n := range have {
			if n < int(m.Threshold) {
				return false
			}
		}
		return true
	}

	for _, addr := range addresses {
		if satisfied() {
			break
		}
		if err := ctx.Err(); err != nil {
			return got, err
		}

		var missing []int
		for pos, id := range m.Blocks {
			if _, ok := got[id]; !ok && have[pos%S] < int(m.Threshold) {
				missing = append(missing, pos)
			}
		}

		results, err := workerpool.Map(pool, len(missing), func(i int) (fetched, error) {
			pos := missing[i]
			id := m.Blocks[pos]
			data, err := c.Transport.Fetch(ctx, addr, id)
			if err == nil && c.Accept != nil {
				err = c.Accept(id, data)
			}
			return fetched{id: id, pos: pos, data: data, err: err}, nil
		})
		if err != nil {
			return got, fmt.Errorf("transport: fetch from %s: %w", addr, err)
		}

		var unavailable, rejected int
		for _, r := range results {
			switch {
			case r.err == nil:
				if _, dup := got[r.id]; !dup {
					got[r.id] = r.data
					have[r.pos%S]++
				}
			case errors.Is(r.err, ErrUnavailable):
				unavailable++
			default:
				rejected++
			}
		}
		log.WithFields(logrus.Fields{
			"node":        string(addr),
			"fetched":     len(missing) - unavailable - rejected,
			"unavailable": unavailable,
			"rejected":    rejected,
		}).Debug("transport: collected from node")
	}

	if !satisfied() {
		return got, fmt.Errorf("%w: gathered %d of the blocks needed for inode %d", ErrUnavailable, len(got), m.Inode)
	}
	return got, nil
}
