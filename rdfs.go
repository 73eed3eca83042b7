// Package rdfs opens an erasure coded volume described by a configuration
// file and keeps its block table compacted while it runs.
package rdfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-rdfs/internal/config"
	"github.com/i5heu/ouroboros-rdfs/pkg/blockstore"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/volume"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotStarted = errors.New("rdfs: not started")
	ErrClosed     = errors.New("rdfs: closed")
)

// Config is the YAML configuration of a node.
type Config = config.Config

// DefaultConfig returns the values used for absent configuration fields.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads the configuration at path. An empty path searches the
// default locations.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		found, err := config.Find(config.SearchPaths())
		if err != nil {
			return Config{}, err
		}
		path = found
	}
	return config.Load(path)
}

type Options struct {
	Config Config
	// Secret and Label derive the signing key when Config.KeyFile is empty.
	Secret []byte
	Label  string
	// Addresses seed the AddressesBlock of a freshly formatted volume.
	Addresses []model.Address
	// Logger is optional; the configured level and format are used otherwise.
	Logger *logrus.Logger
}

// RDFS owns one volume, its block table and the background compaction.
type RDFS struct {
	log  *logrus.Logger
	opts Options

	volMu  sync.RWMutex
	volume *volume.Volume

	stopGC context.CancelFunc
	gcDone chan struct{}

	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates opts. It opens nothing; Start does.
func New(opts Options) (*RDFS, error) { // A
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = opts.Config.Logger()
	}
	return &RDFS{log: opts.Logger, opts: opts}, nil
}

// Start opens the configured store and the volume in it, formatting the
// store when it holds no volume yet. Only the first call has an effect.
func (r *RDFS) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		if r.closed.Load() {
			startErr = ErrClosed
			return
		}
		if err := ctx.Err(); err != nil {
			startErr = err
			return
		}
		c := r.opts.Config
		signer, err := c.Signer(r.opts.Secret, r.opts.Label)
		if err != nil {
			startErr = fmt.Errorf("rdfs: signer: %w", err)
			return
		}
		vc, err := c.Volume(signer, r.log)
		if err != nil {
			startErr = fmt.Errorf("rdfs: store: %w", err)
			return
		}

		v, err := volume.Open(vc)
		if errors.Is(err, blockstore.ErrNotFound) {
			r.log.Info("rdfs: store holds no volume, formatting")
			vc.Addresses = r.opts.Addresses
			v, err = volume.Format(vc)
		}
		if err != nil {
			if cerr := vc.Store.Close(); cerr != nil {
				r.log.WithError(cerr).Warn("rdfs: close store after failed start")
			}
			startErr = err
			return
		}

		r.volMu.Lock()
		defer r.volMu.Unlock()
		if r.closed.Load() {
			startErr = errors.Join(ErrClosed, v.Close())
			return
		}
		r.volume = v

		if cl, ok := vc.Store.(cleaner); ok && c.GCInterval > 0 {
			gcCtx, cancel := context.WithCancel(context.Background())
			r.stopGC = cancel
			r.gcDone = make(chan struct{})
			go r.collectGarbage(gcCtx, cl, c.GCInterval, r.gcDone)
		}

		r.log.WithFields(logrus.Fields{
			"backend": c.Backend,
			"free":    v.FreeBlocks(),
		}).Info("rdfs: started")
	})
	return startErr
}

type cleaner interface {
	Clean() error
}

func (r *RDFS) collectGarbage(ctx context.Context, cl cleaner, every time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cl.Clean(); err != nil {
				r.log.WithError(err).Warn("rdfs: garbage collection failed")
				continue
			}
			r.log.Debug("rdfs: garbage collection done")
		}
	}
}

// Volume returns the open volume.
func (r *RDFS) Volume() (*volume.Volume, error) {
	r.volMu.RLock()
	defer r.volMu.RUnlock()

	if r.closed.Load() {
		return nil, ErrClosed
	}
	if r.volume == nil {
		return nil, ErrNotStarted
	}
	return r.volume, nil
}

// Run starts, blocks until ctx is done and then closes with a bounded
// shutdown.
func (r *RDFS) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Close(shutdownCtx)
}

// Close stops the compaction and closes the volume with its store. It is
// idempotent.
func (r *RDFS) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.volMu.Lock()
		r.closed.Store(true)
		v, stopGC, gcDone := r.volume, r.stopGC, r.gcDone
		r.volume = nil
		r.volMu.Unlock()

		if stopGC != nil {
			stopGC()
			select {
			case <-gcDone:
			case <-ctx.Done():
				// badger waits for a running value log GC on close
				closeErr = fmt.Errorf("rdfs: waiting for garbage collection: %w", ctx.Err())
			}
		}
		if v != nil {
			if err := v.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("rdfs: close volume: %w", err))
			}
		}
		r.log.Info("rdfs: closed")
	})
	return closeErr
}
