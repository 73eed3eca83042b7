package config

import (
	"fmt"

	"github.com/i5heu/ouroboros-rdfs/pkg/blockstore"
	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/signature"
	"github.com/i5heu/ouroboros-rdfs/pkg/volume"
	"github.com/sirupsen/logrus"
)

// Logger builds the configured logger.
func (c Config) Logger() *logrus.Logger {
	return logging.New(logging.Config{Level: c.LogLevel, Format: c.LogFormat})
}

// Signer loads the key file, creating it on first use. Without a key file
// the key is derived from secret.
func (c Config) Signer(secret []byte, volumeLabel string) (signature.Signer, error) {
	var (
		key []byte
		err error
	)
	if c.KeyFile != "" {
		key, err = signature.LoadOrCreateKey(c.KeyFile)
	} else {
		key, err = signature.DeriveKey(secret, volumeLabel)
	}
	if err != nil {
		return nil, err
	}
	return signature.NewSigner(c.Scheme(), key)
}

// OpenStore opens the configured block table.
func (c Config) OpenStore(log *logrus.Logger) (blockstore.Store, error) {
	if c.Backend == "memory" {
		return blockstore.NewMemoryStore(), nil
	}
	comp, err := blockstore.ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	path, err := PathWithSpace(c.Paths, c.MinimumFreeGB, log)
	if err != nil {
		return nil, err
	}
	return blockstore.NewBadgerStore(blockstore.BadgerConfig{
		Path:        path,
		Compression: comp,
		SyncWrites:  c.SyncWrites,
		Logger:      log,
	})
}

// Volume assembles a volume configuration with an opened store.
func (c Config) Volume(signer signature.Signer, log *logrus.Logger) (volume.Config, error) {
	if signer.Scheme() != c.Scheme() {
		return volume.Config{}, fmt.Errorf("%w: signer uses %s, configuration %s", ErrInvalid, signer.Scheme(), c.Scheme())
	}
	store, err := c.OpenStore(log)
	if err != nil {
		return volume.Config{}, err
	}
	return volume.Config{
		Store:       store,
		Signer:      signer,
		BlockSize:   c.BlockSize,
		TotalBlocks: c.TotalBlocks,
		Threshold:   c.Threshold,
		Redundancy:  c.Redundancy,
		Workers:     c.Workers,
		Logger:      log,
	}, nil
}
