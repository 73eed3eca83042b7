package volume

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-rdfs/pkg/inode"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/transport"
)

// Mkdir creates the directory at path. The parent must exist.
func (v *Volume) Mkdir(path string) (model.BlockID, error) {
	done, err := v.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	return v.tree.Create(path, model.TypeDirectory)
}

// MkdirAll creates path and every missing ancestor. Existing directories
// along the way are fine; an existing non-directory is not.
func (v *Volume) MkdirAll(path string) (model.BlockID, error) {
	done, err := v.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	parts, err := inode.SplitPath(path)
	if err != nil {
		return 0, err
	}
	id := v.tree.Root()
	for i := range parts {
		sub := inode.JoinPath(parts[:i+1]...)
		id, err = v.tree.Create(sub, model.TypeDirectory)
		if errors.Is(err, inode.ErrAlreadyExists) {
			if id, err = v.tree.Resolve(sub); err != nil {
				return 0, err
			}
			node, err := v.tree.Stat(id)
			if err != nil {
				return 0, err
			}
			if !node.IsDir() {
				return 0, fmt.Errorf("%w: %q", inode.ErrNotDirectory, sub)
			}
			continue
		}
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Remove deletes the inode at path. Directories with children need
// recursive.
func (v *Volume) Remove(path string, recursive bool) error {
	done, err := v.begin()
	if err != nil {
		return err
	}
	defer done()
	return v.tree.Remove(path, recursive)
}

// Link creates newPath as a hard link to the file at existing.
func (v *Volume) Link(existing, newPath string) (model.BlockID, error) {
	done, err := v.begin()
	if err != nil {
		return 0, err
	}
	defer done()
	return v.tree.Link(existing, newPath)
}

// List returns the children of the directory at path.
func (v *Volume) List(path string) ([]inode.Entry, error) {
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	id, err := v.tree.Resolve(path)
	if err != nil {
		return nil, err
	}
	return v.tree.List(id)
}

// Stat returns a copy of the inode at path.
func (v *Volume) Stat(path string) (*model.InodeBlock, error) {
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	return v.statPath(path)
}

func (v *Volume) statPath(path string) (*model.InodeBlock, error) {
	id, err := v.tree.Resolve(path)
	if err != nil {
		return nil, err
	}
	return v.tree.Stat(id)
}

// Manifest describes the file at path for remote collection.
func (v *Volume) Manifest(path string) (*transport.Manifest, error) {
	done, err := v.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	node, err := v.statContent(path)
	if err != nil {
		return nil, err
	}
	p := v.engine.Params()
	return &transport.Manifest{
		Version:    v.super.Version,
		Inode:      node.ID,
		Size:       node.Size,
		Threshold:  p.Threshold,
		Redundancy: [2]uint32{p.Redundancy.Num, p.Redundancy.Den},
		SymbolSize: uint32(p.SymbolSize),
		Blocks:     node.Pointers,
	}, nil
}

// Walk calls fn for every inode below the root, parents before children,
// with the absolute path of each. The tree is read first, so fn sees the
// inodes as they were when Walk started and may use the volume.
func (v *Volume) Walk(fn func(path string, node *model.InodeBlock) error) error {
	done, err := v.begin()
	if err != nil {
		return err
	}
	type visit struct {
		path string
		node *model.InodeBlock
	}
	var visits []visit
	err = v.walk(v.tree.Root(), "", func(path string, node *model.InodeBlock) error {
		visits = append(visits, visit{path, node})
		return nil
	})
	done()
	if err != nil {
		return err
	}

	for _, vi := range visits {
		if err := fn(vi.path, vi.node); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volume) walk(dir model.BlockID, prefix string, fn func(string, *model.InodeBlock) error) error {
	entries, err := v.tree.List(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		node, err := v.tree.Stat(e.ID)
		if errors.Is(err, inode.ErrNotFound) {
			continue // removed concurrently
		}
		if err != nil {
			return err
		}
		path := prefix + "/" + e.Name
		if err := fn(path, node); err != nil {
			return err
		}
		if node.IsDir() {
			if err := v.walk(e.ID, path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
