// Package inode keeps the directory tree of a volume.
//
// Inodes refer to each other and to DataBlocks by BlockID only. The tree
// holds one immutable snapshot per inode; a mutation builds a new snapshot,
// persists it through the Store and swaps it in under a short table lock,
// so readers never wait for a directory mutation to finish.
//
// Mutations serialize per directory: create, remove and link_data take the
// mutex of the parent directory. A recursive remove additionally locks
// every directory of the removed subtree, always ancestor first.
//
// Hard links are separate file inodes that share one DataBlock chain. The
// tree counts references per DataBlock and frees a block in the allocator
// once the last inode referencing it is removed or relinked.
package inode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-rdfs/pkg/allocator"
	"github.com/i5heu/ouroboros-rdfs/pkg/logging"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyExists     = errors.New("inode: already exists")
	ErrNotFound          = errors.New("inode: not found")
	ErrDirectoryNotEmpty = errors.New("inode: directory not empty")
	ErrNotDirectory      = errors.New("inode: not a directory")
	ErrIsDirectory       = errors.New("inode: is a directory")
	ErrInvalidName       = errors.New("inode: invalid name")
	ErrUnallocatedBlock  = errors.New("inode: pointer to unallocated block")
	ErrRoot              = errors.New("inode: not permitted on the root directory")
)

// Entry is one child of a directory.
type Entry struct {
	Name string
	ID   model.BlockID
	Type model.InodeType
}

// Store persists inode snapshots and drops freed blocks. PutInode is called
// before a snapshot becomes visible and may set its Signature.
type Store interface {
	PutInode(b *model.InodeBlock) error
	DeleteInode(id model.BlockID) error
	DeleteData(ids []model.BlockID) error
}

type nopStore struct{}

func (nopStore) PutInode(*model.InodeBlock) error { return nil }
func (nopStore) DeleteInode(model.BlockID) error  { return nil }
func (nopStore) DeleteData([]model.BlockID) error { return nil }

type Config struct {
	Allocator *allocator.Allocator
	Store     Store            // optional
	Now       func() time.Time // optional, defaults to time.Now
	Logger    *logrus.Logger   // optional
}

type Tree struct {
	alloc *allocator.Allocator
	store Store
	now   func() time.Time
	log   *logrus.Logger

	mu    sync.RWMutex
	nodes map[model.BlockID]*model.InodeBlock
	refs  map[model.BlockID]int

	lockMu   sync.Mutex
	dirLocks map[model.BlockID]*dirLock
}

// dirLock is dropped from the lock table once no goroutine holds or waits
// for it.
type dirLock struct {
	mu    sync.Mutex
	users int
}

func newTree(cfg Config) (*Tree, error) {
	if cfg.Allocator == nil {
		return nil, errors.New("inode: allocator is required")
	}
	if cfg.Store == nil {
		cfg.Store = nopStore{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tree{
		alloc:    cfg.Allocator,
		store:    cfg.Store,
		now:      cfg.Now,
		log:      logging.OrDefault(cfg.Logger),
		nodes:    make(map[model.BlockID]*model.InodeBlock),
		refs:     make(map[model.BlockID]int),
		dirLocks: make(map[model.BlockID]*dirLock),
	}, nil
}

// New creates an empty tree. The root inode id must already be allocated.
func New(cfg Config) (*Tree, error) {
	t, err := newTree(cfg)
	if err != nil {
		return nil, err
	}
	if !t.alloc.IsAllocated(model.RootInodeID) {
		return nil, fmt.Errorf("%w: root inode %d", ErrUnallocatedBlock, model.RootInodeID)
	}

	now := t.now().UnixNano()
	root := &model.InodeBlock{
		ID:       model.RootInodeID,
		Type:     model.TypeDirectory,
		Name:     "/",
		Created:  now,
		Modified: now,
		Parent:   model.RootInodeID,
	}
	if err := t.store.PutInode(root); err != nil {
		return nil, fmt.Errorf("inode: persist root: %w", err)
	}
	t.nodes[root.ID] = root
	return t, nil
}

// Load rebuilds a tree by walking from the root through fetch.
func Load(cfg Config, fetch func(model.BlockID) (*model.InodeBlock, error)) (*Tree, error) {
	t, err := newTree(cfg)
	if err != nil {
		return nil, err
	}

	queue := []model.BlockID{model.RootInodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := t.nodes[id]; seen {
			return nil, fmt.Errorf("inode: inode %d is reachable twice", id)
		}
		b, err := fetch(id)
		if err != nil {
			return nil, fmt.Errorf("inode: load %d: %w", id, err)
		}
		if b.ID != id {
			return nil, fmt.Errorf("inode: block %d holds inode %d", id, b.ID)
		}
		if id == model.RootInodeID && !b.IsDir() {
			return nil, fmt.Errorf("%w: root inode is a %s", ErrNotDirectory, b.Type)
		}
		t.nodes[id] = b
		if b.IsDir() {
			queue = append(queue, b.Pointers...)
			continue
		}
		for _, p := range b.Pointers {
			t.refs[p]++
		}
	}

	marked, err := t.reconcile()
	if err != nil {
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"inodes": len(t.nodes),
		"marked": marked,
	}).Debug("inode: tree loaded")
	return t, nil
}

// reconcile marks every loaded inode and every referenced DataBlock as
// allocated. A bitmap persisted before the last writes can miss them, and
// handing such an id out again would overwrite live data.
func (t *Tree) reconcile() (int, error) {
	var marked int
	mark := func(id model.BlockID) error {
		if t.alloc.IsAllocated(id) {
			return nil
		}
		if err := t.alloc.MarkAllocated(id); err != nil {
			return fmt.Errorf("inode: reconcile block %d: %w", id, err)
		}
		marked++
		return nil
	}
	for id := range t.nodes {
		if err := mark(id); err != nil {
			return marked, err
		}
	}
	for id := range t.refs {
		if err := mark(id); err != nil {
			return marked, err
		}
	}
	if marked > 0 {
		t.log.WithField("blocks", marked).Warn("inode: allocation bitmap was missing live blocks")
	}
	return marked, nil
}

// Root returns the root directory id.
func (t *Tree) Root() model.BlockID { return model.RootInodeID }

// Len returns the number of inodes in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.nodes)
}

func (t *Tree) lockDir(id model.BlockID) func() {
	t.lockMu.Lock()
	l, ok := t.dirLocks[id]
	if !ok {
		l = &dirLock{}
		t.dirLocks[id] = l
	}
	l.users++
	t.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		t.lockMu.Lock()
		if l.users--; l.users == 0 {
			delete(t.dirLocks, id)
		}
		t.lockMu.Unlock()
	}
}

func (t *Tree) get(id model.BlockID) (*model.InodeBlock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.nodes[id]
	return b, ok
}

func (t *Tree) dir(id model.BlockID) (*model.InodeBlock, error) {
	b, ok := t.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: inode %d", ErrNotFound, id)
	}
	if !b.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrNotDirectory, b.Name)
	}
	return b, nil
}

func (t *Tree) childByName(dir *model.InodeBlock, name string) (model.BlockID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, c := range dir.Pointers {
		if n, ok := t.nodes[c]; ok && n.Name == name {
			return c, true
		}
	}
	return 0, false
}

// Resolve returns the inode id at path. Symlinks are not followed.
func (t *Tree) Resolve(path string) (model.BlockID, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return 0, err
	}
	return t.resolveParts(parts)
}

func (t *Tree) resolveParts(parts []string) (model.BlockID, error) {
	id := model.RootInodeID
	for i, name := range parts {
		d, err := t.dir(id)
		if err != nil {
			return 0, err
		}
		child, ok := t.childByName(d, name)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, JoinPath(parts[:i+1]...))
		}
		id = child
	}
	return id, nil
}

// List returns the children of a directory in pointer list order.
func (t *Tree) List(dirID model.BlockID) ([]Entry, error) {
	d, err := t.dir(dirID)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, len(d.Pointers))
	for _, c := range d.Pointers {
		n, ok := t.nodes[c]
		if !ok {
			continue
		}
		entries = append(entries, Entry{Name: n.Name, ID: c, Type: n.Type})
	}
	return entries, nil
}

// Stat returns a copy of the inode.
func (t *Tree) Stat(id model.BlockID) (*model.InodeBlock, error) {
	b, ok := t.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: inode %d", ErrNotFound, id)
	}
	return b.Clone(), nil
}

// Refs returns how many inodes reference the DataBlock.
func (t *Tree) Refs(id model.BlockID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.refs[id]
}

// Create adds an empty inode of the given type at path.
func (t *Tree) Create(path string, typ model.InodeType) (model.BlockID, error) { // A
	if !typ.Valid() {
		return 0, fmt.Errorf("inode: unknown inode type %d", uint8(typ))
	}
	parts, err := SplitPath(path)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, fmt.Errorf("%w: /", ErrAlreadyExists)
	}
	parentID, err := t.resolveParts(parts[:len(parts)-1])
	if err != nil {
		return 0, err
	}

	unlock := t.lockDir(parentID)
	defer unlock()

	return t.createLocked(parentID, &model.InodeBlock{Type: typ, Name: parts[len(parts)-1]})
}

// Link creates a file at newPath that shares the DataBlocks of existing.
func (t *Tree) Link(existing, newPath string) (model.BlockID, error) {
	srcID, err := t.Resolve(existing)
	if err != nil {
		return 0, err
	}
	parts, err := SplitPath(newPath)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, fmt.Errorf("%w: /", ErrAlreadyExists)
	}
	parentID, err := t.resolveParts(parts[:len(parts)-1])
	if err != nil {
		return 0, err
	}

	unlock := t.lockDir(parentID)
	defer unlock()

	// Pin the source chain first so a concurrent relink of the source
	// cannot free it before the new inode holds its own references.
	t.mu.Lock()
	src, ok := t.nodes[srcID]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotFound, existing)
	}
	if src.IsDir() {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrIsDirectory, existing)
	}
	tmpl := &model.InodeBlock{
		Type:     src.Type,
		Name:     parts[len(parts)-1],
		Size:     src.Size,
		Pointers: append([]model.BlockID(nil), src.Pointers...),
	}
	t.retain(tmpl.Pointers)
	t.mu.Unlock()

	id, err := t.createLocked(parentID, tmpl)
	if err != nil {
		t.mu.Lock()
		released := t.release(tmpl.Pointers)
		t.mu.Unlock()
		if ferr := t.freeData(released); ferr != nil {
			return 0, errors.Join(err, ferr)
		}
		return 0, err
	}
	return id, nil
}

// createLocked inserts tmpl under parentID; the caller holds the parent
// lock. Pointers in tmpl must already be retained.
func (t *Tree) createLocked(parentID model.BlockID, tmpl *model.InodeBlock) (model.BlockID, error) {
	if err := ValidateName(tmpl.Name); err != nil {
		return 0, err
	}
	parent, err := t.dir(parentID)
	if err != nil {
		return 0, err
	}
	if _, exists := t.childByName(parent, tmpl.Name); exists {
		return 0, fmt.Errorf("%w: %q", ErrAlreadyExists, tmpl.Name)
	}

	id, err := t.alloc.Allocate()
	if err != nil {
		return 0, fmt.Errorf("inode: allocate %q: %w", tmpl.Name, err)
	}

	now := t.now().UnixNano()
	child := tmpl.Clone()
	child.ID = id
	child.Parent = parentID
	child.Created = now
	child.Modified = now

	np := parent.Clone()
	np.Pointers = append(np.Pointers, id)
	np.Modified = now

	if err := t.store.PutInode(child); err != nil {
		return 0, t.undoAllocate(id, fmt.Errorf("inode: persist %q: %w", child.Name, err))
	}
	if err := t.store.PutInode(np); err != nil {
		if derr := t.store.DeleteInode(id); derr != nil {
			t.log.WithError(derr).WithField("inode", id).Warn("inode: could not drop orphaned inode")
		}
		return 0, t.undoAllocate(id, fmt.Errorf("inode: persist directory %d: %w", parentID, err))
	}

	t.mu.Lock()
	t.nodes[id] = child
	t.nodes[parentID] = np
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"inode":  id,
		"parent": parentID,
		"name":   child.Name,
		"type":   child.Type.String(),
	}).Debug("inode: created")
	return id, nil
}

func (t *Tree) undoAllocate(id model.BlockID, cause error) error {
	if err := t.alloc.Free(id); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// LinkData replaces the pointer list and size of a file or symlink. The new
// list becomes visible in one step; DataBlocks no longer referenced by any
// inode are freed afterwards.
func (t *Tree) LinkData(fileID model.BlockID, ids []model.BlockID, size uint64) error { // A
	node, ok := t.get(fileID)
	if !ok {
		return fmt.Errorf("%w: inode %d", ErrNotFound, fileID)
	}
	if node.IsDir() {
		return fmt.Errorf("%w: %q", ErrIsDirectory, node.Name)
	}

	unlock := t.lockDir(node.Parent)
	defer unlock()

	// re-read under the directory lock
	if node, ok = t.get(fileID); !ok {
		return fmt.Errorf("%w: inode %d", ErrNotFound, fileID)
	}
	for _, id := range ids {
		if err := t.checkDataPointer(id); err != nil {
			return err
		}
	}

	nn := node.Clone()
	nn.Pointers = nil
	if len(ids) > 0 {
		nn.Pointers = append([]model.BlockID(nil), ids...)
	}
	nn.Size = size
	nn.Modified = t.now().UnixNano()
	if err := t.store.PutInode(nn); err != nil {
		return fmt.Errorf("inode: persist %d: %w", fileID, err)
	}

	t.mu.Lock()
	t.nodes[fileID] = nn
	t.retain(nn.Pointers)
	released := t.release(node.Pointers)
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"inode":    fileID,
		"pointers": len(nn.Pointers),
		"size":     size,
		"released": len(released),
	}).Debug("inode: linked data")
	return t.freeData(released)
}

func (t *Tree) checkDataPointer(id model.BlockID) error {
	if id < model.FirstFreeID {
		return fmt.Errorf("%w: %d is a reserved block", ErrUnallocatedBlock, id)
	}
	if !t.alloc.IsAllocated(id) {
		return fmt.Errorf("%w: %d", ErrUnallocatedBlock, id)
	}
	if _, isInode := t.get(id); isInode {
		return fmt.Errorf("%w: %d is an inode", ErrUnallocatedBlock, id)
	}
	return nil
}

// Remove deletes the inode at path. Files release their DataBlocks;
// non-empty directories need recursive.
func (t *Tree) Remove(path string, recursive bool) error { // A
	parts, err := SplitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return ErrRoot
	}
	parentID, err := t.resolveParts(parts[:len(parts)-1])
	if err != nil {
		return err
	}

	unlock := t.lockDir(parentID)
	defer unlock()

	parent, err := t.dir(parentID)
	if err != nil {
		return err
	}
	id, ok := t.childByName(parent, parts[len(parts)-1])
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	node, ok := t.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	var victims []*model.InodeBlock
	if node.IsDir() {
		var unlocks []func()
		defer func() {
			for i := len(unlocks) - 1; i >= 0; i-- {
				unlocks[i]()
			}
		}()
		if victims, err = t.collectLocked(id, recursive, &unlocks); err != nil {
			return err
		}
	} else {
		victims = []*model.InodeBlock{node}
	}

	np := parent.Clone()
	np.Pointers = without(np.Pointers, id)
	np.Modified = t.now().UnixNano()
	if err := t.store.PutInode(np); err != nil {
		return fmt.Errorf("inode: persist directory %d: %w", parentID, err)
	}

	inodeIDs := make([]model.BlockID, 0, len(victims))
	var released []model.BlockID
	t.mu.Lock()
	t.nodes[parentID] = np
	for _, v := range victims {
		delete(t.nodes, v.ID)
		inodeIDs = append(inodeIDs, v.ID)
		if !v.IsDir() {
			released = append(released, t.release(v.Pointers)...)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, vid := range inodeIDs {
		if err := t.store.DeleteInode(vid); err != nil {
			errs = append(errs, fmt.Errorf("inode: delete %d: %w", vid, err))
		}
	}
	if err := t.alloc.FreeN(inodeIDs); err != nil {
		errs = append(errs, fmt.Errorf("inode: free inodes: %w", err))
	}
	if err := t.freeData(released); err != nil {
		errs = append(errs, err)
	}

	t.log.WithFields(logrus.Fields{
		"path":     path,
		"inodes":   len(inodeIDs),
		"released": len(released),
	}).Debug("inode: removed")
	return errors.Join(errs...)
}

// collectLocked locks the directory id and, when recursive, every
// directory below it, and returns the subtree children first.
func (t *Tree) collectLocked(id model.BlockID, recursive bool, unlocks *[]func()) ([]*model.InodeBlock, error) {
	*unlocks = append(*unlocks, t.lockDir(id))
	d, ok := t.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: inode %d", ErrNotFound, id)
	}
	if len(d.Pointers) > 0 && !recursive {
		return nil, fmt.Errorf("%w: %q", ErrDirectoryNotEmpty, d.Name)
	}

	var out []*model.InodeBlock
	for _, c := range d.Pointers {
		child, ok := t.get(c)
		if !ok {
			continue
		}
		if child.IsDir() {
			sub, err := t.collectLocked(c, true, unlocks)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, child)
	}
	return append(out, d), nil
}

// retain and release adjust DataBlock reference counts; callers hold mu.
func (t *Tree) retain(ids []model.BlockID) {
	for _, id := range ids {
		t.refs[id]++
	}
}

func (t *Tree) release(ids []model.BlockID) []model.BlockID {
	var freed []model.BlockID
	for _, id := range ids {
		switch t.refs[id] {
		case 0:
			// a list naming the same block twice was already released
		case 1:
			delete(t.refs, id)
			freed = append(freed, id)
		default:
			t.refs[id]--
		}
	}
	return freed
}

func (t *Tree) freeData(ids []model.BlockID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := t.alloc.FreeN(ids); err != nil {
		t.log.WithError(err).WithField("blocks", len(ids)).Error("inode: freeing data blocks failed")
		return fmt.Errorf("inode: free data blocks: %w", err)
	}
	if err := t.store.DeleteData(ids); err != nil {
		return fmt.Errorf("inode: delete data blocks: %w", err)
	}
	return nil
}

func without(ids []model.BlockID, drop model.BlockID) []model.BlockID {
	out := make([]model.BlockID, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Check verifies the tree invariants: directory children have unique names
// and point back to their parent, and every file pointer is an allocated
// block.
func (t *Tree) Check() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	for id, n := range t.nodes {
		if !n.IsDir() {
			for _, p := range n.Pointers {
				if !t.alloc.IsAllocated(p) {
					errs = append(errs, fmt.Errorf("%w: inode %d points at %d", ErrUnallocatedBlock, id, p))
				}
			}
			continue
		}
		names := make(map[string]struct{}, len(n.Pointers))
		for _, c := range n.Pointers {
			child, ok := t.nodes[c]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: directory %d lists missing inode %d", ErrNotFound, id, c))
				continue
			}
			if child.Parent != id {
				errs = append(errs, fmt.Errorf("inode: %d lists %d whose parent is %d", id, c, child.Parent))
			}
			if _, dup := names[child.Name]; dup {
				errs = append(errs, fmt.Errorf("%w: %q twice in directory %d", ErrAlreadyExists, child.Name, id))
			}
			names[child.Name] = struct{}{}
		}
	}
	return errors.Join(errs...)
}
