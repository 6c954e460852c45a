package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/duskpoint/reverie/pkg/errs"
)

// FileRepository stores one entity kind as a JSON array in a single file.
// The whole collection is held in memory; every write rewrites the file via
// write-temp, fsync, rename so a crash never leaves a torn collection.
type FileRepository[T Entity] struct {
	kind string
	path string

	mu     sync.RWMutex
	loaded bool
	items  map[string]T
}

func NewFileRepository[T Entity](kind, path string) *FileRepository[T] {
	return &FileRepository[T]{
		kind:  kind,
		path:  path,
		items: make(map[string]T),
	}
}

func (r *FileRepository[T]) load() error {
	if r.loaded {
		return nil
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.loaded = true
			return nil
		}
		return errs.Storage(r.kind, err)
	}

	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		return errs.Storage(r.kind, err)
	}
	for _, item := range list {
		r.items[item.EntityID()] = item
	}
	r.loaded = true
	return nil
}

func (r *FileRepository[T]) persist() error {
	list := make([]T, 0, len(r.items))
	for _, item := range r.items {
		list = append(list, item)
	}
	sortByCreated(list)

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errs.Storage(r.kind, err)
	}
	return atomicWrite(r.path, raw)
}

// atomicWrite lands data at path through a temp file in the same directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Storage("mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.Storage("write", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Storage("write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Storage("sync", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Storage("close", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Storage("rename", err)
	}
	return nil
}

func (r *FileRepository[T]) FindByID(ctx context.Context, userID, id string) (T, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return zero, err
	}

	item, ok := r.items[id]
	if !ok || item.OwnerID() != userID {
		return zero, errs.NotFound(r.kind, id)
	}
	return cloneEntity(item)
}

func (r *FileRepository[T]) FindByUserID(ctx context.Context, userID string) ([]T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}

	var out []T
	for _, item := range r.items {
		if item.OwnerID() != userID {
			continue
		}
		c, err := cloneEntity(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortByCreated(out)
	return out, nil
}

func (r *FileRepository[T]) FindAll(ctx context.Context) ([]T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}

	out := make([]T, 0, len(r.items))
	for _, item := range r.items {
		c, err := cloneEntity(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sortByCreated(out)
	return out, nil
}

func (r *FileRepository[T]) Create(ctx context.Context, entity T) error {
	if err := prepareCreate(entity); err != nil {
		return err
	}

	stored, err := cloneEntity(entity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	if _, exists := r.items[entity.EntityID()]; exists {
		return errs.InvalidRequest(r.kind + " id already exists")
	}

	r.items[entity.EntityID()] = stored
	if err := r.persist(); err != nil {
		delete(r.items, entity.EntityID())
		return err
	}
	return nil
}

func (r *FileRepository[T]) Update(ctx context.Context, userID string, entity T) error {
	if err := prepareUpdate(entity); err != nil {
		return err
	}

	stored, err := cloneEntity(entity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	prior, ok := r.items[entity.EntityID()]
	if !ok || prior.OwnerID() != userID {
		return errs.NotFound(r.kind, entity.EntityID())
	}

	r.items[entity.EntityID()] = stored
	if err := r.persist(); err != nil {
		r.items[entity.EntityID()] = prior
		return err
	}
	return nil
}

func (r *FileRepository[T]) Delete(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	prior, ok := r.items[id]
	if !ok || prior.OwnerID() != userID {
		return errs.NotFound(r.kind, id)
	}

	delete(r.items, id)
	if err := r.persist(); err != nil {
		r.items[id] = prior
		return err
	}
	return nil
}
