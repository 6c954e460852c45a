package store

import (
	"context"
	"sort"
	"sync"

	"github.com/duskpoint/reverie/pkg/errs"
)

// MemoryRepository is the in-process backend used by tests and ephemeral
// runs. Entities are cloned on the way in and out.
type MemoryRepository[T Entity] struct {
	kind  string
	mu    sync.RWMutex
	items map[string]T
}

func NewMemoryRepository[T Entity](kind string) *MemoryRepository[T] {
	return &MemoryRepository[T]{
		kind:  kind,
		items: make(map[string]T),
	}
}

func (r *MemoryRepository[T]) FindByID(ctx context.Context, userID, id string) (T, error) {
	var zero T
	r.mu.RLock()
	item, ok := r.items[id]
	r.mu.RUnlock()
	if !ok || item.OwnerID() != userID {
		return zero, errs.NotFound(r.kind, id)
	}
	return cloneEntity(item)
}

func (r *MemoryRepository[T]) FindByUserID(ctx context.Context, userID string) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

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

func (r *MemoryRepository[T]) FindAll(ctx context.Context) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

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

func (r *MemoryRepository[T]) Create(ctx context.Context, entity T) error {
	if err := prepareCreate(entity); err != nil {
		return err
	}

	stored, err := cloneEntity(entity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[entity.EntityID()]; exists {
		return errs.InvalidRequest(r.kind + " id already exists")
	}
	r.items[entity.EntityID()] = stored
	return nil
}

func (r *MemoryRepository[T]) Update(ctx context.Context, userID string, entity T) error {
	if err := prepareUpdate(entity); err != nil {
		return err
	}

	stored, err := cloneEntity(entity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.items[entity.EntityID()]
	if !ok || existing.OwnerID() != userID {
		return errs.NotFound(r.kind, entity.EntityID())
	}
	r.items[entity.EntityID()] = stored
	return nil
}

func (r *MemoryRepository[T]) Delete(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.items[id]
	if !ok || existing.OwnerID() != userID {
		return errs.NotFound(r.kind, id)
	}
	delete(r.items, id)
	return nil
}

// sortByCreated keeps listing order stable across map iteration.
func sortByCreated[T Entity](items []T) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Created().Equal(items[j].Created()) {
			return items[i].Created().Before(items[j].Created())
		}
		return items[i].EntityID() < items[j].EntityID()
	})
}
