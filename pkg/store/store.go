// Package store provides owner-scoped persistence for platform entities.
//
// Three backends share one repository shape: a document store (MongoDB), a
// file-backed JSON layout for single-node deployments, and an in-memory
// variant used by tests. Every lookup is gated on the owning user id; a
// mismatch surfaces as not-found, never as someone else's data.
package store

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
)

// Entity is the contract repositories require of stored types.
type Entity interface {
	EntityID() string
	OwnerID() string
	SetID(id string)
	Touch(at time.Time)
	Created() time.Time
	SetCreated(at time.Time)
}

// Validator gates writes. Entities without it are accepted as-is.
type Validator interface {
	Validate() error
}

// Defaultable is implemented by profile entities that carry an isDefault
// flag scoped to (user, kind).
type Defaultable interface {
	Entity
	Default() bool
	MarkDefault(v bool)
}

// Repository is the uniform CRUD surface over one entity kind.
type Repository[T Entity] interface {
	FindByID(ctx context.Context, userID, id string) (T, error)
	FindByUserID(ctx context.Context, userID string) ([]T, error)
	FindAll(ctx context.Context) ([]T, error)
	Create(ctx context.Context, entity T) error
	Update(ctx context.Context, userID string, entity T) error
	Delete(ctx context.Context, userID, id string) error
}

// prepareCreate assigns id and timestamps, then validates. Called by every
// backend before touching storage.
func prepareCreate[T Entity](entity T) error {
	if entity.EntityID() == "" {
		entity.SetID(domain.NewID())
	}
	now := domain.Now()
	if entity.Created().IsZero() {
		entity.SetCreated(now)
	}
	entity.Touch(now)
	return validate(entity)
}

func prepareUpdate[T Entity](entity T) error {
	if err := validate(entity); err != nil {
		return err
	}
	entity.Touch(domain.Now())
	return nil
}

func validate[T Entity](entity T) error {
	if v, ok := any(entity).(Validator); ok {
		return v.Validate()
	}
	return nil
}

// newEntity allocates a zero value of the concrete type behind T, which is
// always a pointer type.
func newEntity[T Entity]() T {
	var zero T
	return reflect.New(reflect.TypeOf(zero).Elem()).Interface().(T)
}

// cloneEntity deep-copies via the entity's JSON form so backend internals
// never alias caller-held values.
func cloneEntity[T Entity](src T) (T, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		var zero T
		return zero, errs.Storage("encode", err)
	}
	dst := newEntity[T]()
	if err := json.Unmarshal(raw, dst); err != nil {
		var zero T
		return zero, errs.Storage("decode", err)
	}
	return dst, nil
}

// SetDefault marks one row of the user's partition as the default and unsets
// the rest. Without backend transactions the order is unset-others-then-set,
// tolerating a transient window with zero defaults; retries are idempotent.
func SetDefault[T Defaultable](ctx context.Context, repo Repository[T], userID, id string) error {
	target, err := repo.FindByID(ctx, userID, id)
	if err != nil {
		return err
	}

	siblings, err := repo.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range siblings {
		if s.EntityID() != id && s.Default() {
			s.MarkDefault(false)
			if err := repo.Update(ctx, userID, s); err != nil {
				return err
			}
		}
	}

	target.MarkDefault(true)
	return repo.Update(ctx, userID, target)
}

// FindDefault returns the user's default row, if one exists.
func FindDefault[T Defaultable](ctx context.Context, repo Repository[T], userID string) (T, bool, error) {
	var zero T
	rows, err := repo.FindByUserID(ctx, userID)
	if err != nil {
		return zero, false, err
	}
	for _, r := range rows {
		if r.Default() {
			return r, true, nil
		}
	}
	return zero, false, nil
}
