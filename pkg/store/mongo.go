package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/duskpoint/reverie/pkg/errs"
)

// MongoRepository maps one entity kind onto one collection. ownerField names
// the bson field holding the owning user id; for the users collection that
// is _id itself.
type MongoRepository[T Entity] struct {
	kind       string
	coll       *mongo.Collection
	ownerField string
}

func NewMongoRepository[T Entity](kind string, coll *mongo.Collection, ownerField string) *MongoRepository[T] {
	return &MongoRepository[T]{kind: kind, coll: coll, ownerField: ownerField}
}

func (r *MongoRepository[T]) ownerFilter(userID, id string) bson.M {
	filter := bson.M{"_id": id}
	if r.ownerField != "_id" {
		filter[r.ownerField] = userID
	}
	return filter
}

func (r *MongoRepository[T]) FindByID(ctx context.Context, userID, id string) (T, error) {
	var zero T
	if r.ownerField == "_id" && userID != id {
		return zero, errs.NotFound(r.kind, id)
	}

	entity := newEntity[T]()
	err := r.coll.FindOne(ctx, r.ownerFilter(userID, id)).Decode(entity)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return zero, errs.NotFound(r.kind, id)
		}
		return zero, errs.Storage(r.kind, err)
	}
	return entity, nil
}

func (r *MongoRepository[T]) FindByUserID(ctx context.Context, userID string) ([]T, error) {
	filter := bson.M{r.ownerField: userID}
	return r.find(ctx, filter)
}

func (r *MongoRepository[T]) FindAll(ctx context.Context) ([]T, error) {
	return r.find(ctx, bson.M{})
}

func (r *MongoRepository[T]) find(ctx context.Context, filter bson.M) ([]T, error) {
	cur, err := r.coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, errs.Storage(r.kind, err)
	}
	defer cur.Close(ctx)

	var out []T
	for cur.Next(ctx) {
		entity := newEntity[T]()
		if err := cur.Decode(entity); err != nil {
			return nil, errs.Storage(r.kind, err)
		}
		out = append(out, entity)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Storage(r.kind, err)
	}
	return out, nil
}

func (r *MongoRepository[T]) Create(ctx context.Context, entity T) error {
	if err := prepareCreate(entity); err != nil {
		return err
	}
	if _, err := r.coll.InsertOne(ctx, entity); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.InvalidRequest(r.kind + " id already exists")
		}
		return errs.Storage(r.kind, err)
	}
	return nil
}

func (r *MongoRepository[T]) Update(ctx context.Context, userID string, entity T) error {
	if err := prepareUpdate(entity); err != nil {
		return err
	}
	if r.ownerField == "_id" && userID != entity.EntityID() {
		return errs.NotFound(r.kind, entity.EntityID())
	}

	res, err := r.coll.ReplaceOne(ctx, r.ownerFilter(userID, entity.EntityID()), entity)
	if err != nil {
		return errs.Storage(r.kind, err)
	}
	if res.MatchedCount == 0 {
		return errs.NotFound(r.kind, entity.EntityID())
	}
	return nil
}

func (r *MongoRepository[T]) Delete(ctx context.Context, userID, id string) error {
	if r.ownerField == "_id" && userID != id {
		return errs.NotFound(r.kind, id)
	}

	res, err := r.coll.DeleteOne(ctx, r.ownerFilter(userID, id))
	if err != nil {
		return errs.Storage(r.kind, err)
	}
	if res.DeletedCount == 0 {
		return errs.NotFound(r.kind, id)
	}
	return nil
}
