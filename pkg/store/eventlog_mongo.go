package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
)

// MongoEventLog stores events in one collection keyed (chatId, seq). The
// orchestrator serializes appends per chat, so reading the tail seq before
// inserting does not race.
type MongoEventLog struct {
	coll *mongo.Collection
}

func NewMongoEventLog(coll *mongo.Collection) *MongoEventLog {
	return &MongoEventLog{coll: coll}
}

func (l *MongoEventLog) Append(ctx context.Context, ev *domain.ChatEvent) error {
	var last int64
	tail := &domain.ChatEvent{}
	err := l.coll.FindOne(ctx, bson.M{"chatId": ev.ChatID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})).Decode(tail)
	switch {
	case err == nil:
		last = tail.Seq
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return errs.Storage("event log", err)
	}

	if err := prepareEvent(ev, last); err != nil {
		return err
	}
	if _, err := l.coll.InsertOne(ctx, ev); err != nil {
		return errs.Storage("event log", err)
	}
	return nil
}

func (l *MongoEventLog) Events(ctx context.Context, chatID string) ([]*domain.ChatEvent, error) {
	cur, err := l.coll.Find(ctx, bson.M{"chatId": chatID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, errs.Storage("event log", err)
	}
	defer cur.Close(ctx)

	var events []*domain.ChatEvent
	for cur.Next(ctx) {
		ev := &domain.ChatEvent{}
		if err := cur.Decode(ev); err != nil {
			return nil, errs.Storage("event log", err)
		}
		events = append(events, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Storage("event log", err)
	}
	return events, nil
}

func (l *MongoEventLog) FindByRequestID(ctx context.Context, chatID, clientRequestID string) (*domain.ChatEvent, bool, error) {
	if clientRequestID == "" {
		return nil, false, nil
	}
	ev := &domain.ChatEvent{}
	err := l.coll.FindOne(ctx, bson.M{"chatId": chatID, "clientRequestId": clientRequestID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: 1}})).Decode(ev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, errs.Storage("event log", err)
	}
	return ev, true, nil
}

func (l *MongoEventLog) Drop(ctx context.Context, chatID string) error {
	if _, err := l.coll.DeleteMany(ctx, bson.M{"chatId": chatID}); err != nil {
		return errs.Storage("event log", err)
	}
	return nil
}
