package deadletter

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoSink archives dead letters in a collection, one document per record.
type MongoSink struct {
	coll inserter
}

func NewMongoSink(coll inserter) *MongoSink {
	return &MongoSink{coll: coll}
}

func (s *MongoSink) DeadLetter(ctx context.Context, r Record) error {
	doc := bson.M{
		"item_id":        r.ItemID,
		"kind":           string(r.Kind),
		"topic":          r.Topic,
		"target":         r.Target,
		"attempts":       r.Attempts,
		"reason":         r.Reason,
		"first_enqueued": r.FirstEnqueued,
		"last_attempt":   r.LastAttempt,
		"dead_at":        r.DeadAt,
	}
	if len(r.Payload) > 0 {
		var payload bson.M
		if err := bson.UnmarshalExtJSON(r.Payload, false, &payload); err == nil {
			doc["payload"] = payload
		} else {
			doc["payload_raw"] = string(r.Payload)
		}
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", r.ItemID, err)
	}
	return nil
}
