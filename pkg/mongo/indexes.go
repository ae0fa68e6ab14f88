package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Index describes a single-field or compound index.
type Index struct {
	Keys   bson.D
	Unique bool
	// TTL expires documents this long after the time stored in the (single) key field.
	TTL time.Duration
}

// EnsureIndexes creates the indexes on coll. Existing identical indexes are a no-op.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection, indexes ...Index) error {
	if len(indexes) == 0 {
		return nil
	}

	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		opts := options.Index()
		if idx.Unique {
			opts.SetUnique(true)
		}
		if idx.TTL > 0 {
			opts.SetExpireAfterSeconds(int32(idx.TTL / time.Second))
		}
		models = append(models, mongo.IndexModel{Keys: idx.Keys, Options: opts})
	}

	if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
		return errors.Join(ErrFailedToCreateIndexes, err)
	}
	return nil
}
