// Package mongo provides MongoDB connection management: environment-driven
// config, connect-with-retry, index bootstrapping and a health check.
//
//	db, err := mongo.NewWithDatabase(ctx, cfg)
//	coll := db.Collection("audit_events")
//	err = mongo.EnsureIndexes(ctx, coll,
//		mongo.Index{Keys: bson.D{{Key: "occurred_at", Value: 1}}, TTL: 90 * 24 * time.Hour},
//		mongo.Index{Keys: bson.D{{Key: "user_id", Value: 1}}},
//	)
//
// The audit trail is the only consumer; billing state itself lives in Postgres.
package mongo
