package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	mongox "github.com/dmitrymomot/receiptkit/pkg/mongo"
)

// MongoWriter stores audit batches in a MongoDB collection.
type MongoWriter struct {
	coll *mongo.Collection
}

// NewMongoWriter returns a writer for coll.
func NewMongoWriter(coll *mongo.Collection) *MongoWriter {
	return &MongoWriter{coll: coll}
}

// EnsureIndexes creates the lookup indexes and a TTL index expiring events after retention.
// A zero retention keeps events forever.
func (w *MongoWriter) EnsureIndexes(ctx context.Context, retention time.Duration) error {
	return mongox.EnsureIndexes(ctx, w.coll,
		mongox.Index{Keys: bson.D{{Key: "occurred_at", Value: 1}}, TTL: retention},
		mongox.Index{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
		mongox.Index{Keys: bson.D{{Key: "action", Value: 1}}},
	)
}

// StoreBatch inserts events unordered so one bad document does not block the rest.
func (w *MongoWriter) StoreBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]any, len(events))
	for i := range events {
		docs[i] = events[i]
	}
	_, err := w.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		// Redelivered batches after a timeout hit the unique _id; those rows are already stored.
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
	return nil
}

// LogWriter writes audit events to a slog logger. Used when MongoDB is not configured.
type LogWriter struct {
	log *slog.Logger
}

// NewLogWriter returns a writer logging at INFO.
func NewLogWriter(log *slog.Logger) *LogWriter {
	if log == nil {
		log = slog.Default()
	}
	return &LogWriter{log: log}
}

// StoreBatch logs every event.
func (w *LogWriter) StoreBatch(ctx context.Context, events []Event) error {
	for _, ev := range events {
		attrs := []slog.Attr{
			slog.String("audit_id", ev.ID),
			slog.String("action", ev.Action),
			slog.String("result", string(ev.Result)),
			slog.Time("occurred_at", ev.OccurredAt),
		}
		if ev.UserID != "" {
			attrs = append(attrs, slog.String("user_id", ev.UserID))
		}
		if ev.Resource != "" {
			attrs = append(attrs, slog.String("resource", ev.Resource), slog.String("resource_id", ev.ResourceID))
		}
		if ev.RequestID != "" {
			attrs = append(attrs, slog.String("request_id", ev.RequestID))
		}
		if ev.Error != "" {
			attrs = append(attrs, slog.String("error", ev.Error))
		}
		if len(ev.Metadata) > 0 {
			attrs = append(attrs, slog.Any("metadata", ev.Metadata))
		}
		w.log.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	}
	return nil
}

// MultiWriter fans a batch out to several writers, joining their errors.
type MultiWriter []BatchWriter

// StoreBatch writes to every writer even if one fails.
func (m MultiWriter) StoreBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, w := range m {
		if err := w.StoreBatch(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
