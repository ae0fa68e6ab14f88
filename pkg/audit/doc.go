// Package audit is a best-effort audit trail.
//
// Business code calls Emitter.Emit, which stamps the event, enqueues it on a
// bounded channel and returns immediately. A single background goroutine
// drains the queue in batches into a BatchWriter (MongoWriter in production,
// LogWriter as a fallback). When the queue is full the event is dropped and
// counted; when the writer fails the batch is logged and counted. Neither
// case reaches the caller.
//
//	em, _ := audit.NewEmitter(audit.NewMongoWriter(db.Collection("audit_events")), audit.Options{Logger: log})
//	defer em.Close(shutdownCtx)
//
//	em.Emit(ctx, audit.ActionCheckoutCreated,
//		audit.WithUserID(userID),
//		audit.WithResource("checkout_session", session.ID),
//	)
package audit
