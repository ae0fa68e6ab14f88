// Package logger builds *slog.Logger instances with environment presets and
// context-aware attribute injection.
//
// New applies Option values, picks a JSON or text handler and wraps it so the
// registered ContextExtractor callbacks run on every record. Request ids and the
// authenticated user are injected this way; WithEnvironment adds the
// deployment environment as a static attribute.
//
//	log := logger.New(
//		logger.WithEnvironment(cfg.AppEnv, "receiptkit"),
//		logger.WithContextExtractors(requestid.LoggerExtractor(), auth.LoggerExtractor()),
//	)
//	log.InfoContext(ctx, "transition applied",
//		logger.UserID(userID),
//		logger.EventType("subscription.updated"),
//		logger.Transition("status", "past_due", "active"),
//	)
//
// Attribute helpers (Error, UserID, Tier, Status, EventID, ...) keep key names
// consistent across packages. Error and Errors return an empty attribute for
// nil errors so callers can pass them unconditionally.
package logger
