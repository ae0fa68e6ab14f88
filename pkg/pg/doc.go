// Package pg wraps pgxpool with retrying connection setup, transactions,
// embedded goose migrations, error classification and a health check.
//
//	pool, err := pg.Connect(ctx, cfg)
//	err = pg.Migrate(ctx, pool, store.Migrations, cfg, log)
//	err = pg.WithTx(ctx, pool, func(tx pgx.Tx) error {
//		// SELECT ... FOR UPDATE, UPDATE ...
//		return nil
//	})
//
// IsNotFoundError, IsDuplicateKeyError and IsCheckViolationError classify
// driver errors without leaking pgconn types into callers.
package pg
