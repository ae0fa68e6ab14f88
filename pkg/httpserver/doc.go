// Package httpserver runs an http.Server until its context is canceled and
// then shuts it down within a bounded window. It also provides JSON liveness
// and readiness handlers; readiness probes all dependencies concurrently.
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	err := srv.Run(ctx, router)
package httpserver
