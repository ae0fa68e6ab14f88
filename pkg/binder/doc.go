// Package binder decodes HTTP request bodies into typed request structs for
// the handler package.
//
//	http.Handle("/checkout", handler.Wrap(create, handler.WithBinder[handler.Context, CheckoutRequest](binder.JSON())))
//
// Errors wrap the package sentinels so the error handler can map them to
// 400, 413 or 415 with errors.Is.
package binder
