// Package jwt issues and verifies HS256 access tokens using golang-jwt and
// provides HTTP middleware that puts verified claims into the request context.
//
//	svc, _ := jwt.NewFromString(secret, jwt.WithIssuer("receiptkit"), jwt.WithTTL(time.Hour))
//	token, _ := svc.Issue(userID.String())
//	r.Use(jwt.Middleware(jwt.MiddlewareConfig{Service: svc}))
package jwt
