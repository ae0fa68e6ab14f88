// Package environment carries the deployment environment through request
// contexts. Middleware attaches it, FromContext reads it and LoggerExtractor
// feeds it into structured logs.
package environment
