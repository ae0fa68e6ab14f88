// Package requestid assigns every request an id, stores it in the request
// context and echoes it in the X-Request-ID response header. LoggerExtractor
// plugs the id into pkg/logger, and the audit emitter stamps it on events.
package requestid
