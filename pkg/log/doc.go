// Package log provides structured logging for syncd using zerolog.
//
// A single global logger is configured once via Init and component
// loggers are derived from it with the With* helpers so that every
// log line carries enough context (node, peer, lock, queue) to
// reconstruct a trace across a cluster without a correlation ID
// scheme.
package log
