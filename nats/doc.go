// Package nats provides a client for NATS-style publish/subscribe
// messaging over the line-oriented NATS wire protocol.
//
// The primary lifecycle is:
//   - construct a Client with NewClient and one or more server URIs
//   - optionally configure it with the chainable Set methods
//   - Subscribe, Publish, Request, and Wait for events
//
// Connections are established lazily by the first operation. Every
// stateful operation runs through a reconnect-and-retry wrapper that
// transparently fails over across the configured server list; a
// time-gated circuit breaker suppresses connection attempts for a
// cooldown window after the whole cluster has been exhausted without
// success. Note that retried operations may be delivered more than once
// under partial failure: a publish that succeeded server-side but whose
// acknowledgement was lost is sent again.
//
// A Client is a sequence of blocking operations on one owned session
// and is not safe for concurrent use; callers that need timeouts or
// concurrency must coordinate externally.
//
// Errors are reported as *Error values carrying an error kind, a short
// description, and an optional detail such as the offending protocol
// line. Use ErrorKind to classify them.
package nats
