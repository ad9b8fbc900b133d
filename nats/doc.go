// Package nats implements a client for a lightweight publish-subscribe
// message bus speaking a line-oriented text protocol with binary payloads.
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - Connect to one or more server URLs
//   - publish, subscribe and request
//   - Close when finished
//
// A client multiplexes every subscription and request/reply flow onto one
// long-lived connection. When the connection drops the client rotates
// through its server pool, replays the subscription registry and retained
// publishes, and resumes; request/reply shares a single wildcard inbox
// subscription across all in-flight requests.
//
// Exported client APIs synchronize internal state and are safe for
// concurrent use, but delivery callbacks should be written thread-safe
// because they can execute from the receive path while other goroutines use
// the client.
//
// Errors are typed NatsError values carrying a stable code. Server errors and
// failures of delivery callbacks are reported through the error handler
// rather than returned; a lost connection is reported through the disconnect
// and reconnect handlers, not the error handler.
package nats
