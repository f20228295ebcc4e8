// Package ws provides the WebSocket RPC client used to talk to the
// knowledge-graph backend.
//
// The package implements:
//   - Conn: one duplex transport instance bound to a target session
//   - Channel: request/response correlation over a connection via a pending-call table
//   - Supervisor: owns the single active Conn, (re)opens it per target session and
//     discards callbacks from superseded connections
//
// Key features:
//   - Every call has its own deadline; a timeout rejects only that call
//   - Closing a connection rejects all calls still pending on it
//   - Unmatched responses (late arrivals after a timeout) are dropped silently
//   - Push events are delivered one at a time in transport order
//   - Auto-connect on send is gated on a recent successful health probe
package ws
