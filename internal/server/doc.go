// Package server implements the relaychat room and session subsystem.
//
// A Server accepts connections on a TCP listener (and optionally over a
// WebSocket bridge) and runs one Session per connection. Sessions log in or
// sign up through an auth.Gateway, then create or join a Room through the
// shared Registry. Each chat line is appended to the room's history.Gateway
// log and broadcast to the other members.
//
// The implementation is organized into specialized files for configuration,
// rooms, broadcast, sessions, transports, routing and HTTP handlers.
package server
