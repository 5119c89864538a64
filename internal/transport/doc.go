// ABOUTME: Package transport defines the opaque chat-engine boundary.
// ABOUTME: The gateway drives sessions through Transport; the engine pushes RawEvents back.

// Package transport holds the interface between the gateway and the
// underlying chat-protocol engine. The engine itself (connection handshake,
// wire protocol, cryptography) lives outside this repository; the gateway
// only ever sees a connected Transport handle and a stream of RawEvent
// values.
//
// RawEvent is a closed tagged union. Engines emit loosely-typed protocol
// stanzas; the adapter layer in front of this package is expected to map
// them into one of the known kinds, or KindUnknown for anything it cannot
// classify. Unknown events are dropped and logged by consumers, never
// treated as errors.
//
// A Loopback transport is included for development and tests: it pairs
// after a short delay and echoes commands back, without touching any real
// chat network.
package transport
