// ABOUTME: Package gateway is the service facade wiring store, registry, bus, and dispatcher.
// ABOUTME: Exposes the typed session/webhook command surface consumed by the outer API layer.

// Package gateway assembles the chatgate components and exposes the
// command surface: session lifecycle operations, command execution,
// webhook management, and delivery-log queries. The HTTP routing and
// validation layer in front of this facade lives outside the repository;
// this package is the boundary it calls into.
//
// All session operations take the calling user's id and are ownership
// checked by the registry. Errors come back as the session package's
// sentinel taxonomy plus ErrServiceUnavailable for record-store outages.
package gateway
