// Package gateway wires the HTTP API together: agent registration and
// heartbeats, territory claims, admin operations, the SSE event stream,
// and per-caller rate limiting. It owns process lifecycle for the
// server, the event hub, the limiters, and the store.
package gateway
