// Package lifecycle watches agent heartbeats and exiles agents that go
// quiet past the inactivity threshold.
//
// A sweep releases the stale agent's city back to the open pool, moves
// the agent to a deterministic open-water coordinate, and marks it
// exiled. Exile is terminal: the agent keeps its identity and may still
// heartbeat, but it can never claim territory or move again.
//
// Sweeps are safe to overlap. Every step is either idempotent or a
// conditional write, so two sweeps racing over the same agent produce
// one exile and one no-op.
package lifecycle
