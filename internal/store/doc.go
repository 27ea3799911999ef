// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - City: Claimable territory with country metadata, coordinates, a
//     reserved flag, and an optional owner reference
//   - Agent: Registered identity with a territory state, current
//     position, and heartbeat timestamp
//   - AssignmentLogEntry: Append-only audit record of ownership changes
//   - AdminSession: Server-side record of issued admin tokens
//
// # Territory State
//
// Agents move between three states:
//
//   - unassigned: no city held
//   - holding: exactly one city held
//   - exiled: terminal; the agent's position is pinned and city
//     operations reject it
//
// The exiled state is one way. MarkAgentExiled and ConditionalAssignCity
// are conditional writes that report whether the caller won the
// transition, which is how concurrent sweeps and claims stay correct
// without locks above the store.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC 3339 UTC text.
//
// # Testing
//
// Use NewMockStore() for unit tests; it implements the full Store
// interface in memory with the same conditional-write semantics.
package store
