// Package territory assigns cities to agents with an exclusive-ownership
// guarantee.
//
// # Ownership Model
//
// Every city has at most one owner and every agent holds at most one
// city. The guarantee is enforced by the store, not by locks in this
// package: claims go through a conditional write that only succeeds when
// the city is currently unowned, so concurrent claimers of the same city
// resolve to exactly one winner regardless of how many gateway processes
// are running.
//
// # Claim Paths
//
// There are two ways to obtain a city:
//
//   - ClaimRandom: self-service. A uniformly random open city in the
//     requested country; reserved cities are excluded. Losing the
//     conditional write to a concurrent claimer is recoverable and the
//     allocator retries the next shuffled candidate.
//
//   - ClaimSpecific: administrative. Targets one city by id and may hand
//     out reserved cities. An owned city is a hard failure and leaves no
//     audit trace.
//
// Release returns a city to the open pool and is fully reversible.
// Transfer is Release followed by ClaimSpecific under the same actor.
//
// # Audit
//
// Every successful mutation appends an assignment log entry recording
// the city, agent, actor, reason, and action kind. Rejected attempts are
// never logged.
package territory
