// Package ratelimit provides a keyed fixed-window rate limiter used to
// gate write-path API operations per agent or client address.
package ratelimit
