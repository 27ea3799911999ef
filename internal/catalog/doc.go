// Package catalog loads the city catalog from TOML and seeds the store.
// Imports are idempotent: existing cities keep their ownership and
// reserved flags across reloads.
package catalog
