// Package testutil contains helpers for testing the router.
//
// # Stability
//
// This package is intended for tests within this module. It is not
// considered a stable public API.
//
// It provides typed accessors for txtar fixtures, a scripted upstream
// provider server and a reader which reassembles Messages event streams.
package testutil
