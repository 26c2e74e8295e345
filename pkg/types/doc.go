// Package types defines the shared vocabulary of the dbmirror system:
// field maps, item statuses, sentinel and validation errors, the
// Backstore interface consumed by the in-memory mirror, and the Config
// that opens one.
package types
