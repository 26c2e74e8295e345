// Package cache keeps an in-memory, incrementally populated mirror of a
// relational backing store. Rows are absorbed into per-type table caches
// as they are fetched, edits are staged against the cached items, and a
// commit flushes the staged changes back to the store in dependency
// order. Items staged for addition carry placeholder identities that are
// resolved to store identities at commit time.
package cache
