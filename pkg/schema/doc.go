// Package schema declares the item types the mirror knows about: their
// stored fields, defaults, unique keys, reference and inverse-reference
// recipes, and per-type computed-field and polish hooks. The mirror
// resolves behavior through a Registry keyed by item type instead of
// special-casing field names.
package schema
