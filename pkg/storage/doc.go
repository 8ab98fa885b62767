// Package storage persists network, value and metadata caches as
// append-only JSONL logs keyed by the controller home id.
package storage
