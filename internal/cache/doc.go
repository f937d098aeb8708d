// Package cache provides a bounded in-memory key/value cache with per-entry
// TTL expiry and LRU eviction.
//
// Entries live in a hashmap plus a doubly-linked recency list; the list head
// is the most-recently-used entry and the tail is the eviction candidate.
// Both structures are mutated together under one mutex, so the cache is safe
// for concurrent readers and writers. Get, Set, and Invalidate are O(1);
// InvalidateScope is O(n) in the entry count, which is acceptable because n
// is bounded by MaxSize.
//
// Expiry is lazy: an expired entry is deleted the first time Get touches it,
// and counts as a miss. The clock is injectable for deterministic tests.
package cache
