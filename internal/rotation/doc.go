// Package rotation keeps the outbound identity of fetches fresh: a cached
// pool of user agents invalidated over Redis Pub/Sub, and a least recently
// used proxy pool that retires proxies after repeated failures.
package rotation
