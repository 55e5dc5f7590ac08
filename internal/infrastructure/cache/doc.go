// Package cache provides the key/value backends behind the device state
// store.
//
// Two implementations of Store exist:
//
//   - RedisStore, for production deployments sharing one cache between
//     processes. Deadlines map to PEXPIREAT/PERSIST and list updates run in a
//     MULTI block.
//   - SQLiteStore, for single-node deployments and tests. Keys and deadlines
//     live in the cache_keys/cache_fields tables created by the embedded
//     migrations; expired keys are hidden on read and deleted by the janitor.
//
// Both backends give the same answers for the same sequence of calls, which
// the shared test suite checks.
package cache
