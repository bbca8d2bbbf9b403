// Package persistence provides license.Persistence backends.
//
// MemoryStore keeps state in process. FileStore writes one JSON document
// atomically. BoltStore uses an embedded bbolt database. RedisStore shares
// state between instances through Redis. Open selects one from
// config.StorageConfig.
package persistence
