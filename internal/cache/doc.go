// Package cache defines the named cache storage used by the synchronizer.
// A Storage holds any number of named caches; each Cache maps a request
// identity (method + URL) to one stored response (status, headers, body).
// Later writes to the same identity overwrite earlier ones and Keys reports
// identities in insertion order, so callers can diff a cache against a
// manifest without caring which driver backs it. The fs driver keeps
// StoragePath/<cache>/<digest>.body|.meta files written via temp file +
// rename, the sqlite driver keeps everything in a single database file, and
// the memory driver serves tests and ephemeral deployments.
package cache
