// Package store defines interfaces for persisting run history of tracked
// sessions. Implementations live under internal/storage; this package must not
// import database drivers or concrete clients.
package store
