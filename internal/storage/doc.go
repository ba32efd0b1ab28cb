// Package storage is the MongoDB persistence layer.
//
// It owns the collection layout and indexes, and exposes typed accessors
// for the domain records: activity counters, block records, security events,
// subscriptions, club events, health/maintenance logs and the backup
// artifact registry.
package storage
