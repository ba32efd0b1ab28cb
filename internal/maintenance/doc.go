// Package maintenance runs the periodic upkeep jobs: backups, event
// archiving, subscription expiry, health probes, block sweeps and index
// maintenance. Jobs run sequentially on cadences that never drift.
package maintenance
