// Package health probes the services clubkeeper depends on: the messaging
// API, the Mongo store, the OGS ranking API, and the data itself. A probe
// run produces a persisted report and an alert when anything is off.
package health
