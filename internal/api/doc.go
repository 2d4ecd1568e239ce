// Package api exposes the read-only operational status server: a health
// probe, per-vault workflow summaries and the metrics endpoint. It never
// mutates workflow state; the main loop owns all writes.
package api
