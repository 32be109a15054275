// Package collector defines the core types shared by the batch collection
// pipeline: jobs, runs, records, categories and the interfaces each stage
// (fetch, archive, raw persistence, ledger sinks) is wired through.
package collector
