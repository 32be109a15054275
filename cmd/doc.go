// Package cmd defines the gridfetch command line.
//
// Overview:
//   - run: parses the job list, fans the jobs out over a bounded worker pool,
//     appends each job's records to the run's zip archive and writes the TSV
//     ledger. --mode current fetches live data once; --mode by-date runs once
//     per hour boundary of [--from, --to] with that boundary as the target.
//   - validate-jobs: parses the job list and reports which jobs have a
//     registered source, without fetching anything.
//
// Configuration comes from an optional file (--config), GRIDFETCH_* variables
// and a .env file. After the ledger is written a run optionally uploads its
// artifacts to GCS, stores the ledger rows in Postgres, publishes a Pub/Sub
// notification and pushes metrics to a Pushgateway. Those deliveries never
// fail a run; the exit status is non-zero only for run-level failures.
package cmd
