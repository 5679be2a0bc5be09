// Package scheduler runs browser-automation jobs for clients. It guarantees
// at most one in-flight crawl per target through store leases, caps the
// number of concurrent batches per client, parks excess work in per-client
// queues, and owns the periodic re-crawl registry for watched targets.
package scheduler
