// Package crawler defines the domain types and collaborator interfaces shared
// by the scheduler, the listing diff engine, the interactive resolution
// allocator, and the archive pipeline.
package crawler
