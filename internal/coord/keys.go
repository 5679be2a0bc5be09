package coord

import "strings"

// Keys builds the logical key schema under a deployment prefix.
type Keys struct {
	Prefix string
}

// NewKeys returns a key builder for prefix.
func NewKeys(prefix string) Keys {
	return Keys{Prefix: strings.TrimSuffix(prefix, ":")}
}

func (k Keys) join(parts ...string) string {
	if k.Prefix != "" {
		parts = append([]string{k.Prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

// Lease is the per-target crawl lease.
func (k Keys) Lease(targetID string) string { return k.join("lease", targetID) }

// Queue is the per-client pending map of targetID to queue entry.
func (k Keys) Queue(clientID string) string { return k.join("queue", clientID) }

// Crawlers is the sorted set of active worker counts per client.
func (k Keys) Crawlers() string { return k.join("crawlers") }

// ClientConfig is the hash of per-client settings such as crawler limits.
func (k Keys) ClientConfig() string { return k.join("client-config") }

// Snapshot caches the merged listing snapshot of a search target.
func (k Keys) Snapshot(targetID string) string { return k.join("snapshot", targetID) }

// Diff caches the last non-empty delta of a search target.
func (k Keys) Diff(targetID string) string { return k.join("diff", targetID) }

// Sessions is the set of client sessions subscribed to a target.
func (k Keys) Sessions(targetID string) string { return k.join("sessions", targetID) }

// Schedules marks targets with an active periodic re-crawl.
func (k Keys) Schedules() string { return k.join("schedules") }

// Archives is the fast-access archive tier keyed by listing pid.
func (k Keys) Archives() string { return k.join("archives") }

// ArchivesOlder is the slower archive tier.
func (k Keys) ArchivesOlder() string { return k.join("archives-older") }

// RecentListings is the bounded list of recently archived entries.
func (k Keys) RecentListings() string { return k.join("recent_listings") }

// RecentlyCommented is the set of listing ids with fresh discussion activity.
func (k Keys) RecentlyCommented() string { return k.join("recently-commented") }

// ArchivePending holds in-progress archives waiting on interactive resolution.
func (k Keys) ArchivePending() string { return k.join("archive-pending") }

// VncAlloc is the hash of clientID to allocation.
func (k Keys) VncAlloc() string { return k.join("vnc", "alloc") }

// VncLease bounds one client's allocation with a TTL.
func (k Keys) VncLease(clientID string) string { return k.join("vnc", "lease", clientID) }

// VncUsed is the sorted set of reserved values for one dimension.
func (k Keys) VncUsed(dimension string) string { return k.join("vnc", "used", dimension) }

// VncLock serializes allocation across processes.
func (k Keys) VncLock() string { return k.join("vnc", "lock") }
