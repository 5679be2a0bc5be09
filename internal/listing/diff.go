package listing

import "github.com/JakeFAU/listing-archiver/internal/crawler"

// Diff returns the listings in cur whose ids are absent from prev.
func Diff(prev, cur crawler.ListingSnapshot) crawler.ListingDiff {
	out := crawler.ListingDiff{
		TargetID: cur.TargetID,
		Listings: make(map[string]crawler.ListingRecord),
	}
	for id, rec := range cur.Listings {
		if _, seen := prev.Listings[id]; !seen {
			out.Listings[id] = rec
		}
	}
	return out
}

// Merge returns prev ∪ cur as the new baseline. Records in cur replace those in
// prev, keeping enrichment the new crawl did not recompute.
func Merge(prev, cur crawler.ListingSnapshot) crawler.ListingSnapshot {
	out := crawler.ListingSnapshot{
		TargetID:  cur.TargetID,
		Listings:  make(map[string]crawler.ListingRecord, len(prev.Listings)+len(cur.Listings)),
		UpdatedAt: cur.UpdatedAt,
	}
	if out.TargetID == "" {
		out.TargetID = prev.TargetID
	}
	for id, rec := range prev.Listings {
		out.Listings[id] = rec
	}
	for id, rec := range cur.Listings {
		if old, ok := prev.Listings[id]; ok {
			if rec.CommentSummary == nil {
				rec.CommentSummary = old.CommentSummary
			}
			rec.Archived = rec.Archived || old.Archived
		}
		out.Listings[id] = rec
	}
	return out
}
