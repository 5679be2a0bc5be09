package listing

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

var fixedNow = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

func searchPage(ids ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ol>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<li data-pid="%s" title="Item %s">
  <a href="https://example.org/d/item/%s.html"><img src="https://images.example.org/%s_1.jpg"><img src="https://images.example.org/%s_1.jpg"></a>
  <div class="meta">2h ago<span class="separator">·</span>Springfield<span class="separator">·</span>$40</div>
</li>`, id, id, id, id, id)
	}
	b.WriteString("</ol></body></html>")
	return b.String()
}

func TestParseListings(t *testing.T) {
	t.Parallel()

	snap, err := ParseListings("t1", searchPage("L1", "L2"), fixedNow)
	require.NoError(t, err)
	require.Equal(t, "t1", snap.TargetID)
	require.Len(t, snap.Listings, 2)

	rec := snap.Listings["L1"]
	require.Equal(t, "https://example.org/d/item/L1.html", rec.Href)
	require.Equal(t, "Item L1", rec.Title)
	require.Equal(t, []string{"https://images.example.org/L1_1.jpg"}, rec.ImageURLs)
	require.Equal(t, []string{"2h ago", "Springfield", "$40"}, rec.MetaFields)
	require.NotNil(t, rec.EstimatedPostedAt)
	require.Equal(t, fixedNow.Add(-2*time.Hour), *rec.EstimatedPostedAt)
}

func TestParseListingsFallbacks(t *testing.T) {
	t.Parallel()

	html := `<ul>
<li data-pid=""><a href="https://example.org/x.html">  Bike   for sale </a><div class="meta">yesterday</div></li>
<li data-pid="">no link</li>
<li data-pid="9"><div class="posting-title"><span class="label">Labelled</span></div></li>
</ul>`
	snap, err := ParseListings("t", html, fixedNow)
	require.NoError(t, err)
	require.Len(t, snap.Listings, 2)

	require.Equal(t, "Labelled", snap.Listings["9"].Title)
	for id, rec := range snap.Listings {
		if id == "9" {
			continue
		}
		require.Len(t, id, 36, "derived ids are uuids")
		require.Equal(t, "Bike for sale", rec.Title)
		require.Nil(t, rec.EstimatedPostedAt)
	}
}

func TestEstimatePostedAt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"3 h ago", fixedNow.Add(-3 * time.Hour), true},
		{"3h ago", fixedNow.Add(-3 * time.Hour), true},
		{"45 mins ago", fixedNow.Add(-45 * time.Minute), true},
		{"12/25", time.Date(2024, time.December, 25, 0, 0, 0, 0, time.UTC), true},
		{"13/01", time.Time{}, false},
		{"yesterday", time.Time{}, false},
		{"", time.Time{}, false},
		{"3 hours ago", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := EstimatePostedAt(tt.in, fixedNow)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDiffIdempotent(t *testing.T) {
	t.Parallel()

	snap, err := ParseListings("t1", searchPage("A", "B"), fixedNow)
	require.NoError(t, err)
	require.True(t, Diff(snap, snap).Empty())
}

func TestDiffYieldsOnlyNew(t *testing.T) {
	t.Parallel()

	prev, err := ParseListings("t1", searchPage("A", "B"), fixedNow)
	require.NoError(t, err)
	cur, err := ParseListings("t1", searchPage("A", "B", "C"), fixedNow)
	require.NoError(t, err)

	diff := Diff(prev, cur)
	require.Equal(t, "t1", diff.TargetID)
	require.Len(t, diff.Listings, 1)
	require.Contains(t, diff.Listings, "C")
}

func TestMergeKeepsEnrichment(t *testing.T) {
	t.Parallel()

	prev := crawler.ListingSnapshot{
		TargetID: "t1",
		Listings: map[string]crawler.ListingRecord{
			"A": {ListingID: "A", Archived: true, CommentSummary: &crawler.CommentSummary{TotalCount: 2}},
			"B": {ListingID: "B"},
		},
	}
	cur := crawler.ListingSnapshot{
		TargetID:  "t1",
		UpdatedAt: fixedNow,
		Listings: map[string]crawler.ListingRecord{
			"A": {ListingID: "A", Title: "new title"},
			"C": {ListingID: "C"},
		},
	}
	merged := Merge(prev, cur)
	require.Len(t, merged.Listings, 3)
	require.Equal(t, fixedNow, merged.UpdatedAt)
	a := merged.Listings["A"]
	require.Equal(t, "new title", a.Title)
	require.True(t, a.Archived)
	require.Equal(t, 2, a.CommentSummary.TotalCount)
}

func TestParseAdPage(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Road bike - $200</title>
<meta property="og:title" content="Road bike">
<meta property="og:description" content="Lightly used">
<meta property="og:image" content="https://images.example.org/a.jpg">
<meta name="geo.position" content="39.78;-89.65">
<meta name="geo.placename" content="Springfield">
<meta name="geo.region" content="US-IL">
</head><body>
<p class="postinginfo reveal" datetime="2024-03-09T10:00:00-0600">posted: <time class="date timeago">1 day ago</time></p>
<p class="postinginfo reveal">updated: <time class="date timeago">2 hours ago</time></p>
<div class="gallery big"><div class="slide"><img src="https://images.example.org/1.jpg"></div><div class="slide"><img src="https://images.example.org/2.jpg"></div><div class="slide"><img src="https://images.example.org/1.jpg"></div></div>
<div class="reply-email-address"><a href="mailto:abc@example.org">abc@example.org</a></div>
</body></html>`
	page, err := ParseAdPage(html)
	require.NoError(t, err)
	require.Equal(t, "mailto:abc@example.org", page.ContactHref)
	require.Equal(t, []string{"https://images.example.org/1.jpg", "https://images.example.org/2.jpg"}, page.ImageURLs)

	md := page.Metadata
	require.Equal(t, "2024-03-09T10:00:00-0600", md.PostedAt)
	require.Equal(t, "Road bike - $200", md.Title)
	require.Equal(t, "Road bike", md.OGTitle)
	require.Equal(t, "Lightly used", md.OGDescription)
	require.Equal(t, "https://images.example.org/a.jpg", md.OGImage)
	require.Equal(t, "39.78;-89.65", md.GeoPosition)
	require.Equal(t, "Springfield", md.GeoPlacename)
	require.Equal(t, "US-IL", md.GeoRegion)
	require.Equal(t, map[string]string{"posted": "1 day ago", "updated": "2 hours ago"}, md.FriendlyDatetimes)

	bare, err := ParseAdMetadata("<html></html>")
	require.NoError(t, err)
	require.Empty(t, bare.Title)
	require.Nil(t, bare.FriendlyDatetimes)
}

func TestFresh(t *testing.T) {
	t.Parallel()

	snap := crawler.ListingSnapshot{UpdatedAt: fixedNow.Add(-time.Hour)}
	require.True(t, Fresh(snap, fixedNow, 0))
	require.True(t, Fresh(snap, fixedNow, 2*time.Hour))
	require.False(t, Fresh(snap, fixedNow, time.Minute))
}
