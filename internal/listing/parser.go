package listing

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
	idgen "github.com/JakeFAU/listing-archiver/internal/id/uuid"
)

const (
	itemSelector = "li[data-pid]"
	metaSep      = "·"
)

// ParseListings extracts every listing item from a search-result page.
func ParseListings(targetID, html string, now time.Time) (crawler.ListingSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawler.ListingSnapshot{}, fmt.Errorf("parse listings: %w", err)
	}
	snap := crawler.ListingSnapshot{
		TargetID:  targetID,
		Listings:  make(map[string]crawler.ListingRecord),
		UpdatedAt: now,
	}
	doc.Find(itemSelector).Each(func(_ int, item *goquery.Selection) {
		rec, ok := parseItem(item, now)
		if !ok {
			return
		}
		snap.Listings[rec.ListingID] = rec
	})
	return snap, nil
}

func parseItem(item *goquery.Selection, now time.Time) (crawler.ListingRecord, bool) {
	anchor := item.Find("a[href]").First()
	href, _ := anchor.Attr("href")
	href = strings.TrimSpace(href)

	id := strings.TrimSpace(item.AttrOr("data-pid", ""))
	if id == "" {
		if href == "" {
			return crawler.ListingRecord{}, false
		}
		id = idgen.TargetID(href)
	}

	rec := crawler.ListingRecord{
		ListingID: id,
		Href:      href,
		Title:     itemTitle(item, anchor),
		ImageURLs: imageURLs(item),
	}
	if meta := collapse(item.Find(".meta").First().Text()); meta != "" {
		for _, field := range strings.Split(meta, metaSep) {
			if field = strings.TrimSpace(field); field != "" {
				rec.MetaFields = append(rec.MetaFields, field)
			}
		}
	}
	if len(rec.MetaFields) > 0 {
		if ts, ok := EstimatePostedAt(rec.MetaFields[0], now); ok {
			rec.EstimatedPostedAt = &ts
		}
	}
	return rec, true
}

func itemTitle(item, anchor *goquery.Selection) string {
	if t := collapse(item.Find(".posting-title .label").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(item.AttrOr("title", "")); t != "" {
		return t
	}
	return collapse(anchor.Text())
}

func imageURLs(sel *goquery.Selection) []string {
	return srcs(sel.Find("img"))
}

// srcs returns the de-duplicated src attributes of imgs in document order.
func srcs(imgs *goquery.Selection) []string {
	var out []string
	seen := make(map[string]struct{})
	imgs.Each(func(_ int, img *goquery.Selection) {
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" {
			return
		}
		if _, ok := seen[src]; ok {
			return
		}
		seen[src] = struct{}{}
		out = append(out, src)
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
