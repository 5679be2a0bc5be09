package listing

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

const (
	// ContactSelector locates the revealed reply address on an ad page.
	ContactSelector = ".reply-email-address > a"
	// GallerySelector locates the full-size gallery images on an ad page.
	GallerySelector = ".gallery.big .slide img"
)

// AdPage is the structured content of a single ad.
type AdPage struct {
	Metadata    crawler.AdMetadata
	ContactHref string
	ImageURLs   []string
}

// ParseAdPage extracts posting metadata, the contact link, and gallery images.
func ParseAdPage(html string) (AdPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return AdPage{}, fmt.Errorf("parse ad page: %w", err)
	}
	page := AdPage{
		Metadata:    adMetadata(doc),
		ContactHref: strings.TrimSpace(doc.Find(ContactSelector).First().AttrOr("href", "")),
		ImageURLs:   srcs(doc.Find(GallerySelector)),
	}
	return page, nil
}

// ParseAdMetadata extracts only the posting metadata.
func ParseAdMetadata(html string) (crawler.AdMetadata, error) {
	page, err := ParseAdPage(html)
	if err != nil {
		return crawler.AdMetadata{}, err
	}
	return page.Metadata, nil
}

func adMetadata(doc *goquery.Document) crawler.AdMetadata {
	md := crawler.AdMetadata{
		PostedAt:      doc.Find(".postinginfo.reveal").First().AttrOr("datetime", ""),
		Title:         strings.TrimSpace(doc.Find("title").First().Text()),
		OGTitle:       metaContent(doc, `meta[property="og:title"]`),
		OGDescription: metaContent(doc, `meta[property="og:description"]`),
		OGImage:       metaContent(doc, `meta[property="og:image"]`),
		GeoPosition:   metaContent(doc, `meta[name="geo.position"]`),
		GeoPlacename:  metaContent(doc, `meta[name="geo.placename"]`),
		GeoRegion:     metaContent(doc, `meta[name="geo.region"]`),
	}
	doc.Find("p.postinginfo.reveal").Each(func(_ int, p *goquery.Selection) {
		name, _, _ := strings.Cut(p.Text(), ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if md.FriendlyDatetimes == nil {
			md.FriendlyDatetimes = make(map[string]string)
		}
		md.FriendlyDatetimes[name] = strings.TrimSpace(p.Find("time.date.timeago").Text())
	})
	return md
}

func metaContent(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().AttrOr("content", ""))
}
