package archive

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	indexFile = "index.htm"
	pageFile  = "page.htm"
	htmlType  = "text/html; charset=utf-8"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
<p><a href="{{.SourceURL}}">original listing</a> archived {{.ArchivedAt}}</p>
{{- if .PostedAt}}
<p>posted {{.PostedAt}}</p>
{{- end}}
{{- if .Place}}
<p>{{.Place}}</p>
{{- end}}
{{- if .Contact}}
<p><a href="{{.Contact}}">contact</a></p>
{{- end}}
<p><a href="` + pageFile + `">archived page</a></p>
{{- range .Images}}
<a href="{{.}}"><img src="{{.}}" alt=""></a>
{{- end}}
</body>
</html>
`))

type indexView struct {
	Title      string
	SourceURL  string
	ArchivedAt string
	PostedAt   string
	Place      string
	Contact    string
	Images     []string
}

// persist writes the listing's images, its rewritten page, and the composed
// index document. It returns the index document's location. Nothing is
// indexed by the caller unless every write succeeded.
func (p *Pipeline) persist(ctx context.Context, rec pending, archivedAt time.Time) (string, error) {
	dir := path.Join(p.cfg.Prefix, rec.ListingPID)
	names, err := p.persistImages(ctx, dir, rec.ImageURLs)
	if err != nil {
		return "", err
	}

	page, err := rewriteImages(rec.HTML, names)
	if err != nil {
		return "", err
	}
	if _, err := p.blobs.PutObject(ctx, path.Join(dir, pageFile), htmlType, strings.NewReader(page)); err != nil {
		return "", fmt.Errorf("store page %s: %w", rec.ListingPID, err)
	}

	view := indexView{
		Title:      firstNonEmpty(rec.Metadata.Title, rec.Metadata.OGTitle, rec.ListingPID),
		SourceURL:  rec.URL,
		ArchivedAt: archivedAt.UTC().Format(time.RFC3339),
		PostedAt:   rec.Metadata.PostedAt,
		Place:      rec.Metadata.GeoPlacename,
		Contact:    rec.ContactHref,
	}
	for _, src := range rec.ImageURLs {
		if name, ok := names[src]; ok {
			view.Images = append(view.Images, name)
		}
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render index %s: %w", rec.ListingPID, err)
	}
	uri, err := p.blobs.PutObject(ctx, path.Join(dir, indexFile), htmlType, &buf)
	if err != nil {
		return "", fmt.Errorf("store index %s: %w", rec.ListingPID, err)
	}
	return uri, nil
}

// persistImages downloads and stores every gallery image concurrently. An
// image that cannot be downloaded is left pointing at its origin; a failed
// store write fails the whole archive.
func (p *Pipeline) persistImages(ctx context.Context, dir string, sources []string) (map[string]string, error) {
	stored := make([]string, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ImageParallel)
	for i, src := range sources {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, p.cfg.ImageTimeout)
			body, contentType, err := p.images.Download(dctx, src)
			cancel()
			if err != nil {
				p.logger.Warn("image download failed", zap.String("url", src), zap.Error(err))
				return nil
			}
			name := fmt.Sprintf("%d%s", i, imageExt(src, contentType))
			if _, err := p.blobs.PutObject(gctx, path.Join(dir, name), contentType, bytes.NewReader(body)); err != nil {
				return fmt.Errorf("store image %s: %w", name, err)
			}
			stored[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	names := make(map[string]string, len(sources))
	for i, src := range sources {
		if stored[i] != "" {
			names[src] = stored[i]
		}
	}
	return names, nil
}

// rewriteImages points every stored image reference at its archived copy.
func rewriteImages(html string, names map[string]string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		if name, ok := names[strings.TrimSpace(img.AttrOr("src", ""))]; ok {
			img.SetAttr("src", name)
			img.RemoveAttr("srcset")
		}
	})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if name, ok := names[strings.TrimSpace(a.AttrOr("href", ""))]; ok {
			a.SetAttr("href", name)
		}
	})
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render page: %w", err)
	}
	return out, nil
}

func imageExt(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	return ".img"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
