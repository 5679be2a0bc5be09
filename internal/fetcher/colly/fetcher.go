// Package collyfetcher downloads archive assets using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps a single asset; zero keeps colly's default.
	MaxBodySize int
}

// Downloader implements crawler.ImageDownloader using the Colly collector.
type Downloader struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type download struct {
	body        []byte
	contentType string
	status      int
}

// New builds a Downloader.
func New(cfg Config) *Downloader {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Downloader{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Download fetches url and returns its body and content type.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	var (
		result   download
		fetchErr error
	)
	collector := d.buildCollector(&result, &fetchErr)
	if err := d.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return nil, "", err
	}
	if result.status >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download %s: status %d", url, result.status)
	}
	contentType := result.contentType
	if contentType == "" {
		contentType = http.DetectContentType(result.body)
	}
	return result.body, contentType, nil
}

func (d *Downloader) buildCollector(result *download, fetchErr *error) *colly.Collector {
	collector := d.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if d.cfg.UserAgent != "" {
		collector.UserAgent = d.cfg.UserAgent
	}
	if d.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = d.cfg.MaxBodySize
	}
	timeout := d.cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	if d.transport != nil {
		collector.WithTransport(d.transport)
	}
	d.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (d *Downloader) configureCollectorHooks(hooks collectorHooks, result *download, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		*result = download{
			body:        append([]byte(nil), r.Body...),
			contentType: contentType,
			status:      r.StatusCode,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (d *Downloader) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly download canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
