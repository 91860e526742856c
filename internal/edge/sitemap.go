package edge

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverPages walks the configured sitemaps, following nested sitemap
// indexes, and returns the page paths they list in order of appearance.
func (e *Engine) discoverPages(ctx context.Context) ([]string, error) {
	queue := make([]string, 0, len(e.cfg.Precache.Sitemaps))
	for _, sm := range e.cfg.Precache.Sitemaps {
		if p := pathFromLoc(sm); p != "" {
			queue = append(queue, p)
		}
	}

	visited := map[string]struct{}{}
	seen := map[string]struct{}{}
	var pages []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		sm := queue[0]
		queue = queue[1:]
		if _, ok := visited[sm]; ok {
			continue
		}
		visited[sm] = struct{}{}

		doc, err := e.fetchSitemap(ctx, sm)
		if err != nil {
			return pages, fmt.Errorf("sitemap %q: %w", sm, err)
		}
		for _, nested := range doc.Sitemaps {
			if p := pathFromLoc(nested); p != "" {
				queue = append(queue, p)
			}
		}
		for _, loc := range doc.URLs {
			p := pathFromLoc(loc)
			if p == "" {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			pages = append(pages, p)
		}
		e.logger.Debug("sitemap read",
			zap.String("sitemap", sm),
			zap.Int("urls", len(doc.URLs)),
			zap.Int("nested", len(doc.Sitemaps)),
		)
	}
	return pages, nil
}

func (e *Engine) fetchSitemap(ctx context.Context, uri string) (sitemapDoc, error) {
	ent, err := e.fetcher.Fetch(ctx, Request{Method: http.MethodGet, URI: uri})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !isSuccess(ent.Status) {
		snippet := ent.Body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(snippet)))
	}

	body := ent.Body
	// .gz sitemaps, or a gzip body the transport did not decode.
	if strings.HasSuffix(strings.ToLower(uri), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// pathFromLoc reduces a sitemap <loc> to a root-relative request URI.
// Absolute URLs keep only their path and query.
func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			u.Path = "/"
		}
		return u.RequestURI()
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
