package edge

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Schemes the browser can issue but that never go through an HTTP cache.
var nonFetchableSchemes = map[string]struct{}{
	"chrome-extension": {},
	"moz-extension":    {},
	"safari-extension": {},
	"ws":               {},
	"wss":              {},
	"data":             {},
	"blob":             {},
	"about":            {},
}

// Classifier decides which caching discipline applies to a request.
type Classifier struct {
	apiPrefix string
	apiPaths  []string
	staticExt map[string]struct{}
	rules     []Rule
}

func NewClassifier(cfg Config) *Classifier {
	ext := make(map[string]struct{}, len(cfg.Classify.StaticExtensions))
	for _, e := range cfg.Classify.StaticExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		ext[e] = struct{}{}
	}
	return &Classifier{
		apiPrefix: cfg.Classify.APIPrefix,
		apiPaths:  cfg.Classify.APIPaths,
		staticExt: ext,
		rules:     cfg.Rules,
	}
}

// Classify returns KindPassthrough for requests that must not be
// intercepted: non-GET methods, non-fetchable schemes and bypass rules.
// Otherwise API paths win over static extensions, and everything else
// is a page.
func (c *Classifier) Classify(method, rawURL string) ResourceKind {
	if method != http.MethodGet {
		return KindPassthrough
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindPassthrough
	}
	if _, ok := nonFetchableSchemes[strings.ToLower(u.Scheme)]; ok {
		return KindPassthrough
	}

	p := u.Path
	if p == "" {
		p = "/"
	}
	for i := range c.rules {
		if c.rules[i].Bypass && c.rules[i].Matches(p) {
			return KindPassthrough
		}
	}

	if c.isAPI(p) {
		return KindAPI
	}
	if _, ok := c.staticExt[strings.ToLower(path.Ext(p))]; ok {
		return KindStatic
	}
	return KindPage
}

func (c *Classifier) isAPI(p string) bool {
	if c.apiPrefix != "" && strings.HasPrefix(p, c.apiPrefix) {
		return true
	}
	for _, sub := range c.apiPaths {
		if strings.HasPrefix(p, sub) {
			return true
		}
	}
	return false
}
