package edge

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://o
rules:
  - match: PathPrefix(/admin)
    bypass: true
`))
	require.NoError(t, err)
	c := NewClassifier(cfg)

	tests := []struct {
		method string
		url    string
		want   ResourceKind
	}{
		{http.MethodGet, "/api/medicines/?q=doliprane", KindAPI},
		{http.MethodGet, "/medicines/popular/", KindAPI},
		{http.MethodGet, "/pharmacies/12/", KindAPI},
		{http.MethodGet, "/api/static/logo.png", KindAPI},
		{http.MethodGet, "/static/js/main.4f2c.js", KindStatic},
		{http.MethodGet, "/logo192.PNG", KindStatic},
		{http.MethodGet, "/fonts/inter.woff2", KindStatic},
		{http.MethodGet, "/", KindPage},
		{http.MethodGet, "/search?medicine=amoxicillin", KindPage},
		{http.MethodGet, "/manifest.json", KindPage},
		{http.MethodPost, "/api/reservations/", KindPassthrough},
		{http.MethodDelete, "/api/medicines/3/", KindPassthrough},
		{http.MethodGet, "chrome-extension://abcdef/content.js", KindPassthrough},
		{http.MethodGet, "wss://host/socket", KindPassthrough},
		{http.MethodGet, "data:text/plain,hi", KindPassthrough},
		{http.MethodGet, "/admin/login/", KindPassthrough},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.method, tt.url))
		})
	}
}

func TestPartitionsNames(t *testing.T) {
	p := NewPartitions("findpharma", 3)
	assert.Equal(t, "findpharma-static-v3", p.Static)
	assert.Equal(t, "findpharma-dynamic-v3", p.Dynamic)
	assert.Equal(t, "findpharma-api-v3", p.API)
	assert.True(t, p.IsLive("findpharma-api-v3"))
	assert.False(t, p.IsLive("findpharma-api-v2"))
	assert.Equal(t, p.API, p.For(KindAPI))
	assert.Equal(t, p.Static, p.For(KindStatic))
	assert.Equal(t, p.Dynamic, p.For(KindPage))
}
