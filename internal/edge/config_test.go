package edge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.test/\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://origin.test", cfg.Server.Origin)
	assert.Equal(t, "findpharma", cfg.Cache.Namespace)
	assert.Equal(t, 1, cfg.Cache.Version)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout())
	assert.Equal(t, "tiered", cfg.Storage.Backend)
	assert.Equal(t, "leveldb", cfg.Storage.Tier)
	assert.Equal(t, int64(64<<20), cfg.Storage.ramMax)
	assert.Equal(t, int64(1<<30), cfg.Storage.diskMax)
	assert.Equal(t, "/api/", cfg.Classify.APIPrefix)
	assert.Contains(t, cfg.Classify.APIPaths, "/medicines/popular/")
	assert.Contains(t, cfg.Precache.Manifest, "/offline.html")
	assert.True(t, *cfg.Precache.SkipWaiting)
	assert.Equal(t, "sync-reservations", cfg.Sync.Tag)
	assert.Equal(t, "/api/reservations/", cfg.Sync.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval())
	assert.Equal(t, []int{200, 100, 200}, cfg.Push.Vibrate)
	assert.Zero(t, cfg.StatsEvery())
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FINDPHARMA_ORIGIN", "http://backend:8000")
	t.Setenv("FINDPHARMA_PORT", "9090")
	t.Setenv("FINDPHARMA_ADMIN_TOKEN", "tok")

	cfg, err := ParseConfig([]byte("server:\n  origin: http://ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://backend:8000", cfg.Server.Origin)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "tok", cfg.Server.AdminToken)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := map[string]string{
		"missing origin":  "server:\n  port: 1\n",
		"bad backend":     "server:\n  origin: http://o\nstorage:\n  backend: s3\n",
		"bad tier":        "server:\n  origin: http://o\nstorage:\n  backend: tiered\n  tier: memory\n",
		"bad size":        "server:\n  origin: http://o\nstorage:\n  ram:\n    max: lots\n",
		"bad duration":    "server:\n  origin: http://o\ncache:\n  fetchTimeout: soon\n",
		"bad match":       "server:\n  origin: http://o\nrules:\n  - match: Host(x)\n",
		"relative prefix": "server:\n  origin: http://o\nrules:\n  - match: PathPrefix(admin)\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_RulesByPriority(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://o
rules:
  - match: PathPrefix(/)
    priority: 100
    expiration: 1m
  - match: PathPrefix(/admin)|PathPrefix(/api/auth/)
    priority: 1
    bypass: true
`))
	require.NoError(t, err)

	r := cfg.pickRule("/api/auth/login")
	require.NotNil(t, r)
	assert.True(t, r.Bypass)

	r = cfg.pickRule("/search")
	require.NotNil(t, r)
	assert.False(t, r.Bypass)
	assert.Equal(t, time.Minute, r.expDur)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64kb", 64 << 10},
		{"1.5m", 3 << 19},
		{"2GB", 2 << 30},
		{" 10 mb ", 10 << 20},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "b", "-1kb", "tenmb"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "2mb", formatBytes(2<<20))
	assert.Equal(t, "1gb", formatBytes(1<<30))
}
