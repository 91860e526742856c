package edge

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port       int    `yaml:"port"`
		Origin     string `yaml:"origin"`
		AdminToken string `yaml:"adminToken"`
	} `yaml:"server"`

	Cache struct {
		Namespace       string `yaml:"namespace"`
		Version         int    `yaml:"version"`
		RevalidateAfter string `yaml:"revalidateAfter"`
		FetchTimeout    string `yaml:"fetchTimeout"`
		MaxBackground   int    `yaml:"maxBackground"`

		// CredentialCookies name the cookies that identify a user. Requests
		// carrying one of them, or an Authorization header, get cache
		// entries of their own.
		CredentialCookies []string `yaml:"credentialCookies"`

		revalidateAfterDur time.Duration
		fetchTimeoutDur    time.Duration
	} `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend"` // memory | leveldb | redis | tiered
		Tier    string `yaml:"tier"`    // persistent tier behind RAM when backend is tiered
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max  string `yaml:"max"`
			Path string `yaml:"path"`
		} `yaml:"disk"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`

		ramMax  int64
		diskMax int64
	} `yaml:"storage"`

	Classify struct {
		APIPrefix        string   `yaml:"apiPrefix"`
		APIPaths         []string `yaml:"apiPaths"`
		StaticExtensions []string `yaml:"staticExtensions"`
	} `yaml:"classify"`

	Precache struct {
		Manifest    []string `yaml:"manifest"`
		OfflinePage string   `yaml:"offlinePage"`
		Sitemaps    []string `yaml:"sitemaps"`
		Parallelism int      `yaml:"parallelism"`
		SkipWaiting *bool    `yaml:"skipWaiting"`
	} `yaml:"precache"`

	Geo struct {
		AugmentPaths []string `yaml:"augmentPaths"`
	} `yaml:"geo"`

	Sync struct {
		Enabled       bool    `yaml:"enabled"`
		Tag           string  `yaml:"tag"`
		Endpoint      string  `yaml:"endpoint"`
		QueuePath     string  `yaml:"queuePath"`
		Interval      string  `yaml:"interval"`
		RatePerSecond float64 `yaml:"ratePerSecond"`
		Burst         int     `yaml:"burst"`

		intervalDur time.Duration
	} `yaml:"sync"`

	Push struct {
		AppName string `yaml:"appName"`
		Icon    string `yaml:"icon"`
		Badge   string `yaml:"badge"`
		Vibrate []int  `yaml:"vibrate"`
	} `yaml:"push"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

// Rule removes matching paths from interception. Expiration, when set,
// is the minimum age of a cached page before stale-while-revalidate asks
// the origin again.
type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`
	Expiration        string   `yaml:"expiration"`

	matchers []pathPrefixMatcher
	expDur   time.Duration
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

var (
	defaultManifest = []string{
		"/",
		"/index.html",
		"/manifest.json",
		"/favicon.ico",
		"/logo192.png",
		"/logo512.png",
		"/offline.html",
	}
	defaultAPIPaths = []string{
		"/medicines/",
		"/pharmacies/",
		"/medicines/categories/",
		"/medicines/popular/",
	}
	defaultStaticExtensions = []string{
		".js", ".mjs", ".css",
		".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
		".woff", ".woff2", ".ttf", ".eot", ".otf",
	}
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies environment overrides and defaults,
// and compiles durations, sizes and rules.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("FINDPHARMA_ORIGIN"); v != "" {
		cfg.Server.Origin = v
	}
	if v := os.Getenv("FINDPHARMA_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("FINDPHARMA_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("FINDPHARMA_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = "findpharma"
	}
	if cfg.Cache.Version <= 0 {
		cfg.Cache.Version = 1
	}
	if cfg.Cache.MaxBackground <= 0 {
		cfg.Cache.MaxBackground = 32
	}
	if cfg.Cache.CredentialCookies == nil {
		cfg.Cache.CredentialCookies = []string{"sessionid"}
	}
	var err error
	if cfg.Cache.revalidateAfterDur, err = parseOptionalDuration(cfg.Cache.RevalidateAfter, 0); err != nil {
		return fmt.Errorf("cache.revalidateAfter: %w", err)
	}
	if cfg.Cache.fetchTimeoutDur, err = parseOptionalDuration(cfg.Cache.FetchTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("cache.fetchTimeout: %w", err)
	}

	if err := cfg.finalizeStorage(); err != nil {
		return err
	}

	if cfg.Classify.APIPrefix == "" {
		cfg.Classify.APIPrefix = "/api/"
	}
	if cfg.Classify.APIPaths == nil {
		cfg.Classify.APIPaths = defaultAPIPaths
	}
	if len(cfg.Classify.StaticExtensions) == 0 {
		cfg.Classify.StaticExtensions = defaultStaticExtensions
	}

	if cfg.Precache.Manifest == nil {
		cfg.Precache.Manifest = defaultManifest
	}
	if cfg.Precache.OfflinePage == "" {
		cfg.Precache.OfflinePage = "/offline.html"
	}
	if cfg.Precache.Parallelism <= 0 {
		cfg.Precache.Parallelism = 4
	}
	if cfg.Precache.SkipWaiting == nil {
		skip := true
		cfg.Precache.SkipWaiting = &skip
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "sync-reservations"
	}
	if cfg.Sync.Endpoint == "" {
		cfg.Sync.Endpoint = "/api/reservations/"
	}
	if cfg.Sync.RatePerSecond <= 0 {
		cfg.Sync.RatePerSecond = 2
	}
	if cfg.Sync.Burst <= 0 {
		cfg.Sync.Burst = 1
	}
	if cfg.Sync.intervalDur, err = parseOptionalDuration(cfg.Sync.Interval, 30*time.Second); err != nil {
		return fmt.Errorf("sync.interval: %w", err)
	}

	if cfg.Push.AppName == "" {
		cfg.Push.AppName = "FindPharma"
	}
	if cfg.Push.Icon == "" {
		cfg.Push.Icon = "/logo192.png"
	}
	if cfg.Push.Badge == "" {
		cfg.Push.Badge = "/logo192.png"
	}
	if cfg.Push.Vibrate == nil {
		cfg.Push.Vibrate = []int{200, 100, 200}
	}

	if cfg.Logging.statsEveryDur, err = parseOptionalDuration(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.expDur, err = parseOptionalDuration(r.Expiration, 0); err != nil {
			return fmt.Errorf("rules[%d].expiration: %w", i, err)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func (cfg *Config) finalizeStorage() error {
	st := &cfg.Storage
	if st.Backend == "" {
		st.Backend = "tiered"
	}
	switch st.Backend {
	case "memory", "leveldb", "redis":
	case "tiered":
		if st.Tier == "" {
			st.Tier = "leveldb"
		}
		if st.Tier != "leveldb" && st.Tier != "redis" {
			return fmt.Errorf("storage.tier must be leveldb or redis, got %q", st.Tier)
		}
	default:
		return fmt.Errorf("storage.backend must be memory, leveldb, redis or tiered, got %q", st.Backend)
	}
	if st.RAM.Max == "" {
		st.RAM.Max = "64mb"
	}
	if st.Disk.Max == "" {
		st.Disk.Max = "1gb"
	}
	if st.Disk.Path == "" {
		st.Disk.Path = "./data/leveldb"
	}
	if st.Redis.Addr == "" {
		st.Redis.Addr = "127.0.0.1:6379"
	}
	if st.Redis.Prefix == "" {
		st.Redis.Prefix = "findpharma-edge"
	}
	var err error
	if st.ramMax, err = parseBytes(st.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if st.diskMax, err = parseBytes(st.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	return nil
}

// StatsEvery is the period of the stats log line; zero disables it.
func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.statsEveryDur }

// FetchTimeout bounds one origin round-trip.
func (cfg Config) FetchTimeout() time.Duration { return cfg.Cache.fetchTimeoutDur }

// SyncInterval is the period of the background sync loop.
func (cfg Config) SyncInterval() time.Duration { return cfg.Sync.intervalDur }

func parseOptionalDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		inside, ok := strings.CutPrefix(p, "PathPrefix(")
		if !ok || !strings.HasSuffix(inside, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside = strings.TrimSpace(strings.TrimSuffix(inside, ")"))
		if !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (cfg *Config) pickRule(path string) *Rule {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
