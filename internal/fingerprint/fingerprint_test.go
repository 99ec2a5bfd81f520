package fingerprint

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	iphoneSafari17 = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	iphoneSafari18 = "Mozilla/5.0 (iPhone; CPU iPhone OS 18_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Mobile/15E148 Safari/604.1"
	androidChrome  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"
)

func intp(v int) *int { return &v }

func baseFingerprint() DeviceFingerprint {
	return Combine(Client{
		ScreenResolution:    "1170x2532",
		Timezone:            "Europe/Madrid",
		Language:            "es-ES",
		Platform:            "iPhone",
		CookiesEnabled:      true,
		HardwareConcurrency: intp(6),
		ColorDepth:          intp(24),
	}, Server{UserAgent: iphoneSafari17, IP: "83.45.10.20", AcceptLanguage: "es-ES,es;q=0.9"})
}

func TestExtractServerSide(t *testing.T) {
	h := http.Header{}
	h.Set("User-Agent", "  "+androidChrome+" ")
	h.Set("Accept-Language", "en-GB,en;q=0.8")

	s := ExtractServerSide(h, "10.0.0.7")
	assert.Equal(t, androidChrome, s.UserAgent)
	assert.Equal(t, "en-GB,en;q=0.8", s.AcceptLanguage)
	assert.Equal(t, "10.0.0.7", s.IP)

	empty := ExtractServerSide(http.Header{}, "")
	assert.Empty(t, empty.UserAgent)
}

func TestCombine_Normalizes(t *testing.T) {
	fp := Combine(Client{ScreenResolution: " 1170 x 2532 ", Language: "ES_es", Platform: " iPhone "}, Server{})
	assert.Equal(t, "1170x2532", fp.Client.ScreenResolution)
	assert.Equal(t, "es-es", fp.Client.Language)
	assert.Equal(t, "iphone", fp.Client.Platform)
	assert.Len(t, fp.Hash, 64)
}

func TestHash_IgnoresIP(t *testing.T) {
	a := baseFingerprint()
	b := a
	b.Server.IP = "198.51.100.1"
	assert.Equal(t, a.Hash, Hash(b))

	b.Client.Timezone = "Europe/Lisbon"
	assert.NotEqual(t, a.Hash, Hash(b))
}

func TestSimilarity(t *testing.T) {
	base := baseFingerprint()

	tests := []struct {
		name   string
		mutate func(fp *DeviceFingerprint)
		want   float64
	}{
		{name: "identical", mutate: func(*DeviceFingerprint) {}, want: 1.0},
		{name: "same /24", mutate: func(fp *DeviceFingerprint) { fp.Server.IP = "83.45.10.99" }, want: 0.95},
		{name: "different network", mutate: func(fp *DeviceFingerprint) { fp.Server.IP = "2.136.1.1" }, want: 0.90},
		{name: "browser update", mutate: func(fp *DeviceFingerprint) { fp.Server.UserAgent = iphoneSafari18 }, want: 0.88},
		{name: "rotated screen", mutate: func(fp *DeviceFingerprint) { fp.Client.ScreenResolution = "2532x1170" }, want: 1.0},
		{name: "regional language", mutate: func(fp *DeviceFingerprint) { fp.Client.Language = "es-mx" }, want: 0.95},
		{
			name: "different device",
			mutate: func(fp *DeviceFingerprint) {
				fp.Server.UserAgent = androidChrome
				fp.Client.Platform = "linux armv8l"
				fp.Client.ScreenResolution = "1080x2400"
				fp.Server.IP = "2.136.1.1"
			},
			want: 0.25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.mutate(&other)
			assert.InDelta(t, tt.want, Similarity(base, other), 1e-9)
			assert.InDelta(t, Similarity(other, base), Similarity(base, other), 1e-9, "symmetric")
		})
	}
}

func TestSimilarity_SparseFingerprints(t *testing.T) {
	sparse := Combine(Client{CookiesEnabled: true}, Server{})
	assert.InDelta(t, 1.0, Similarity(sparse, sparse), 1e-9)

	uaOnly := Combine(Client{}, Server{UserAgent: androidChrome, IP: "unknown"})
	assert.InDelta(t, 1.0, Similarity(uaOnly, uaOnly), 1e-9)
	assert.GreaterOrEqual(t, Similarity(uaOnly, uaOnly), ChangedThreshold)

	// A field present on one side only still counts against the match.
	withTZ := sparse
	withTZ.Client.Timezone = "europe/madrid"
	assert.InDelta(t, 0.05/0.15, Similarity(sparse, withTZ), 1e-9)
}

func TestIPMatch_IPv6(t *testing.T) {
	assert.Equal(t, 1.0, ipMatch("2001:db8:1:2::1", "2001:db8:1:2::1"))
	assert.Equal(t, 0.5, ipMatch("2001:db8:1:2::1", "2001:db8:1:2:ffff::9"))
	assert.Equal(t, 0.0, ipMatch("2001:db8:1:3::1", "2001:db8:1:2::1"))
	assert.Equal(t, 0.0, ipMatch("83.45.10.20", "2001:db8::1"))
	assert.Equal(t, 1.0, ipMatch("::ffff:83.45.10.20", "83.45.10.20"))
	assert.Equal(t, 0.0, ipMatch("", "83.45.10.20"))
}

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		ua, family, os string
	}{
		{iphoneSafari17, "safari", "ios"},
		{androidChrome, "chrome", "android"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 Edg/124.0", "edge", "windows"},
		{"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.4; rv:125.0) Gecko/20100101 Firefox/125.0", "firefox", "macos"},
		{"curl/8.4.0", "", ""},
	}
	for _, tt := range tests {
		family, os := ParseUserAgent(tt.ua)
		assert.Equal(t, tt.family, family, tt.ua)
		assert.Equal(t, tt.os, os, tt.ua)
	}
}

func TestBestMatch(t *testing.T) {
	base := baseFingerprint()

	score, idx := BestMatch(base, nil)
	assert.Zero(t, score)
	assert.Equal(t, -1, idx)

	other := base
	other.Server.UserAgent = androidChrome
	other.Client.Platform = "android"
	history := []*Record{{Fingerprint: other}, {Fingerprint: base}}

	score, idx = BestMatch(base, history)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, 1, idx)
}

func TestSanity(t *testing.T) {
	assert.Empty(t, Sanity(baseFingerprint()))

	bad := Combine(Client{
		ScreenResolution:    "5x5",
		Timezone:            "9999",
		Language:            "klingon!",
		Platform:            "PlayStation",
		HardwareConcurrency: intp(0),
		ColorDepth:          intp(7),
	}, Server{UserAgent: "bot"})

	problems := Sanity(bad)
	assert.ElementsMatch(t, []string{
		"user agent too short",
		"language code format invalid",
		"platform not recognized",
		"timezone offset out of range",
		"screen resolution out of range",
		"hardware concurrency out of range",
		"color depth not valid",
	}, problems)

	offset := baseFingerprint()
	offset.Client.Timezone = "-120"
	assert.Empty(t, Sanity(offset))
}

func TestMemoryStore_KeepsMostRecent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < MaxRemembered+2; i++ {
		fp := baseFingerprint()
		fp.Client.ScreenResolution = string(rune('a'+i)) + "x1"
		fp.Hash = Hash(fp)
		require.NoError(t, store.Remember(ctx, "u1", fp, base.Add(time.Duration(i)*time.Minute)))
	}

	recent, err := store.Recent(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, recent, MaxRemembered)
	assert.Equal(t, "gx1", recent[0].Fingerprint.Client.ScreenResolution)
	assert.Equal(t, "cx1", recent[MaxRemembered-1].Fingerprint.Client.ScreenResolution)
}

func TestMemoryStore_RememberRefreshesExisting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	fp := baseFingerprint()

	other := fp
	other.Client.Timezone = "UTC"
	other.Hash = Hash(other)

	require.NoError(t, store.Remember(ctx, "u1", fp, base))
	require.NoError(t, store.Remember(ctx, "u1", other, base.Add(time.Minute)))
	require.NoError(t, store.Remember(ctx, "u1", fp, base.Add(2*time.Minute)))

	recent, _ := store.Recent(ctx, "u1", 5)
	require.Len(t, recent, 2)
	assert.Equal(t, fp.Hash, recent[0].Fingerprint.Hash)
	assert.Equal(t, base, recent[0].FirstSeen)
	assert.Equal(t, base.Add(2*time.Minute), recent[0].LastSeen)

	none, _ := store.Recent(ctx, "nobody", 5)
	assert.Empty(t, none)
}
