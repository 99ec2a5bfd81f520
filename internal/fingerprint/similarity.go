package fingerprint

import (
	"net/netip"
	"strings"
)

const (
	weightUserAgent = 0.30
	weightPlatform  = 0.20
	weightScreen    = 0.15
	weightIP        = 0.10
	weightTimezone  = 0.10
	weightLanguage  = 0.10
	weightCookies   = 0.05
)

// Similarity returns a weighted match score in [0, 1]. A user-agent or
// platform mismatch costs more than an IP change. Fields empty on both
// sides say nothing about the device and drop out of the weighting, so a
// fingerprint always matches itself fully.
func Similarity(a, b DeviceFingerprint) float64 {
	var score, total float64
	add := func(weight float64, x, y string, match func(string, string) float64) {
		if x == "" && y == "" {
			return
		}
		total += weight
		score += weight * match(x, y)
	}

	add(weightUserAgent, a.Server.UserAgent, b.Server.UserAgent, userAgentMatch)
	add(weightPlatform, a.Client.Platform, b.Client.Platform, exact)
	add(weightScreen, a.Client.ScreenResolution, b.Client.ScreenResolution, screenMatch)
	add(weightIP, a.Server.IP, b.Server.IP, ipMatch)
	add(weightTimezone, a.Client.Timezone, b.Client.Timezone, exact)
	add(weightLanguage, a.Client.Language, b.Client.Language, languageMatch)
	total += weightCookies
	if a.Client.CookiesEnabled == b.Client.CookiesEnabled {
		score += weightCookies
	}

	return min(score/total, 1)
}

// BestMatch returns the highest similarity between fp and any of history,
// and the index of that entry. With no history it returns (0, -1).
func BestMatch(fp DeviceFingerprint, history []*Record) (float64, int) {
	best, idx := 0.0, -1
	for i, rec := range history {
		if s := Similarity(fp, rec.Fingerprint); s > best || idx < 0 {
			best, idx = s, i
		}
	}
	return best, idx
}

func exact(a, b string) float64 {
	if a != "" && strings.EqualFold(a, b) {
		return 1
	}
	return 0
}

// userAgentMatch: exact 1, same browser family and OS 0.6 (a browser
// update), otherwise 0.
func userAgentMatch(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	fa, oa := ParseUserAgent(a)
	fb, ob := ParseUserAgent(b)
	if fa != "" && fa == fb && oa != "" && oa == ob {
		return 0.6
	}
	return 0
}

// screenMatch treats a rotated resolution as the same screen.
func screenMatch(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if w, h, ok := strings.Cut(a, "x"); ok && h+"x"+w == b {
		return 1
	}
	return 0
}

func languageMatch(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	pa, _, _ := strings.Cut(a, "-")
	pb, _, _ := strings.Cut(b, "-")
	if pa == pb {
		return 0.5
	}
	return 0
}

// ipMatch: exact 1, same /24 (IPv4) or /64 (IPv6) 0.5, otherwise 0.
func ipMatch(a, b string) float64 {
	if a != "" && a == b {
		return 1
	}
	ipA, errA := netip.ParseAddr(a)
	ipB, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return 0
	}
	ipA, ipB = ipA.Unmap(), ipB.Unmap()
	if ipA == ipB {
		return 1
	}
	if ipA.Is4() != ipB.Is4() {
		return 0
	}

	bits := 64
	if ipA.Is4() {
		bits = 24
	}
	pa, _ := ipA.Prefix(bits)
	pb, _ := ipB.Prefix(bits)
	if pa == pb {
		return 0.5
	}
	return 0
}

// ParseUserAgent returns a coarse browser family and OS, or "" when unknown.
func ParseUserAgent(ua string) (family, os string) {
	l := strings.ToLower(ua)

	switch {
	case strings.Contains(l, "edg/") || strings.Contains(l, "edga/") || strings.Contains(l, "edgios/"):
		family = "edge"
	case strings.Contains(l, "opr/") || strings.Contains(l, "opera"):
		family = "opera"
	case strings.Contains(l, "samsungbrowser/"):
		family = "samsung"
	case strings.Contains(l, "firefox/") || strings.Contains(l, "fxios/"):
		family = "firefox"
	case strings.Contains(l, "chrome/") || strings.Contains(l, "crios/"):
		family = "chrome"
	case strings.Contains(l, "safari/"):
		family = "safari"
	}

	switch {
	case strings.Contains(l, "android"):
		os = "android"
	case strings.Contains(l, "iphone") || strings.Contains(l, "ipad") || strings.Contains(l, "ipod"):
		os = "ios"
	case strings.Contains(l, "windows"):
		os = "windows"
	case strings.Contains(l, "mac os x") || strings.Contains(l, "macintosh"):
		os = "macos"
	case strings.Contains(l, "cros"):
		os = "chromeos"
	case strings.Contains(l, "linux"):
		os = "linux"
	}
	return family, os
}
