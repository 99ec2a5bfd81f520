package fingerprint

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var (
	uaPattern       = regexp.MustCompile(`(Mozilla|Chrome|Safari|Firefox|Edge|Dalvik|CFNetwork)/\d+(\.\d+)?`)
	languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[a-z0-9]{2,8})*$`)
	ianaPattern     = regexp.MustCompile(`^[A-Za-z]+(/[A-Za-z0-9_+\-]+){1,2}$|^UTC$`)
	offsetPattern   = regexp.MustCompile(`^-?\d{1,4}$`)

	knownPlatforms = []string{
		"win32", "win64", "macintel", "macppc", "linux", "iphone", "ipad", "ipod",
		"android", "x11", "cros", "ios",
	}
	validColorDepths = []int{8, 16, 24, 30, 32, 48}
)

// Sanity lists implausible values in a normalized fingerprint. Problems
// are recorded with the audit trail; they do not reject a claim on their
// own.
func Sanity(fp DeviceFingerprint) []string {
	var problems []string
	add := func(p string) { problems = append(problems, p) }

	ua := fp.Server.UserAgent
	switch {
	case ua == "":
		add("user agent missing")
	case len(ua) < 10:
		add("user agent too short")
	case !uaPattern.MatchString(ua):
		add("user agent format not recognized")
	}

	if fp.Client.Language != "" && !languagePattern.MatchString(fp.Client.Language) {
		add("language code format invalid")
	}

	if p := fp.Client.Platform; p != "" && !slices.ContainsFunc(knownPlatforms, func(k string) bool {
		return strings.Contains(p, k)
	}) {
		add("platform not recognized")
	}

	if tz := fp.Client.Timezone; tz != "" {
		if offsetPattern.MatchString(tz) {
			if off, _ := strconv.Atoi(tz); off < -840 || off > 720 {
				add("timezone offset out of range")
			}
		} else if !ianaPattern.MatchString(tz) {
			add("timezone format invalid")
		}
	}

	if res := fp.Client.ScreenResolution; res != "" {
		w, h, ok := strings.Cut(res, "x")
		wi, errW := strconv.Atoi(w)
		hi, errH := strconv.Atoi(h)
		if !ok || errW != nil || errH != nil || wi < 100 || wi > 10000 || hi < 100 || hi > 10000 {
			add("screen resolution out of range")
		}
	}

	if hc := fp.Client.HardwareConcurrency; hc != nil && (*hc < 1 || *hc > 128) {
		add("hardware concurrency out of range")
	}
	if cd := fp.Client.ColorDepth; cd != nil && !slices.Contains(validColorDepths, *cd) {
		add("color depth not valid")
	}

	return problems
}
