package fingerprint

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const maxHeaderLen = 512

// ExtractServerSide pulls the server-observable attributes from request
// headers. clientIP is resolved by the caller (gin's ClientIP).
func ExtractServerSide(h http.Header, clientIP string) Server {
	return Server{
		UserAgent:      truncate(strings.TrimSpace(h.Get("User-Agent")), maxHeaderLen),
		IP:             strings.TrimSpace(clientIP),
		AcceptLanguage: truncate(strings.TrimSpace(h.Get("Accept-Language")), maxHeaderLen),
	}
}

// Combine normalizes both halves and computes the stable hash.
func Combine(client Client, server Server) DeviceFingerprint {
	fp := DeviceFingerprint{
		Client: Client{
			ScreenResolution:    normalizeScreen(client.ScreenResolution),
			Timezone:            strings.TrimSpace(client.Timezone),
			Language:            normalizeLanguage(client.Language),
			Platform:            strings.ToLower(strings.TrimSpace(client.Platform)),
			CookiesEnabled:      client.CookiesEnabled,
			HardwareConcurrency: client.HardwareConcurrency,
			ColorDepth:          client.ColorDepth,
		},
		Server: Server{
			UserAgent:      strings.TrimSpace(server.UserAgent),
			IP:             strings.TrimSpace(server.IP),
			AcceptLanguage: strings.TrimSpace(server.AcceptLanguage),
		},
	}
	fp.Hash = Hash(fp)
	return fp
}

// Hash is blake2b-256 over the stable fields, hex encoded. The IP is left
// out: it changes with the network, not the device.
func Hash(fp DeviceFingerprint) string {
	parts := []string{
		fp.Server.UserAgent,
		fp.Client.Platform,
		fp.Client.ScreenResolution,
		fp.Client.Timezone,
		fp.Client.Language,
		strconv.FormatBool(fp.Client.CookiesEnabled),
		optInt(fp.Client.HardwareConcurrency),
		optInt(fp.Client.ColorDepth),
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func normalizeScreen(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "")
}

// normalizeLanguage lowercases a BCP 47 tag and uses '-' as separator.
func normalizeLanguage(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
