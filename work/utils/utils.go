package utils

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"iptv-proxy/work/config"

	"golang.org/x/crypto/blake2b"
)

var requestCounter atomic.Uint64

// LogURL returns an obfuscated version of the URL for logging
func LogURL(url string) string {
	return config.ObfuscateURL(url)
}

// Digest returns a short hex content hash of the given parts.
// Used for channel ids and segment paths so they stay stable across refreshes.
func Digest(parts ...string) string {
	h, _ := blake2b.New(16, nil)
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NextRequestID returns a log prefix for correlating the lines of one request.
func NextRequestID() string {
	return fmt.Sprintf("%05d| ", requestCounter.Add(1))
}

// BaseURL resolves the external base URL for links written into playlists.
//
// A request carrying "Forwarded: pass=<forwardedPass>;baseUrl=<url>" wins when
// forwardedPass is configured. Otherwise the configured base URL is used, and as a
// last resort the scheme and host of the request itself.
func BaseURL(cfg *config.Config, r *http.Request) string {
	if cfg.ForwardedPass != "" {
		if base := forwardedBaseURL(r.Header.Get("Forwarded"), cfg.ForwardedPass); base != "" {
			return strings.TrimSuffix(base, "/")
		}
	}
	if cfg.BaseURL != "" {
		return strings.TrimSuffix(cfg.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// forwardedBaseURL extracts baseUrl from a Forwarded header when its pass matches.
func forwardedBaseURL(header, pass string) string {
	if header == "" {
		return ""
	}
	var gotPass, base string
	for _, elem := range strings.Split(header, ",") {
		for _, pair := range strings.Split(elem, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			v = strings.Trim(v, `"`)
			switch strings.ToLower(k) {
			case "pass":
				gotPass = v
			case "baseurl":
				base = v
			}
		}
	}
	if gotPass != pass {
		return ""
	}
	return base
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
