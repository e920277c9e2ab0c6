package utils

import (
	"net/http/httptest"
	"testing"

	"iptv-proxy/work/config"

	"github.com/stretchr/testify/assert"
)

func TestDigestStable(t *testing.T) {
	a := Digest("news", "http://a/1")
	assert.Len(t, a, 32)
	assert.Equal(t, a, Digest("news", "http://a/1"))
	assert.NotEqual(t, a, Digest("newsh", "ttp://a/1"))
}

func TestBaseURL(t *testing.T) {
	r := httptest.NewRequest("GET", "http://proxy.local:8080/m3u", nil)
	assert.Equal(t, "http://proxy.local:8080", BaseURL(&config.Config{}, r))

	cfg := &config.Config{BaseURL: "https://tv.example.com/"}
	assert.Equal(t, "https://tv.example.com", BaseURL(cfg, r))

	cfg.ForwardedPass = "secret"
	r.Header.Set("Forwarded", `for=1.2.3.4;pass=secret;baseUrl="https://edge.example.com/iptv"`)
	assert.Equal(t, "https://edge.example.com/iptv", BaseURL(cfg, r))

	r.Header.Set("Forwarded", "pass=wrong;baseUrl=https://evil.example.com")
	assert.Equal(t, "https://tv.example.com", BaseURL(cfg, r))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "2.0 MiB", FormatBytes(2*1024*1024))
}

func TestNextRequestIDIncrements(t *testing.T) {
	a, b := NextRequestID(), NextRequestID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 7)
}
