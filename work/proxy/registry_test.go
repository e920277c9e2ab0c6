package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"iptv-proxy/work/config"
	"iptv-proxy/work/filter"
	"iptv-proxy/work/utils"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const guide = `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <channel id="news.uk"><display-name>News</display-name></channel>
  <channel id="weather.uk"><display-name>Weather</display-name></channel>
  <programme start="20260101000000 +0000" stop="20260101010000 +0000" channel="news.uk"><title>Headlines</title></programme>
  <programme start="20260101000000 +0000" stop="20260101010000 +0000" channel="weather.uk"><title>Forecast</title></programme>
</tv>`

// provider serves a playlist and optionally a guide; either can be switched off.
type provider struct {
	*httptest.Server
	playlist  atomic.Value
	guideDown atomic.Bool
	down      atomic.Bool
}

func newProvider(t *testing.T, playlist string) *provider {
	p := &provider{}
	p.playlist.Store(playlist)
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get.php":
			if p.down.Load() {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			io.WriteString(w, p.playlist.Load().(string))
		case "/xmltv.php":
			if p.guideDown.Load() {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			io.WriteString(w, guide)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.Close)
	return p
}

func newTestRegistry(t *testing.T, yaml string) *Registry {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	r, err := NewRegistry(cfg, pool, testEnv(clock.New()), filter.NewFilterManager())
	require.NoError(t, err)
	return r
}

const fastBudgets = `
channels: {timeout: 1s, totalTimeout: 200ms, retryDelay: 50ms}
xmltv: {timeout: 1s, totalTimeout: 200ms, retryDelay: 50ms}
`

func gunzip(t *testing.T, data []byte) string {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(out)
}

func TestRegistry_MergesProvidersAndSorts(t *testing.T) {
	a := newProvider(t, "#EXTM3U\n#EXTINF:-1 group-title=\"General\",Sport\nhttp://a/sport.m3u8\n#EXTINF:-1 group-title=\"General\",News\nhttp://a/news.m3u8\n")
	b := newProvider(t, "#EXTM3U\n#EXTINF:-1,News\nhttp://b/news.m3u8\n")
	r := newTestRegistry(t, fastBudgets+fmt.Sprintf(`
servers:
  - name: a
    connections: [{url: %s/get.php}]
  - name: b
    connections: [{url: %s/get.php}]
`, a.URL, b.URL))

	require.NoError(t, r.Refresh(context.Background()))

	channels := r.Channels()
	require.Len(t, channels, 2)
	assert.Equal(t, "News", channels[0].Name())
	assert.Equal(t, "Sport", channels[1].Name())
	assert.Len(t, channels[0].Members(), 2)
	assert.Len(t, channels[1].Members(), 1)

	news := r.Channel(utils.Digest("", "News"))
	require.NotNil(t, news)
	assert.Same(t, channels[0], news)
	assert.Nil(t, r.EPG())
	assert.False(t, r.BuiltAt().IsZero())
}

func TestRegistry_ProvidersKeepChannelsApart(t *testing.T) {
	a := newProvider(t, "#EXTM3U\n#EXTINF:-1,News\nhttp://a/news.m3u8\n")
	b := newProvider(t, "#EXTM3U\n#EXTINF:-1,News\nhttp://b/news.m3u8\n")
	r := newTestRegistry(t, fastBudgets+fmt.Sprintf(`
servers:
  - name: a
    provider: alpha
    connections: [{url: %s/get.php}]
  - name: b
    provider: beta
    connections: [{url: %s/get.php}]
`, a.URL, b.URL))

	require.NoError(t, r.Refresh(context.Background()))
	assert.Len(t, r.Channels(), 2)
}

func TestRegistry_RekeysGuide(t *testing.T) {
	a := newProvider(t, "#EXTM3U\n#EXTINF:-1 tvg-id=\"news.uk\",BBC News\nhttp://a/news.m3u8\n#EXTINF:-1,Movies\nhttp://a/movies.m3u8\n")
	r := newTestRegistry(t, fastBudgets+fmt.Sprintf(`
servers:
  - name: a
    xmltvUrl: %[1]s/xmltv.php
    connections: [{url: %[1]s/get.php}]
`, a.URL))

	require.NoError(t, r.Refresh(context.Background()))

	newsID := utils.Digest("", "epg:news.uk")
	news := r.Channel(newsID)
	require.NotNil(t, news)
	assert.Equal(t, newsID, news.EpgID())
	movies := r.Channel(utils.Digest("", "Movies"))
	require.NotNil(t, movies)
	assert.Empty(t, movies.EpgID())

	require.NotNil(t, r.EPG())
	xml := gunzip(t, r.EPG())
	assert.Contains(t, xml, `<channel id="`+newsID+`">`)
	assert.Contains(t, xml, "Headlines")
	assert.NotContains(t, xml, "weather.uk")
	assert.NotContains(t, xml, "Forecast")

	// a failing guide falls back to the last good one
	a.guideDown.Store(true)
	require.NoError(t, r.Refresh(context.Background()))
	assert.Contains(t, gunzip(t, r.EPG()), "Headlines")
}

func TestRegistry_FailedRefreshKeepsPublishedChannels(t *testing.T) {
	a := newProvider(t, "#EXTM3U\n#EXTINF:-1,News\nhttp://a/news.m3u8\n")
	b := newProvider(t, "#EXTM3U\n#EXTINF:-1,Sport\nhttp://b/sport.m3u8\n")
	r := newTestRegistry(t, fastBudgets+fmt.Sprintf(`
servers:
  - name: a
    connections: [{url: %s/get.php}]
  - name: b
    connections: [{url: %s/get.php}]
`, a.URL, b.URL))

	published := 0
	r.onPublish = func() { published++ }
	require.NoError(t, r.Refresh(context.Background()))
	before := r.Channels()
	require.Len(t, before, 2)

	b.down.Store(true)
	b.playlist.Store("#EXTM3U\n")
	a.playlist.Store("#EXTM3U\n#EXTINF:-1,Weather\nhttp://a/weather.m3u8\n")
	assert.Error(t, r.Refresh(context.Background()))
	assert.Equal(t, before, r.Channels())
	assert.Equal(t, 1, published)
}

func TestRegistry_ReusesServerChannels(t *testing.T) {
	a := newProvider(t, "#EXTM3U\n#EXTINF:-1,News\nhttp://a/news.m3u8\n#EXTINF:-1,Sport\nhttp://a/sport.m3u8\n")
	r := newTestRegistry(t, fastBudgets+fmt.Sprintf(`
servers:
  - name: a
    connections: [{url: %s/get.php}]
`, a.URL))

	require.NoError(t, r.Refresh(context.Background()))
	id := utils.Digest("", "News")
	first := r.Channel(id).Members()[0]

	a.playlist.Store("#EXTM3U\n#EXTINF:-1,News\nhttp://a/news.m3u8\n")
	require.NoError(t, r.Refresh(context.Background()))
	assert.Same(t, first, r.Channel(id).Members()[0])
	assert.Nil(t, r.Channel(utils.Digest("", "Sport")))
}

func TestRegistry_GroupFilters(t *testing.T) {
	a := newProvider(t, "#EXTM3U\n#EXTINF:-1 group-title=\"Adult\",Late\nhttp://a/late.m3u8\n#EXTINF:-1 group-title=\"News;UK\",News\nhttp://a/news.m3u8\n")
	r := newTestRegistry(t, fastBudgets+fmt.Sprintf(`
servers:
  - name: a
    groupExclude: ["^Adult$"]
    connections: [{url: %s/get.php}]
`, a.URL))

	require.NoError(t, r.Refresh(context.Background()))
	channels := r.Channels()
	require.Len(t, channels, 1)
	assert.Equal(t, []string{"News", "UK"}, channels[0].Groups())
}

func TestRegistry_ConnectionNames(t *testing.T) {
	r := newTestRegistry(t, `
servers:
  - name: a
    connections: [{url: http://a1/get.php}, {url: http://a2/get.php, maxConnections: 3}]
  - name: b
    connections: [{url: http://b/get.php}]
`)
	var names []string
	for _, s := range r.Servers() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"a-1", "a-2", "b"}, names)
	assert.Equal(t, 3, r.Servers()[1].Capacity())
}

func TestNewRegistry_NoServers(t *testing.T) {
	_, err := NewRegistry(&config.Config{}, nil, testEnv(clock.New()), filter.NewFilterManager())
	assert.ErrorIs(t, err, ErrNoServers)
}
