// Package hls rewrites upstream media playlists so every segment is served
// through the proxy under a stable content-derived path.
package hls

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"iptv-proxy/work/logger"
	"iptv-proxy/work/utils"

	"github.com/grafov/m3u8"
	"github.com/shopspring/decimal"
)

const (
	tagExtInf         = "#EXTINF:"
	tagTargetDuration = "#EXT-X-TARGETDURATION:"
	tagProgramDate    = "#EXT-X-PROGRAM-DATE-TIME:"

	// defaultSegmentDuration is assumed when a playlist declares no durations.
	defaultSegmentDuration = 10 * time.Second
)

var thousand = decimal.NewFromInt(1000)

// Segment is one media segment of a rewritten playlist.
type Segment struct {
	Path     string        // proxy-side path, stable for the same upstream URL
	URL      string        // absolute upstream URL
	Header   string        // "#" lines that preceded the segment, newline terminated
	Duration time.Duration // from #EXTINF, zero when absent
	Start    time.Time     // from #EXT-X-PROGRAM-DATE-TIME, zero when absent
}

// Playlist is the parsed form of an upstream media playlist.
type Playlist struct {
	Segments    []Segment
	Trailer     string        // "#" lines after the last segment
	MaxDuration time.Duration // largest segment or target duration seen
	Nested      string        // set when the document points at another playlist
}

// Parse rewrites the text of a media playlist fetched from playlistURL.
//
// Relative segment URLs are resolved against playlistURL. When a URI line names
// another playlist, parsing stops and Nested holds its absolute URL so the
// caller can fetch that document instead.
func Parse(text, playlistURL string) *Playlist {
	pl := &Playlist{}
	base, err := url.Parse(playlistURL)
	if err != nil {
		logger.Warn("{hls/playlist - Parse} bad playlist url %s: %v", utils.LogURL(playlistURL), err)
		base = &url.URL{}
	}

	var header strings.Builder
	var duration time.Duration
	var start time.Time

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			switch {
			case strings.HasPrefix(line, tagExtInf):
				if d, ok := parseDuration(strings.TrimPrefix(line, tagExtInf)); ok {
					duration = d
					pl.MaxDuration = max(pl.MaxDuration, d)
				} else {
					logger.Debug("{hls/playlist - Parse} skipping malformed duration in %q", line)
				}
			case strings.HasPrefix(line, tagTargetDuration):
				if d, ok := parseDuration(strings.TrimPrefix(line, tagTargetDuration)); ok {
					pl.MaxDuration = max(pl.MaxDuration, d)
				} else {
					logger.Debug("{hls/playlist - Parse} skipping malformed target duration in %q", line)
				}
			case strings.HasPrefix(line, tagProgramDate):
				if t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, tagProgramDate)); err == nil {
					start = t
				}
			}
			header.WriteString(line)
			header.WriteByte('\n')
			continue
		}

		ref, err := url.Parse(line)
		if err != nil {
			logger.Debug("{hls/playlist - Parse} skipping malformed uri %q: %v", line, err)
			continue
		}
		abs := base.ResolveReference(ref).String()

		if IsPlaylistURL(abs) {
			pl.Nested = abs
			return pl
		}

		pl.Segments = append(pl.Segments, Segment{
			Path:     SegmentPath(abs),
			URL:      abs,
			Header:   header.String(),
			Duration: duration,
			Start:    start,
		})
		header.Reset()
		duration = 0
		start = time.Time{}
	}

	pl.Trailer = header.String()
	return pl
}

// parseDuration reads decimal seconds up to the first comma and truncates to milliseconds.
func parseDuration(v string) (time.Duration, bool) {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil || d.IsNegative() {
		return 0, false
	}
	return time.Duration(d.Mul(thousand).IntPart()) * time.Millisecond, true
}

// SegmentPath returns the proxy path of an absolute segment URL.
func SegmentPath(absURL string) string {
	return utils.Digest(absURL) + ".ts"
}

// Lookup indexes the segments by path.
func (p *Playlist) Lookup() map[string]Segment {
	m := make(map[string]Segment, len(p.Segments))
	for _, s := range p.Segments {
		m[s.Path] = s
	}
	return m
}

// Window returns the program date times of the first and last segment, if known.
func (p *Playlist) Window() (first, last time.Time) {
	for _, s := range p.Segments {
		if s.Start.IsZero() {
			continue
		}
		if first.IsZero() {
			first = s.Start
		}
		last = s.Start
	}
	return first, last
}

// Render writes the client-facing playlist. Each segment keeps its header and
// points at base/<path>?t=<token>.
func (p *Playlist) Render(base, token string) []byte {
	var b bytes.Buffer
	suffix := "?t=" + url.QueryEscape(token) + "\n"
	for _, s := range p.Segments {
		b.WriteString(s.Header)
		b.WriteString(base)
		b.WriteByte('/')
		b.WriteString(s.Path)
		b.WriteString(suffix)
	}
	b.WriteString(p.Trailer)
	return b.Bytes()
}

// Timeout is the idle budget granted while a playlist with the given maximum
// segment duration is being played.
func Timeout(maxDuration time.Duration) time.Duration {
	if maxDuration <= 0 {
		maxDuration = defaultSegmentDuration
	}
	return maxDuration*3 + time.Second
}

// IsPlaylistURL reports whether the URL path names an HLS/M3U document.
func IsPlaylistURL(raw string) bool {
	path := urlPath(raw)
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m3u")
}

// IsHLSURL reports whether a channel URL is an HLS playlist. Plain .m3u
// channel links are direct streams on most providers.
func IsHLSURL(raw string) bool {
	return strings.HasSuffix(urlPath(raw), ".m3u8")
}

func urlPath(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	return strings.ToLower(path)
}

// ChannelURL merges the client's query parameters over the channel URL.
// Client values win and the proxy token parameter "t" is never forwarded.
func ChannelURL(raw string, query url.Values) string {
	extra := false
	for k := range query {
		if k != "t" {
			extra = true
			break
		}
	}
	if !extra {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, vs := range query {
		if k == "t" {
			continue
		}
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// IsCatchup reports whether the query carries any of the timeshift parameters.
func IsCatchup(query url.Values, params []string) bool {
	for _, p := range params {
		if query.Has(p) {
			return true
		}
	}
	return false
}

// SelectVariant picks a variant from a master playlist by bandwidth.
//
// strategy is "highest" or "lowest"; any other strategy, or a document that is
// not a master playlist with variants, reports false so the caller keeps the
// first nested URL.
func SelectVariant(text, playlistURL, strategy string) (string, bool) {
	if strategy != "highest" && strategy != "lowest" {
		return "", false
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil || listType != m3u8.MASTER {
		return "", false
	}
	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok || len(master.Variants) == 0 {
		return "", false
	}

	var chosen *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		switch {
		case chosen == nil:
			chosen = v
		case strategy == "highest" && v.Bandwidth > chosen.Bandwidth:
			chosen = v
		case strategy == "lowest" && v.Bandwidth < chosen.Bandwidth:
			chosen = v
		}
	}
	if chosen == nil {
		return "", false
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(chosen.URI)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}
