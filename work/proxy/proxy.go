package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"iptv-proxy/work/auth"
	"iptv-proxy/work/buffer"
	"iptv-proxy/work/cache"
	"iptv-proxy/work/config"
	"iptv-proxy/work/filter"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/utils"

	"github.com/benbjohnson/clock"
	"github.com/panjf2000/ants/v2"
)

// StreamProxy represents the core application responsible for publishing the
// merged playlist and guide, binding users to upstreams and relaying streams.
type StreamProxy struct {
	Config     *config.Config     // Application configuration
	Registry   *Registry          // Published channels and guide
	Sessions   *Sessions          // Live user sessions
	Tokens     *auth.Issuer       // Access token issuer
	Cache      *cache.Cache       // Rendered playlists
	BufferPool *buffer.BufferPool // Pool for relay chunks
	WorkerPool *ants.Pool         // Worker pool for refresh downloads

	clock  clock.Clock
	cancel context.CancelFunc
}

// New creates and initializes a new StreamProxy instance.
func New(cfg *config.Config, workerPool *ants.Pool, bufferPool *buffer.BufferPool, playlistCache *cache.Cache, clk clock.Clock) (*StreamProxy, error) {
	if clk == nil {
		clk = clock.New()
	}
	env := &streamEnv{
		clock:         clk,
		buffers:       bufferPool,
		cacheTTL:      cfg.InfoCacheTTL,
		catchupParams: cfg.CatchupParams,
	}
	registry, err := NewRegistry(cfg, workerPool, env, filter.NewFilterManager())
	if err != nil {
		return nil, err
	}

	sp := &StreamProxy{
		Config:     cfg,
		Registry:   registry,
		Sessions:   NewSessions(clk),
		Tokens:     auth.NewIssuer(cfg.TokenSalt, cfg.AllowAnonymous, cfg.Users),
		Cache:      playlistCache,
		BufferPool: bufferPool,
		WorkerPool: workerPool,
		clock:      clk,
	}
	registry.onPublish = playlistCache.Clear
	return sp, nil
}

// Start runs the registry refresh loop in the background.
func (sp *StreamProxy) Start(ctx context.Context) {
	ctx, sp.cancel = context.WithCancel(ctx)
	go sp.Registry.Run(ctx)
}

// Stop ends the refresh loop and releases every user binding.
func (sp *StreamProxy) Stop() {
	if sp.cancel != nil {
		sp.cancel()
	}
	sp.Sessions.Close()
}

// GeneratePlaylist writes the merged M3U playlist with a fresh token for user.
// An empty user is anonymous.
func (sp *StreamProxy) GeneratePlaylist(w http.ResponseWriter, r *http.Request, user string) {
	base := utils.BaseURL(sp.Config, r)

	key := ""
	if user != "" {
		key = cache.Key(base, user)
		if cached, ok := sp.Cache.GetM3U(key); ok {
			writePlaylist(w, cached)
			return
		}
	}

	token, err := sp.Tokens.Issue(user)
	if err != nil {
		logger.Warn("{proxy - GeneratePlaylist} refused playlist for %q: %v", user, err)
		http.NotFound(w, r)
		return
	}

	channels := sp.Registry.Channels()
	escaped := url.QueryEscape(token)

	var b strings.Builder
	b.WriteString("#EXTM3U")
	if sp.Registry.EPG() != nil {
		writeAttr(&b, "url-tvg", base+"/epg.xml.gz")
		writeAttr(&b, "x-tvg-url", base+"/epg.xml.gz")
	}
	b.WriteByte('\n')

	for _, ch := range channels {
		b.WriteString("#EXTINF:-1")
		writeAttr(&b, "tvg-id", ch.epgID)
		writeAttr(&b, "tvg-name", ch.name)
		writeAttr(&b, "tvg-logo", ch.logo)
		writeAttr(&b, "group-title", strings.Join(ch.groups, ";"))
		writeAttr(&b, "catchup-days", ch.catchupDays)
		b.WriteByte(',')
		b.WriteString(ch.name)
		b.WriteByte('\n')

		b.WriteString(base)
		b.WriteByte('/')
		b.WriteString(ch.id)
		b.WriteByte('/')
		b.WriteString(PlaylistPath)
		b.WriteString("?t=")
		b.WriteString(escaped)
		b.WriteByte('\n')
	}

	result := b.String()
	if key != "" {
		sp.Cache.SetM3U(key, result)
	}
	logger.Debug("{proxy - GeneratePlaylist} playlist with %d channels for %q", len(channels), user)
	writePlaylist(w, result)
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "audio/mpegurl")
	w.Header().Set("Content-Disposition", `attachment; filename="playlist.m3u"`)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(body))
}

// writeAttr appends ` key="value"` unless value is empty. Quotes would end the
// attribute early and are dropped.
func writeAttr(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(`="`)
	b.WriteString(strings.ReplaceAll(value, `"`, ""))
	b.WriteByte('"')
}

// ServeEPG writes the published guide.
func (sp *StreamProxy) ServeEPG(w http.ResponseWriter, r *http.Request) {
	data := sp.Registry.EPG()
	if data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="epg.xml.gz"`)
	w.Write(data)
}

// HandleChannel serves a channel playlist or segment for the token's user.
// Unknown channels and bad tokens are 404; no free upstream is 503.
func (sp *StreamProxy) HandleChannel(w http.ResponseWriter, r *http.Request, channelID, path string) {
	ch := sp.Registry.Channel(channelID)
	if ch == nil {
		logger.Debug("{proxy - HandleChannel} unknown channel %s", channelID)
		http.NotFound(w, r)
		return
	}

	token := r.URL.Query().Get("t")
	if token == "" {
		http.NotFound(w, r)
		return
	}
	user, err := sp.Tokens.Verify(token)
	if err != nil {
		logger.Warn("{proxy - HandleChannel} rejected token for channel %s: %v", channelID, err)
		http.NotFound(w, r)
		return
	}

	sess := sp.Sessions.Acquire(user)
	sc := sess.ServerChannel(ch)
	sess.Unlock()
	if sc == nil {
		logger.Warn("{proxy - HandleChannel} no upstream available for %s (user %s)", ch.name, user)
		http.Error(w, "no upstream available", http.StatusServiceUnavailable)
		return
	}

	base := utils.BaseURL(sp.Config, r) + "/" + ch.id
	sc.Handle(w, r, path, sess, token, base)
}
