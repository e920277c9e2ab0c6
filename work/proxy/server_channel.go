package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"iptv-proxy/work/buffer"
	"iptv-proxy/work/fetcher"
	"iptv-proxy/work/hls"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/metrics"
	"iptv-proxy/work/relay"
	"iptv-proxy/work/upstream"
	"iptv-proxy/work/utils"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

const (
	// PlaylistPath is the per-channel playlist requested by players.
	PlaylistPath = "channel.m3u8"

	// directStreamTimeout is the idle budget granted per write on a raw stream.
	directStreamTimeout = time.Second

	maxNestedPlaylists = 4
)

// forwardedHeaders are the upstream response headers passed through to clients.
var forwardedHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Connection",
	"Date",
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Headers",
	"Access-Control-Allow-Methods",
	"Access-Control-Expose-Headers",
	"X-Memory",
	"X-Route-Time",
	"X-Run-Time",
}

// streamEnv carries the collaborators shared by every server channel.
type streamEnv struct {
	clock         clock.Clock
	buffers       *buffer.BufferPool
	cacheTTL      time.Duration
	catchupParams []string
}

// userStreams is the per-user playlist state of one server channel.
// Fields are guarded by the owning user's session lock.
type userStreams struct {
	url         string
	catchup     bool
	infoTimeout time.Duration

	cached      *hls.Playlist
	cachedUntil time.Time
	maxDuration time.Duration
	segments    map[string]hls.Segment
	previous    map[string]hls.Segment
}

// lookup finds a segment of the current or the previous playlist generation,
// so players a little behind the live edge still resolve their segments.
func (us *userStreams) lookup(path string) (hls.Segment, bool) {
	if seg, ok := us.segments[path]; ok {
		return seg, true
	}
	seg, ok := us.previous[path]
	return seg, ok
}

// ServerChannel is one upstream's copy of a channel.
type ServerChannel struct {
	server    *upstream.Server
	url       string
	channelID string
	name      string
	env       *streamEnv

	failedUntil atomic.Int64
	streams     *xsync.MapOf[string, *userStreams]
	flights     singleflight.Group
}

func newServerChannel(server *upstream.Server, rawURL, channelID, name string, env *streamEnv) *ServerChannel {
	return &ServerChannel{
		server:    server,
		url:       rawURL,
		channelID: channelID,
		name:      name,
		env:       env,
		streams:   xsync.NewMapOf[string, *userStreams](),
	}
}

func (sc *ServerChannel) Server() *upstream.Server { return sc.server }
func (sc *ServerChannel) URL() string              { return sc.url }
func (sc *ServerChannel) ChannelID() string        { return sc.channelID }
func (sc *ServerChannel) Name() string             { return sc.name }

func (sc *ServerChannel) String() string {
	return fmt.Sprintf("%s/%s", sc.server.Name(), sc.name)
}

// FailedUntil returns the end of the cooldown, zero when none was set.
func (sc *ServerChannel) FailedUntil() time.Time {
	if n := sc.failedUntil.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// Acquire takes a slot on the upstream unless the channel is cooling down.
func (sc *ServerChannel) Acquire(userID string) bool {
	if sc.env.clock.Now().UnixNano() < sc.failedUntil.Load() {
		logger.Debug("{proxy/server_channel - Acquire} %s is cooling down", sc)
		return false
	}
	if !sc.server.Acquire() {
		logger.Debug("{proxy/server_channel - Acquire} %s has no free slot (%d/%d)", sc, sc.server.Acquired(), sc.server.Capacity())
		return false
	}
	logger.Debug("{proxy/server_channel - Acquire} user %s bound to %s", userID, sc)
	return true
}

// Release gives the slot back and forgets the user's cached playlist.
func (sc *ServerChannel) Release(userID string) {
	sc.server.Release()
	sc.streams.Delete(userID)
	logger.Debug("{proxy/server_channel - Release} user %s released %s", userID, sc)
}

// Handle serves one channel request for sess. base is the external URL of the
// channel ("<proxy>/<channelId>") and token the caller's access token.
func (sc *ServerChannel) Handle(w http.ResponseWriter, r *http.Request, path string, sess *Session, token, base string) {
	rid := utils.NextRequestID()
	switch path {
	case PlaylistPath:
		sc.servePlaylist(w, r, rid, sess, token, base)
	case "":
		sc.serveDirect(w, r, rid, sess)
	default:
		sc.serveSegment(w, r, rid, sess, path)
	}
}

// servePlaylist answers channel.m3u8 with the user's rewritten playlist.
func (sc *ServerChannel) servePlaylist(w http.ResponseWriter, r *http.Request, rid string, sess *Session, token, base string) {
	if !hls.IsHLSURL(sc.url) {
		// timeshift parameters travel with the redirect
		target := hls.ChannelURL(sc.url, r.URL.Query())
		if sc.server.Policy().ProxyStream {
			target = base + "/?" + r.URL.RawQuery
		}
		logger.Debug("{proxy/server_channel - servePlaylist} %s%s is not a playlist, redirecting", rid, sc)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	sess.Lock()
	us := sc.userStreamsFor(sess.ID(), r.URL.Query())
	sess.SetExpireTime(sc.env.clock.Now().Add(us.infoTimeout))
	sess.Unlock()

	pl, err := sc.loadCachedInfo(r.Context(), rid, sess, us)
	if err != nil {
		if r.Context().Err() != nil {
			logger.Debug("{proxy/server_channel - servePlaylist} %sclient left while loading %s", rid, sc)
			return
		}
		status := http.StatusBadGateway
		if code := fetcher.StatusCode(err); code >= 400 {
			status = code
		}
		http.Error(w, "error", status)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(pl.Render(base, token))
}

// userStreamsFor returns the user's state for the effective URL, replacing it
// when the user switched to a different URL (e.g. another catchup window).
// Caller holds the session lock.
func (sc *ServerChannel) userStreamsFor(userID string, query url.Values) *userStreams {
	target := hls.ChannelURL(sc.url, query)
	if us, ok := sc.streams.Load(userID); ok && us.url == target {
		return us
	}

	catchup := hls.IsCatchup(query, sc.env.catchupParams)
	budget := sc.server.Policy().Info
	if catchup {
		budget = sc.server.Policy().Catchup
	}
	us := &userStreams{
		url:         target,
		catchup:     catchup,
		infoTimeout: budget.TotalTimeout + time.Second,
	}
	sc.streams.Store(userID, us)
	return us
}

// loadCachedInfo returns the cached playlist while it is fresh, otherwise joins
// or starts the single in-flight fetch for this user and URL.
func (sc *ServerChannel) loadCachedInfo(ctx context.Context, rid string, sess *Session, us *userStreams) (*hls.Playlist, error) {
	sess.Lock()
	if us.cached != nil && sc.env.clock.Now().Before(us.cachedUntil) {
		pl := us.cached
		sess.Unlock()
		return pl, nil
	}
	sess.Unlock()

	// the fetch is shared, so it must not die with the first caller's request
	ch := sc.flights.DoChan(sess.ID()+"\x00"+us.url, func() (any, error) {
		return sc.loadInfo(rid, sess, us)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*hls.Playlist), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadInfo downloads and rewrites the playlist, following nested playlists.
func (sc *ServerChannel) loadInfo(rid string, sess *Session, us *userStreams) (*hls.Playlist, error) {
	policy := sc.server.Policy()
	kind, budget := "info", policy.Info
	if us.catchup {
		kind, budget = "catchup", policy.Catchup
	}
	f := fetcher.Strings(kind, sc.server.Client(), budget)

	target := us.url
	for depth := 0; ; depth++ {
		text, err := f.Fetch(context.Background(), rid+sc.String(), target, sc.server.Preparer(sess.ID()))
		if err != nil {
			sc.infoFailed(rid, sess, err)
			return nil, err
		}

		pl := hls.Parse(text, target)
		if pl.Nested == "" {
			sc.storeInfo(rid, sess, us, pl)
			return pl, nil
		}
		if depth >= maxNestedPlaylists {
			err := errors.New("too many nested playlists")
			sc.infoFailed(rid, sess, err)
			return nil, err
		}

		next := pl.Nested
		if v, ok := hls.SelectVariant(text, target, policy.VariantStrategy); ok {
			next = v
		}
		logger.Debug("{proxy/server_channel - loadInfo} %s%s: following nested playlist %s", rid, sc, utils.LogURL(next))
		target = next
	}
}

// storeInfo caches a fresh playlist and extends the user's deadline to match it.
func (sc *ServerChannel) storeInfo(rid string, sess *Session, us *userStreams, pl *hls.Playlist) {
	now := sc.env.clock.Now()
	timeout := hls.Timeout(pl.MaxDuration)

	sess.Lock()
	us.cached = pl
	us.cachedUntil = now.Add(sc.env.cacheTTL)
	us.maxDuration = pl.MaxDuration
	us.infoTimeout = timeout
	us.previous = us.segments
	us.segments = pl.Lookup()
	sess.SetExpireTime(now.Add(timeout))
	sess.Unlock()

	if first, last := pl.Window(); !first.IsZero() {
		logger.Debug("{proxy/server_channel - storeInfo} %s%s: %d segments from %s to %s",
			rid, sc, len(pl.Segments), first.Format(time.RFC3339), last.Format(time.RFC3339))
	} else {
		logger.Debug("{proxy/server_channel - storeInfo} %s%s: %d segments, max duration %v", rid, sc, len(pl.Segments), pl.MaxDuration)
	}
}

// infoFailed starts the cooldown, when configured, and drops the user's binding
// so the next request can fail over to a sibling.
func (sc *ServerChannel) infoFailed(rid string, sess *Session, err error) {
	cooldown := sc.server.Policy().ChannelFailed
	if cooldown <= 0 {
		logger.Warn("{proxy/server_channel - infoFailed} %s%s: %v", rid, sc, err)
		return
	}

	sc.failedUntil.Store(sc.env.clock.Now().Add(cooldown).UnixNano())
	sess.Lock()
	sess.ReleaseChannel(sc)
	sess.Unlock()
	logger.Warn("{proxy/server_channel - infoFailed} %s%s: %v, cooling down for %v", rid, sc, err, cooldown)
}

// serveSegment relays one segment of the user's current playlist.
func (sc *ServerChannel) serveSegment(w http.ResponseWriter, r *http.Request, rid string, sess *Session, path string) {
	var seg hls.Segment
	var found bool
	var timeout time.Duration

	sess.Lock()
	if us, ok := sc.streams.Load(sess.ID()); ok {
		seg, found = us.lookup(path)
		timeout = hls.Timeout(us.maxDuration)
	}
	if found {
		sess.SetExpireTime(sc.env.clock.Now().Add(timeout))
	}
	sess.Unlock()

	if !found {
		logger.Warn("{proxy/server_channel - serveSegment} %s%s: unknown segment %s for user %s", rid, sc, path, sess.ID())
		http.NotFound(w, r)
		return
	}
	sc.runStream(w, r, rid, sess, seg.URL, timeout)
}

// serveDirect relays the channel URL itself, for sources that are not playlists.
func (sc *ServerChannel) serveDirect(w http.ResponseWriter, r *http.Request, rid string, sess *Session) {
	sess.Lock()
	sess.SetExpireTime(sc.env.clock.Now().Add(sc.server.Policy().StreamStartTimeout + directStreamTimeout))
	sess.Unlock()
	sc.runStream(w, r, rid, sess, hls.ChannelURL(sc.url, r.URL.Query()), directStreamTimeout)
}

// runStream redirects to target or relays it, depending on the upstream policy.
func (sc *ServerChannel) runStream(w http.ResponseWriter, r *http.Request, rid string, sess *Session, target string, userTimeout time.Duration) {
	policy := sc.server.Policy()
	if !policy.ProxyStream {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := sc.server.NewRequest(ctx, target, sess.ID())
	if err != nil {
		logger.Error("{proxy/server_channel - runStream} %s%s: bad upstream url: %v", rid, sc, err)
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}

	// response headers must arrive within the start timeout
	startTimer := sc.env.clock.AfterFunc(policy.StreamStartTimeout, cancel)
	resp, err := sc.server.Client().Do(req)
	inTime := startTimer.Stop()
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		reason := "connect"
		if !inTime {
			reason = "start_timeout"
		}
		metrics.StreamErrors.WithLabelValues(sc.server.Name(), reason).Inc()
		logger.Warn("{proxy/server_channel - runStream} %s%s: %s failed: %v", rid, sc, reason, err)
		http.Error(w, "error", http.StatusBadGateway)
		return
	}
	if !inTime {
		resp.Body.Close()
		metrics.StreamErrors.WithLabelValues(sc.server.Name(), "start_timeout").Inc()
		http.Error(w, "error", http.StatusGatewayTimeout)
		return
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		metrics.StreamErrors.WithLabelValues(sc.server.Name(), "upstream_status").Inc()
		logger.Warn("{proxy/server_channel - runStream} %s%s: upstream status %d", rid, sc, resp.StatusCode)
		http.Error(w, "error", resp.StatusCode)
		return
	}

	for _, h := range forwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(http.StatusOK)

	readTimeout := policy.StreamReadTimeout
	if readTimeout <= 0 {
		readTimeout = userTimeout
	}
	rl := relay.New(resp.Body, newResponseSink(w), relay.Options{
		Upstream:    sc.server.Name(),
		RequestID:   rid,
		ReadTimeout: readTimeout,
		UserTimeout: userTimeout,
		Touch:       sess.Touch,
		Clock:       sc.env.clock,
		Buffers:     sc.env.buffers,
	})
	if err := rl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("{proxy/server_channel - runStream} %s%s: relay ended: %v", rid, sc, err)
	}
}

// responseSink adapts an http.ResponseWriter to the relay, flushing every chunk.
type responseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	f, _ := w.(http.Flusher)
	return &responseSink{w: w, flusher: f}
}

func (s *responseSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err == nil && s.flusher != nil {
		s.flusher.Flush()
	}
	return n, err
}

func (s *responseSink) Close() error {
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
