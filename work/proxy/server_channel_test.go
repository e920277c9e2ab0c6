package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"iptv-proxy/work/buffer"
	"iptv-proxy/work/client"
	"iptv-proxy/work/config"
	"iptv-proxy/work/hls"
	"iptv-proxy/work/upstream"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(clk clock.Clock) *streamEnv {
	return &streamEnv{
		clock:         clk,
		buffers:       buffer.NewBufferPool(4096),
		cacheTTL:      time.Minute,
		catchupParams: []string{"utc", "lutc"},
	}
}

func testServer(name, rawURL string, capacity int, mutate ...func(*config.ServerConfig)) *upstream.Server {
	group := &config.ServerConfig{
		Name:               name,
		ProxyStream:        true,
		FollowRedirects:    true,
		Info:               config.Budget{Timeout: time.Second},
		Catchup:            config.Budget{Timeout: time.Second},
		StreamStartTimeout: time.Second,
		VariantStrategy:    "first",
	}
	for _, m := range mutate {
		m(group)
	}
	hc := client.NewHeaderSettingClient(client.Options{FollowRedirects: true})
	return upstream.NewServer(name, group, config.ConnectionConfig{URL: rawURL, MaxConnections: capacity}, hc, nil)
}

func testChannel(id string, members ...*ServerChannel) *Channel {
	ch := &Channel{id: id, name: id}
	for _, m := range members {
		ch.addMember(m)
	}
	return ch
}

func bindUser(t *testing.T, ss *Sessions, user string, ch *Channel) *Session {
	t.Helper()
	s := ss.Acquire(user)
	sc := s.ServerChannel(ch)
	s.Unlock()
	require.NotNil(t, sc)
	return s
}

// countingUpstream serves fixed bodies by path and counts the requests per path.
type countingUpstream struct {
	*httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	bodies map[string]string
	delay  time.Duration
}

func newCountingUpstream(t *testing.T, bodies map[string]string) *countingUpstream {
	u := &countingUpstream{hits: map[string]int{}, bodies: bodies}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		body, ok := u.bodies[r.URL.Path]
		u.mu.Unlock()
		time.Sleep(u.delay)
		if !ok {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *countingUpstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func requestPlaylist(sc *ServerChannel, s *Session, query string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "http://proxy/news/channel.m3u8?t=tok"+query, nil)
	sc.Handle(rec, req, PlaylistPath, s, "tok", "http://proxy/news")
	return rec
}

const mediaPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.000,\nseg1.ts\n#EXTINF:4.000,\nseg2.ts\n#EXT-X-ENDLIST\n"

func TestServerChannel_FollowsNestedPlaylistOnce(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{
		"/news/master.m3u8":    "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n",
		"/news/low/index.m3u8": mediaPlaylist,
	})
	ss := NewSessions(clock.New())
	defer ss.Close()
	srv := testServer("a", up.URL, 1)
	sc := newServerChannel(srv, up.URL+"/news/master.m3u8", "news", "News", testEnv(clock.New()))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	rec := requestPlaylist(sc, s, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Equal(t, 1, up.count("/news/master.m3u8"))
	assert.Equal(t, 1, up.count("/news/low/index.m3u8"))

	body := rec.Body.String()
	seg1 := hls.SegmentPath(up.URL + "/news/low/seg1.ts")
	assert.Contains(t, body, "http://proxy/news/"+seg1+"?t=tok\n")
	assert.True(t, strings.HasSuffix(body, "#EXT-X-ENDLIST\n"))

	// served from the per-user cache
	rec = requestPlaylist(sc, s, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, up.count("/news/master.m3u8"))
	assert.Equal(t, 1, up.count("/news/low/index.m3u8"))
}

func TestServerChannel_CoalescesConcurrentLoads(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{"/news.m3u8": mediaPlaylist})
	up.delay = 100 * time.Millisecond
	ss := NewSessions(clock.New())
	defer ss.Close()
	sc := newServerChannel(testServer("a", up.URL, 1), up.URL+"/news.m3u8", "news", "News", testEnv(clock.New()))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if requestPlaylist(sc, s, "").Code == http.StatusOK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, 1, up.count("/news.m3u8"))
}

func TestServerChannel_SegmentLookupAndRelay(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{
		"/news.m3u8": mediaPlaylist,
		"/seg1.ts":   "segment-one",
	})
	ss := NewSessions(clock.New())
	defer ss.Close()
	sc := newServerChannel(testServer("a", up.URL, 1), up.URL+"/news.m3u8", "news", "News", testEnv(clock.New()))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	require.Equal(t, http.StatusOK, requestPlaylist(sc, s, "").Code)

	rec := httptest.NewRecorder()
	path := hls.SegmentPath(up.URL + "/seg1.ts")
	sc.Handle(rec, httptest.NewRequest("GET", "http://proxy/news/"+path+"?t=tok", nil), path, s, "tok", "http://proxy/news")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "segment-one", rec.Body.String())

	rec = httptest.NewRecorder()
	sc.Handle(rec, httptest.NewRequest("GET", "http://proxy/news/nope.ts?t=tok", nil), "nope.ts", s, "tok", "http://proxy/news")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// another user has no playlist state on this channel
	other := ss.Acquire("bob")
	other.Unlock()
	rec = httptest.NewRecorder()
	sc.Handle(rec, httptest.NewRequest("GET", "http://proxy/news/"+path+"?t=tok", nil), path, other, "tok", "http://proxy/news")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerChannel_FailureStartsCooldown(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{})
	mock := clock.NewMock()
	ss := NewSessions(mock)
	defer ss.Close()
	srv := testServer("a", up.URL, 1, func(g *config.ServerConfig) { g.ChannelFailed = 30 * time.Second })
	sc := newServerChannel(srv, up.URL+"/news.m3u8", "news", "News", testEnv(mock))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	rec := requestPlaylist(sc, s, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, sc.FailedUntil().Equal(mock.Now().Add(30*time.Second)))
	assert.Equal(t, 0, srv.Acquired())
	s.Lock()
	assert.Nil(t, s.BoundChannel())
	s.Unlock()

	assert.False(t, sc.Acquire("bob"))
	mock.Add(31 * time.Second)
	assert.True(t, sc.Acquire("bob"))
	sc.Release("bob")
}

func TestServerChannel_FailureWithoutCooldownKeepsBinding(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{})
	ss := NewSessions(clock.New())
	defer ss.Close()
	srv := testServer("a", up.URL, 1)
	sc := newServerChannel(srv, up.URL+"/news.m3u8", "news", "News", testEnv(clock.New()))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	assert.Equal(t, http.StatusInternalServerError, requestPlaylist(sc, s, "").Code)
	assert.True(t, sc.FailedUntil().IsZero())
	assert.Equal(t, 1, srv.Acquired())
}

func TestServerChannel_CatchupUsesOwnState(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{"/news.m3u8": mediaPlaylist})
	ss := NewSessions(clock.New())
	defer ss.Close()
	sc := newServerChannel(testServer("a", up.URL, 1), up.URL+"/news.m3u8", "news", "News", testEnv(clock.New()))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	require.Equal(t, http.StatusOK, requestPlaylist(sc, s, "").Code)
	require.Equal(t, http.StatusOK, requestPlaylist(sc, s, "&utc=1700000000").Code)
	assert.Equal(t, 2, up.count("/news.m3u8"))

	us, ok := sc.streams.Load("alice")
	require.True(t, ok)
	assert.True(t, us.catchup)
	assert.Equal(t, up.URL+"/news.m3u8?utc=1700000000", us.url)
}

func TestServerChannel_NonPlaylistRedirects(t *testing.T) {
	ss := NewSessions(clock.New())
	defer ss.Close()
	env := testEnv(clock.New())

	proxied := newServerChannel(testServer("a", "http://a/", 1), "http://a/live/123.ts", "news", "News", env)
	s := bindUser(t, ss, "alice", testChannel("news", proxied))
	rec := requestPlaylist(proxied, s, "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://proxy/news/?t=tok", rec.Header().Get("Location"))

	rec = requestPlaylist(proxied, s, "&utc=1700000000")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://proxy/news/?t=tok&utc=1700000000", rec.Header().Get("Location"))

	direct := newServerChannel(testServer("b", "http://b/", 1, func(g *config.ServerConfig) { g.ProxyStream = false }),
		"http://b/live/123.ts", "sport", "Sport", env)
	s = bindUser(t, ss, "bob", testChannel("sport", direct))
	rec = requestPlaylist(direct, s, "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://b/live/123.ts", rec.Header().Get("Location"))

	rec = requestPlaylist(direct, s, "&utc=1700000000")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://b/live/123.ts?utc=1700000000", rec.Header().Get("Location"))
}

func TestServerChannel_PlainM3ULinkIsNotParsed(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{"/live/123.m3u": "#EXTM3U\n"})
	ss := NewSessions(clock.New())
	defer ss.Close()
	sc := newServerChannel(testServer("a", up.URL, 1), up.URL+"/live/123.m3u", "news", "News", testEnv(clock.New()))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	rec := requestPlaylist(sc, s, "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://proxy/news/?t=tok", rec.Header().Get("Location"))
	assert.Equal(t, 0, up.count("/live/123.m3u"))
}

func TestServerChannel_PlaylistExtendsIdleDeadline(t *testing.T) {
	up := newCountingUpstream(t, map[string]string{
		"/news.m3u8": mediaPlaylist,
		"/seg1.ts":   "segment-one",
	})
	mock := clock.NewMock()
	ss := NewSessions(mock)
	defer ss.Close()
	sc := newServerChannel(testServer("a", up.URL, 1), up.URL+"/news.m3u8", "news", "News", testEnv(mock))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	// target duration 4s gives 4s*3+1s
	require.Equal(t, http.StatusOK, requestPlaylist(sc, s, "").Code)
	s.Lock()
	assert.True(t, s.ExpireTime().Equal(mock.Now().Add(13*time.Second)), "after playlist: %v", s.ExpireTime())
	s.Unlock()

	mock.Add(5 * time.Second)
	rec := httptest.NewRecorder()
	path := hls.SegmentPath(up.URL + "/seg1.ts")
	sc.Handle(rec, httptest.NewRequest("GET", "http://proxy/news/"+path+"?t=tok", nil), path, s, "tok", "http://proxy/news")
	require.Equal(t, http.StatusOK, rec.Code)
	s.Lock()
	assert.True(t, s.ExpireTime().Equal(mock.Now().Add(13*time.Second)), "after segment: %v", s.ExpireTime())
	s.Unlock()
}

// headerSignal reports the first WriteHeader call of a recorder.
type headerSignal struct {
	*httptest.ResponseRecorder
	once    sync.Once
	written chan struct{}
}

func (h *headerSignal) WriteHeader(code int) {
	h.ResponseRecorder.WriteHeader(code)
	h.once.Do(func() { close(h.written) })
}

func TestServerChannel_RelayWritesTouchSession(t *testing.T) {
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/news.m3u8":
			io.WriteString(w, mediaPlaylist)
		case "/seg1.ts":
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			select {
			case <-release:
				io.WriteString(w, "late-data")
			case <-r.Context().Done():
			}
		}
	}))
	defer up.Close()

	mock := clock.NewMock()
	ss := NewSessions(mock)
	defer ss.Close()
	sc := newServerChannel(testServer("a", up.URL, 1), up.URL+"/news.m3u8", "news", "News", testEnv(mock))
	s := bindUser(t, ss, "alice", testChannel("news", sc))
	require.Equal(t, http.StatusOK, requestPlaylist(sc, s, "").Code)

	rec := &headerSignal{ResponseRecorder: httptest.NewRecorder(), written: make(chan struct{})}
	path := hls.SegmentPath(up.URL + "/seg1.ts")
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc.Handle(rec, httptest.NewRequest("GET", "http://proxy/news/"+path+"?t=tok", nil), path, s, "tok", "http://proxy/news")
	}()

	select {
	case <-rec.written:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not start")
	}

	// still inside the deadline set by the segment request
	mock.Add(10 * time.Second)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}

	assert.Equal(t, "late-data", rec.Body.String())
	s.Lock()
	assert.True(t, s.ExpireTime().Equal(mock.Now().Add(13*time.Second)), "after write: %v", s.ExpireTime())
	s.Unlock()
}

func TestServerChannel_StreamStartTimeout(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
			io.WriteString(w, "too-late")
		case <-r.Context().Done():
		}
	}))
	defer up.Close()

	ss := NewSessions(clock.New())
	defer ss.Close()
	srv := testServer("a", up.URL, 1, func(g *config.ServerConfig) { g.StreamStartTimeout = 50 * time.Millisecond })
	sc := newServerChannel(srv, up.URL+"/live/123.ts", "news", "News", testEnv(clock.New()))
	s := bindUser(t, ss, "alice", testChannel("news", sc))

	start := time.Now()
	rec := httptest.NewRecorder()
	sc.Handle(rec, httptest.NewRequest("GET", "http://proxy/news/?t=tok", nil), "", s, "tok", "http://proxy/news")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
}
