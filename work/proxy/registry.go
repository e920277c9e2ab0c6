package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"iptv-proxy/work/client"
	"iptv-proxy/work/config"
	"iptv-proxy/work/fetcher"
	"iptv-proxy/work/filter"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/metrics"
	"iptv-proxy/work/parser"
	"iptv-proxy/work/upstream"
	"iptv-proxy/work/utils"
	"iptv-proxy/work/xmltv"

	"github.com/panjf2000/ants/v2"
)

// ErrNoServers is returned when the configuration names no upstream groups.
var ErrNoServers = errors.New("proxy: no servers configured")

// serverGroup is one configured provider and its connections.
type serverGroup struct {
	cfg     *config.ServerConfig
	client  *client.HeaderSettingClient
	servers []*upstream.Server
	filter  *filter.CompiledFilter
}

// snapshot is one published generation of the registry. It is never modified
// after it has been stored.
type snapshot struct {
	channels map[string]*Channel
	ordered  []*Channel
	byURL    map[string]*ServerChannel
	epg      []byte
	builtAt  time.Time
}

// Registry owns the channel map and rebuilds it from the upstream playlists.
type Registry struct {
	cfg     *config.Config
	groups  []*serverGroup
	pool    *ants.Pool
	env     *streamEnv
	current atomic.Pointer[snapshot]

	// refreshMu serializes refreshes; lastEPG is only used under it
	refreshMu sync.Mutex
	lastEPG   map[string][]byte

	onPublish func()
}

// NewRegistry creates the upstream servers of every group. Servers live as long
// as the registry so slot accounting survives refreshes.
func NewRegistry(cfg *config.Config, pool *ants.Pool, env *streamEnv, filters *filter.FilterManager) (*Registry, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}

	r := &Registry{
		cfg:     cfg,
		pool:    pool,
		env:     env,
		lastEPG: map[string][]byte{},
	}
	for i := range cfg.Servers {
		sc := &cfg.Servers[i]
		g := &serverGroup{
			cfg: sc,
			client: client.NewHeaderSettingClient(client.Options{
				UserAgent:       sc.UserAgent,
				FollowRedirects: sc.FollowRedirects,
			}),
			filter: filters.GetOrCreateFilter(sc),
		}
		limiter := upstream.NewLimiter(sc.RequestsPerSecond)
		for j, conn := range sc.Connections {
			name := sc.Name
			if len(sc.Connections) > 1 {
				name = fmt.Sprintf("%s-%d", sc.Name, j+1)
			}
			g.servers = append(g.servers, upstream.NewServer(name, sc, conn, g.client, limiter))
		}
		r.groups = append(r.groups, g)
	}
	return r, nil
}

// Servers lists every upstream server.
func (r *Registry) Servers() []*upstream.Server {
	var out []*upstream.Server
	for _, g := range r.groups {
		out = append(out, g.servers...)
	}
	return out
}

// Channel returns the published channel with id, or nil.
func (r *Registry) Channel(id string) *Channel {
	if s := r.current.Load(); s != nil {
		return s.channels[id]
	}
	return nil
}

// Channels returns the published channels in playlist order.
func (r *Registry) Channels() []*Channel {
	if s := r.current.Load(); s != nil {
		return s.ordered
	}
	return nil
}

// EPG returns the published gzip guide, or nil when there is none.
func (r *Registry) EPG() []byte {
	if s := r.current.Load(); s != nil {
		return s.epg
	}
	return nil
}

// BuiltAt returns when the published registry was built.
func (r *Registry) BuiltAt() time.Time {
	if s := r.current.Load(); s != nil {
		return s.builtAt
	}
	return time.Time{}
}

// Run refreshes the registry until ctx is done, waiting the long interval after
// a success and the short one after a failure.
func (r *Registry) Run(ctx context.Context) {
	for {
		delay := r.cfg.RefreshInterval
		if err := r.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("{proxy/registry - Run} refresh failed: %v, retrying in %v", err, r.cfg.RefreshRetryInterval)
			delay = r.cfg.RefreshRetryInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-r.env.clock.After(delay):
		}
	}
}

// downloads holds the raw documents of one refresh, indexed like r.groups.
type downloads struct {
	playlists [][]string
	guides    [][]byte
}

// Refresh downloads every playlist and guide, rebuilds the channel map and
// publishes it. Any playlist failure aborts the refresh and keeps the current map.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	start := time.Now()
	logger.Info("{proxy/registry - Refresh} refreshing %d server groups", len(r.groups))

	dl, err := r.download(ctx)
	if err != nil {
		metrics.RegistryRefreshes.WithLabelValues("failed").Inc()
		return err
	}

	next, err := r.build(dl)
	if err != nil {
		metrics.RegistryRefreshes.WithLabelValues("failed").Inc()
		return err
	}

	r.current.Store(next)
	metrics.RegistryRefreshes.WithLabelValues("ok").Inc()
	metrics.Channels.Set(float64(len(next.ordered)))
	logger.Info("{proxy/registry - Refresh} published %d channels in %v", len(next.ordered), time.Since(start).Round(time.Millisecond))

	if r.onPublish != nil {
		r.onPublish()
	}
	return nil
}

// download fetches all playlists and guides concurrently on the worker pool.
func (r *Registry) download(ctx context.Context) (*downloads, error) {
	dl := &downloads{
		playlists: make([][]string, len(r.groups)),
		guides:    make([][]byte, len(r.groups)),
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var errs []error
	fail := func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	submit := func(task func()) {
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			task()
		}); err != nil {
			wg.Done()
			fail(fmt.Errorf("submit refresh task: %w", err))
		}
	}

	for gi, g := range r.groups {
		dl.playlists[gi] = make([]string, len(g.servers))
		playlists := fetcher.Strings("playlist", g.client, r.cfg.Channels)
		for si, s := range g.servers {
			submit(func() {
				text, err := playlists.Fetch(ctx, s.Name()+" playlist", s.URL(), s.Preparer(""))
				if err != nil {
					fail(fmt.Errorf("server %s: %w", s.Name(), err))
					return
				}
				dl.playlists[gi][si] = text
			})
		}

		if g.cfg.XmltvURL != "" {
			guides := fetcher.Bytes("xmltv", g.client, r.cfg.Xmltv)
			submit(func() {
				data, err := guides.Fetch(ctx, g.cfg.Name+" xmltv", g.cfg.XmltvURL, g.servers[0].Preparer(""))
				if err != nil {
					logger.Warn("{proxy/registry - download} %s: guide unavailable: %v", g.cfg.Name, err)
					return
				}
				dl.guides[gi] = data
			})
		}
	}
	wg.Wait()

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return dl, nil
}

// guideFor parses the group's fresh guide, falling back to the last good one.
func (r *Registry) guideFor(g *serverGroup, data []byte) *xmltv.Document {
	if data != nil {
		doc, err := xmltv.Parse(data)
		if err == nil {
			r.lastEPG[g.cfg.Name] = data
			return doc
		}
		logger.Warn("{proxy/registry - guideFor} %s: bad guide: %v", g.cfg.Name, err)
	}
	if last := r.lastEPG[g.cfg.Name]; last != nil {
		logger.Info("{proxy/registry - guideFor} %s: using last good guide", g.cfg.Name)
		doc, err := xmltv.Parse(last)
		if err == nil {
			return doc
		}
	}
	return nil
}

// build turns the downloads into a new snapshot. Server channels of the current
// snapshot are reused when the same server still lists the same URL for the
// same channel, so bound users keep their state.
func (r *Registry) build(dl *downloads) (*snapshot, error) {
	old := r.current.Load()
	next := &snapshot{
		channels: map[string]*Channel{},
		byURL:    map[string]*ServerChannel{},
		builtAt:  r.env.clock.Now(),
	}
	var parts []xmltv.Part

	for gi, g := range r.groups {
		guide := r.guideFor(g, dl.guides[gi])
		var index *xmltv.Index
		if guide != nil {
			index = guide.Index()
		}
		mapping := map[string]string{}

		for si, s := range g.servers {
			pl, err := parser.Parse(dl.playlists[gi][si])
			if err != nil {
				return nil, fmt.Errorf("server %s: %w", s.Name(), err)
			}
			entries := filter.FilterEntries(pl.Entries, g.filter)
			logger.Debug("{proxy/registry - build} %s: %d channels", s.Name(), len(entries))

			for _, e := range entries {
				key := e.Name
				epgID, resolved := index.Resolve(e.Attributes["tvg-id"], e.Attributes["tvg-name"], e.Name)
				if resolved {
					key = "epg:" + epgID
				}
				id := utils.Digest(g.cfg.Provider, key)

				ch := next.channels[id]
				if ch == nil {
					ch = &Channel{
						id:          id,
						name:        e.Name,
						logo:        e.Attributes["tvg-logo"],
						groups:      e.Groups,
						catchupDays: e.Attributes["catchup-days"],
					}
					next.channels[id] = ch
					next.ordered = append(next.ordered, ch)
				}
				if resolved {
					ch.epgID = id
					mapping[epgID] = id
				}

				scKey := s.Name() + "\x00" + e.URL
				sc := next.byURL[scKey]
				if sc == nil && old != nil {
					if prev := old.byURL[scKey]; prev != nil && prev.channelID == id {
						sc = prev
					}
				}
				if sc == nil {
					sc = newServerChannel(s, e.URL, id, e.Name, r.env)
				}
				next.byURL[scKey] = sc
				ch.addMember(sc)
			}
		}

		if guide != nil && len(mapping) > 0 {
			parts = append(parts, xmltv.Part{Doc: guide, IDs: mapping})
		}
	}

	if r.cfg.SortChannels {
		sort.SliceStable(next.ordered, func(i, j int) bool {
			return strings.ToLower(next.ordered[i].name) < strings.ToLower(next.ordered[j].name)
		})
	}

	if len(parts) > 0 {
		merged := xmltv.Merge(parts)
		data, err := merged.WriteGzip()
		if err != nil {
			logger.Error("{proxy/registry - build} writing guide: %v", err)
		} else {
			next.epg = data
			channels, programmes := merged.Counts()
			logger.Info("{proxy/registry - build} guide has %d channels and %d programmes", channels, programmes)
		}
	}
	if next.epg == nil && old != nil && old.epg != nil {
		next.epg = old.epg
	}

	return next, nil
}
