package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"iptv-proxy/work/config"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/middleware"
	"iptv-proxy/work/proxy"
	"iptv-proxy/work/utils"

	"github.com/gorilla/mux"
)

// StatsResponse is the overview returned by GET /api/stats.
type StatsResponse struct {
	TotalChannels       int    `json:"totalChannels"`
	TotalUpstreams      int    `json:"totalUpstreams"`
	UpstreamConnections int    `json:"upstreamConnections"`
	UpstreamCapacity    int    `json:"upstreamCapacity"`
	ActiveSessions      int    `json:"activeSessions"`
	HasEPG              bool   `json:"hasEpg"`
	LastRefresh         string `json:"lastRefresh,omitempty"`
	Uptime              string `json:"uptime"`
	MemoryUsage         string `json:"memoryUsage"`
	WorkerThreads       int    `json:"workerThreads"`
	RunningWorkers      int    `json:"runningWorkers"`
	LogLevel            string `json:"logLevel"`
}

// UpstreamResponse describes one upstream connection and its slot usage.
type UpstreamResponse struct {
	Name     string `json:"name"`
	Group    string `json:"group"`
	URL      string `json:"url"`
	Acquired int    `json:"acquired"`
	Capacity int    `json:"capacity"`
}

// ChannelResponse describes a published channel and the upstreams carrying it.
type ChannelResponse struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Groups  []string        `json:"groups"`
	EpgID   string          `json:"epgId,omitempty"`
	Sources []ChannelSource `json:"sources"`
}

// ChannelSource is one upstream copy of a channel.
type ChannelSource struct {
	Upstream    string     `json:"upstream"`
	URL         string     `json:"url"`
	FailedUntil *time.Time `json:"failedUntil,omitempty"`
}

var adminStartTime = time.Now()

// setupAdminRoutes registers the JSON admin API. It has to run before
// handlers.Register so the channel catch-all does not shadow /api paths.
func setupAdminRoutes(router *mux.Router, sp *proxy.StreamProxy) {
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", corsMiddleware(middleware.GzipMiddleware(handleGetStats(sp)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/upstreams", corsMiddleware(middleware.GzipMiddleware(handleGetUpstreams(sp)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/upstreams/{group}", corsMiddleware(middleware.GzipMiddleware(handleGetUpstreamGroup(sp)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions", corsMiddleware(middleware.GzipMiddleware(handleGetSessions(sp)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/channels", corsMiddleware(middleware.GzipMiddleware(handleGetChannels(sp)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/refresh", corsMiddleware(handleRefresh(sp))).Methods("POST", "OPTIONS")
}

// corsMiddleware adds CORS headers and answers preflight requests.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/admin - writeJSON} failed to encode response: %v", err)
	}
}

func handleGetStats(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		servers := sp.Registry.Servers()
		acquired, capacity := 0, 0
		for _, s := range servers {
			acquired += s.Acquired()
			capacity += s.Capacity()
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		stats := StatsResponse{
			TotalChannels:       len(sp.Registry.Channels()),
			TotalUpstreams:      len(servers),
			UpstreamConnections: acquired,
			UpstreamCapacity:    capacity,
			ActiveSessions:      sp.Sessions.Len(),
			HasEPG:              sp.Registry.EPG() != nil,
			Uptime:              formatDuration(time.Since(adminStartTime)),
			MemoryUsage:         utils.FormatBytes(int64(m.Alloc)),
			WorkerThreads:       sp.Config.WorkerThreads,
			LogLevel:            logger.GetLogLevel(),
		}
		if built := sp.Registry.BuiltAt(); !built.IsZero() {
			stats.LastRefresh = built.Format(time.RFC3339)
		}
		if sp.WorkerPool != nil {
			stats.RunningWorkers = sp.WorkerPool.Running()
		}
		writeJSON(w, stats)
	}
}

func handleGetUpstreams(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, upstreamsOf(sp, ""))
	}
}

// handleGetUpstreamGroup lists the connections of one configured group.
func handleGetUpstreamGroup(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["group"]
		if sp.Config.GetServerByName(name) == nil {
			http.Error(w, "unknown upstream group", http.StatusNotFound)
			return
		}
		writeJSON(w, upstreamsOf(sp, name))
	}
}

// upstreamsOf describes the connections of group, or of every group when empty.
func upstreamsOf(sp *proxy.StreamProxy, group string) []UpstreamResponse {
	servers := sp.Registry.Servers()
	out := make([]UpstreamResponse, 0, len(servers))
	for _, s := range servers {
		if group != "" && s.Group() != group {
			continue
		}
		out = append(out, UpstreamResponse{
			Name:     s.Name(),
			Group:    s.Group(),
			URL:      config.ObfuscateURL(s.URL()),
			Acquired: s.Acquired(),
			Capacity: s.Capacity(),
		})
	}
	return out
}

func handleGetSessions(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := sp.Sessions.Snapshot()
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].User < sessions[j].User })
		writeJSON(w, sessions)
	}
}

func handleGetChannels(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		channels := sp.Registry.Channels()
		out := make([]ChannelResponse, 0, len(channels))
		for _, ch := range channels {
			resp := ChannelResponse{
				ID:     ch.ID(),
				Name:   ch.Name(),
				Groups: ch.Groups(),
				EpgID:  ch.EpgID(),
			}
			for _, sc := range ch.Members() {
				src := ChannelSource{
					Upstream: sc.Server().Name(),
					URL:      config.ObfuscateURL(sc.URL()),
				}
				if until := sc.FailedUntil(); until.After(now) {
					src.FailedUntil = &until
				}
				resp.Sources = append(resp.Sources, src)
			}
			out = append(out, resp)
		}
		writeJSON(w, out)
	}
}

// handleRefresh rebuilds the registry immediately instead of waiting for the
// next scheduled refresh.
func handleRefresh(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Info("{main/admin - handleRefresh} refresh requested via admin API")
		if err := sp.Registry.Refresh(r.Context()); err != nil {
			logger.Error("{main/admin - handleRefresh} refresh failed: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, map[string]int{"channels": len(sp.Registry.Channels())})
	}
}

// formatDuration renders an uptime as its two most significant units.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
