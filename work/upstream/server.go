// Package upstream models one upstream connection: its slot accounting and the
// policy used when talking to it.
package upstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"iptv-proxy/work/client"
	"iptv-proxy/work/config"
	"iptv-proxy/work/metrics"

	"go.uber.org/ratelimit"
)

// ProxyUserHeader carries the user id to chained proxies when SendUser is set.
const ProxyUserHeader = "iptv-proxy-user"

// Policy is the per-group behaviour shared by every connection of a provider.
type Policy struct {
	SendUser           bool
	ProxyStream        bool
	ChannelFailed      time.Duration
	Info               config.Budget
	Catchup            config.Budget
	StreamStartTimeout time.Duration
	StreamReadTimeout  time.Duration
	VariantStrategy    string
}

// Server is one upstream connection with a fixed number of slots.
// The acquired count never exceeds the capacity and never drops below zero.
type Server struct {
	name     string
	group    string
	url      string
	login    string
	password string
	capacity int
	policy   Policy
	client   *client.HeaderSettingClient
	limiter  ratelimit.Limiter

	mu       sync.Mutex
	acquired int
}

// NewServer creates a connection from its group configuration.
// The client and limiter are shared by all connections of the group.
func NewServer(name string, group *config.ServerConfig, conn config.ConnectionConfig,
	hc *client.HeaderSettingClient, limiter ratelimit.Limiter) *Server {
	if limiter == nil {
		limiter = ratelimit.NewUnlimited()
	}
	return &Server{
		name:     name,
		group:    group.Name,
		url:      conn.URL,
		login:    conn.Login,
		password: conn.Password,
		capacity: conn.MaxConnections,
		client:   hc,
		limiter:  limiter,
		policy: Policy{
			SendUser:           group.SendUser,
			ProxyStream:        group.ProxyStream,
			ChannelFailed:      group.ChannelFailed,
			Info:               group.Info,
			Catchup:            group.Catchup,
			StreamStartTimeout: group.StreamStartTimeout,
			StreamReadTimeout:  group.StreamReadTimeout,
			VariantStrategy:    group.VariantStrategy,
		},
	}
}

// NewLimiter builds the request limiter for a group; zero means unlimited.
func NewLimiter(requestsPerSecond int) ratelimit.Limiter {
	if requestsPerSecond <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(requestsPerSecond)
}

func (s *Server) Name() string                        { return s.name }
func (s *Server) Group() string                       { return s.group }
func (s *Server) URL() string                         { return s.url }
func (s *Server) Capacity() int                       { return s.capacity }
func (s *Server) Policy() Policy                      { return s.policy }
func (s *Server) Client() *client.HeaderSettingClient { return s.client }

// Acquire takes a slot if one is free. There is no queueing.
func (s *Server) Acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired >= s.capacity {
		return false
	}
	s.acquired++
	metrics.ActiveConnections.WithLabelValues(s.name).Set(float64(s.acquired))
	return true
}

// Release frees a slot; releasing an idle server is a no-op.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired > 0 {
		s.acquired--
		metrics.ActiveConnections.WithLabelValues(s.name).Set(float64(s.acquired))
	}
}

// Acquired returns the number of slots in use.
func (s *Server) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

// Prepare sets credentials and the user header on an outgoing request.
func (s *Server) Prepare(req *http.Request, userID string) {
	if s.login != "" && s.password != "" {
		req.SetBasicAuth(s.login, s.password)
	}
	if s.policy.SendUser && userID != "" {
		req.Header.Set(ProxyUserHeader, userID)
	}
}

// Preparer returns a request hook for the fetcher that waits on the group's
// rate limiter before applying Prepare.
func (s *Server) Preparer(userID string) func(*http.Request) {
	return func(req *http.Request) {
		s.limiter.Take()
		s.Prepare(req, userID)
	}
}

// NewRequest builds a prepared GET against url.
func (s *Server) NewRequest(ctx context.Context, url, userID string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	s.Prepare(req, userID)
	return req, nil
}
