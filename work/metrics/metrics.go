package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveConnections tracks the connection slots currently held per upstream server.
// This metric is a gauge, meaning it goes up on acquire and down on release.
var ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "iptv_proxy_active_connections",
	Help: "Number of acquired upstream connection slots",
}, []string{"upstream"})

// BytesTransferred tracks the total number of bytes relayed per upstream server.
// The "direction" label distinguishes bytes read from the upstream and bytes written to clients.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"upstream", "direction"})

// StreamErrors counts the number of stream-related errors per upstream server.
// The "error_type" label allows categorization (e.g. read_timeout, upstream_status, client_write).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_stream_errors",
	Help: "Number of stream errors",
}, []string{"upstream", "error_type"})

// ClientsConnected tracks the number of live user sessions.
var ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_proxy_clients_connected",
	Help: "Number of user sessions",
})

// FetchAttempts counts upstream fetch attempts by kind and result.
var FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_fetch_attempts",
	Help: "Upstream fetch attempts",
}, []string{"kind", "result"})

// RegistryRefreshes counts channel registry refreshes by result.
var RegistryRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_proxy_registry_refreshes",
	Help: "Channel registry refreshes",
}, []string{"result"})

// Channels tracks the number of channels in the published registry.
var Channels = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_proxy_channels",
	Help: "Number of published channels",
})
