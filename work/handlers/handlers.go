package handlers

import (
	"net/http"

	"iptv-proxy/work/middleware"
	"iptv-proxy/work/proxy"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HandlePlaylist serves the merged playlist to an anonymous user.
func HandlePlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp.GeneratePlaylist(w, r, "")
	}
}

// HandleUserPlaylist serves the merged playlist to the user named in the path.
func HandleUserPlaylist(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp.GeneratePlaylist(w, r, mux.Vars(r)["user"])
	}
}

func HandleEPG(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp.ServeEPG(w, r)
	}
}

// HandleChannel serves channel.m3u8, segments and the direct stream path.
func HandleChannel(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		sp.HandleChannel(w, r, vars["channel"], vars["path"])
	}
}

// Register adds the public routes. The channel route matches any two-level
// path, so routes registered on the router afterwards are shadowed by it.
func Register(router *mux.Router, sp *proxy.StreamProxy) {
	router.HandleFunc("/m3u", middleware.GzipMiddleware(HandlePlaylist(sp))).Methods("GET", "HEAD")
	router.HandleFunc("/m3u/{user}", middleware.GzipMiddleware(HandleUserPlaylist(sp))).Methods("GET", "HEAD")
	router.HandleFunc("/epg.xml.gz", HandleEPG(sp)).Methods("GET", "HEAD")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/{channel}/{path:.*}", HandleChannel(sp)).Methods("GET", "HEAD")
}
