package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"iptv-proxy/work/buffer"
	"iptv-proxy/work/cache"
	"iptv-proxy/work/config"
	"iptv-proxy/work/handlers"
	"iptv-proxy/work/logger"
	"iptv-proxy/work/proxy"
	"iptv-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

const shutdownTimeout = 10 * time.Second

// our main app worker
func main() {
	arg := ""
	if len(os.Args) > 1 {
		arg = os.Args[1]
	}

	// load our config
	path := config.ResolvePath(arg)
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("{main - main} failed to load config %s: %v", path, err)
		os.Exit(1)
	}
	logger.SetLogLevel(cfg.LogLevel)

	// Initialize buffer pool
	bufferPool := buffer.NewBufferPool(cfg.RelayBufferSize * 1024)

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main - main} failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	// Initialize cache
	playlistCache := cache.NewCache(cfg.PlaylistCacheTTL)

	// Create proxy instance
	proxyInstance, err := proxy.New(cfg, workerPool, bufferPool, playlistCache, clock.New())
	if err != nil {
		logger.Error("{main - main} failed to create proxy: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start registry refresh routine
	proxyInstance.Start(ctx)

	// Setup HTTP routes; the admin API goes first so the channel catch-all
	// does not swallow /api paths
	router := mux.NewRouter()
	setupAdminRoutes(router, proxyInstance)
	handlers.Register(router, proxyInstance)

	// show info
	logger.Info("{main - main} starting IPTV proxy %s", Version)
	logger.Info("{main - main} server configuration:")
	logger.Info("{main - main}   - Config: %s", path)
	logger.Info("{main - main}   - Listen: %s", cfg.Addr())
	logger.Info("{main - main}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - main}   - Server Groups: %d", len(cfg.Servers))
	logger.Info("{main - main}   - Relay Chunk Size: %s", utils.FormatBytes(int64(bufferPool.Size())))
	logger.Info("{main - main}   - Playlist Cache: %s", cfg.PlaylistCacheTTL)
	logger.Info("{main - main}   - Refresh Interval: %s (retry %s)", cfg.RefreshInterval, cfg.RefreshRetryInterval)
	logger.Info("{main - main}   - Anonymous Users: %v", cfg.AllowAnonymous)
	logger.Info("{main - main}   - Log Level: %s", logger.GetLogLevel())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// shut down cleanly once a signal arrives
	go func() {
		<-ctx.Done()
		logger.Info("{main - main} shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("{main - main} http shutdown: %v", err)
		}
	}()

	// fire us up
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("{main - main} server failed: %v", err)
		proxyInstance.Stop()
		os.Exit(1)
	}

	proxyInstance.Stop()
	logger.Info("{main - main} stopped")
}
