package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/depot/badge"
	"github.com/InsulaLabs/depot/cas"
	"github.com/InsulaLabs/depot/catalog"
	"github.com/InsulaLabs/depot/config"
	"github.com/InsulaLabs/depot/ingest"
	"github.com/InsulaLabs/depot/license"
	"github.com/InsulaLabs/depot/metrics"
	"github.com/InsulaLabs/depot/registry"
	"github.com/InsulaLabs/depot/replication"
	"github.com/fatih/color"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	categoryPublic   = "public"
	categoryInternal = "internal"
)

var (
	StagingSweepInterval = 10 * time.Minute
	StagingMaxAge        = time.Hour
)

type Settings struct {
	Ctx      context.Context
	Logger   *slog.Logger
	Config   *config.Cluster
	NodeID   string
	Identity badge.Badge

	Store    *cas.Store
	Catalog  *catalog.Catalog
	Registry registry.Registry
	Ingest   *ingest.Pipeline
	Fetcher  *replication.Fetcher
	Internal *replication.Handler
	Gate     *license.Gate
	Metrics  *metrics.Metrics

	// RegistryHandler and LicenseHandler are set on the node that hosts the
	// location registry and the license records.
	RegistryHandler *registry.Handler
	LicenseHandler  *license.StoreHandler
}

// Core is the HTTP face of one depot node.
type Core struct {
	appCtx   context.Context
	cfg      *config.Cluster
	nodeID   string
	nodeCfg  config.Node
	logger   *slog.Logger
	identity badge.Badge

	store    *cas.Store
	catalog  *catalog.Catalog
	registry registry.Registry
	ingest   *ingest.Pipeline
	fetcher  *replication.Fetcher
	internal *replication.Handler
	gate     *license.Gate
	metrics  *metrics.Metrics
	regHost  *registry.Handler
	licHost  *license.StoreHandler

	mux       *http.ServeMux
	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
}

func New(s Settings) (*Core, error) {
	nodeCfg, ok := s.Config.Nodes[s.NodeID]
	if !ok {
		return nil, fmt.Errorf("node %s is not in the cluster config", s.NodeID)
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := s.Logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	if rl := s.Config.RateLimiters.Public; rl.Limit > 0 {
		rateLimiters[categoryPublic] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'public'", "limit", rl.Limit, "burst", rl.Burst)
	}
	if rl := s.Config.RateLimiters.Internal; rl.Limit > 0 {
		rateLimiters[categoryInternal] = makeCategoryRateLimiter()
		rlLogger.Info("Initialized rate limiter for 'internal'", "limit", rl.Limit, "burst", rl.Burst)
	}

	c := &Core{
		appCtx:       s.Ctx,
		cfg:          s.Config,
		nodeID:       s.NodeID,
		nodeCfg:      nodeCfg,
		logger:       s.Logger,
		identity:     s.Identity,
		store:        s.Store,
		catalog:      s.Catalog,
		registry:     s.Registry,
		ingest:       s.Ingest,
		fetcher:      s.Fetcher,
		internal:     s.Internal,
		gate:         s.Gate,
		metrics:      s.Metrics,
		regHost:      s.RegistryHandler,
		licHost:      s.LicenseHandler,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
	}
	c.routes()
	return c, nil
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}

	trusted := make(map[string]struct{})
	for _, proxy := range c.cfg.TrustedProxies {
		trusted[proxy] = struct{}{}
	}

	if _, ok := trusted[remoteIP]; ok {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
	}
	return remoteIP
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		return nil
	}
	ip := c.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := c.cfg.RateLimiters.Public
		if category == categoryInternal {
			rlConfig = c.cfg.RateLimiters.Internal
		}
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		// If there's a delay, the request is rate-limited.
		if delay := res.Delay(); delay > 0 {
			// We're not proceeding, so cancel the reservation to return the token.
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Ceil(delay.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *Core) public(h http.HandlerFunc) http.Handler {
	return c.rateLimitMiddleware(h, categoryPublic)
}

func (c *Core) internalOnly(h http.Handler) http.Handler {
	return c.rateLimitMiddleware(h, categoryInternal)
}

func (c *Core) routes() {
	// Public API
	c.mux.Handle("POST /api/v1/assets", c.rateLimitMiddleware(c.ingest, categoryPublic))
	c.mux.Handle("GET /api/v1/assets/{id}", c.public(c.getAssetHandler))
	c.mux.Handle("GET /api/v1/assets/{id}/meta", c.public(c.assetMetaHandler))
	c.mux.Handle("POST /api/v1/licenses/{id}", c.public(c.issueLicenseHandler))
	c.mux.Handle("GET /api/v1/ping", c.public(c.pingHandler))

	// Node to node
	c.mux.Handle(replication.Pattern, c.internalOnly(c.internal))
	if c.regHost != nil {
		c.regHost.Register(c.mux, c.internalOnly)
	}
	if c.licHost != nil {
		c.licHost.Register(c.mux, c.internalOnly)
	}

	c.mux.Handle("GET /metrics", c.metrics.Handler())
}

// Handler returns the node's routes, mostly for tests.
func (c *Core) Handler() http.Handler {
	return c.mux
}

// Run serves until the app context is cancelled.
func (c *Core) Run() {
	httpListenAddr := c.nodeCfg.HttpBinding
	useTLS := c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""
	c.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", useTLS)

	srv := &http.Server{
		Addr:              httpListenAddr,
		Handler:           c.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	go c.stagingSweeper()

	c.startedAt = time.Now()

	if useTLS {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.TLS.Cert, "key", c.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if err := srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key); err != http.ErrServerClosed {
			c.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		color.HiYellow("node %s serving plain HTTP on %s", c.nodeID, httpListenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", "error", err)
		}
	}

	c.logger.Info("Waiting for server to stop - this may take a moment")
	c.stopRateLimiters()

	c.logger.Info("Server stopped")
}

func (c *Core) stopRateLimiters() {
	stopWg := sync.WaitGroup{}
	for _, limiter := range c.rateLimiters {
		stopWg.Add(1)
		go func() {
			defer stopWg.Done()
			limiter.Stop()
		}()
	}
	stopWg.Wait()
}

// stagingSweeper removes staging files orphaned by a crash, once at
// startup and then periodically.
func (c *Core) stagingSweeper() {
	sweep := func() {
		n, err := c.store.SweepStaging(StagingMaxAge)
		if err != nil {
			c.logger.Error("Could not sweep staging directory", "error", err)
			return
		}
		if n > 0 && c.metrics != nil {
			c.metrics.Add(c.metrics.StagingSwept, float64(n))
		}
	}

	sweep()
	for {
		select {
		case <-c.appCtx.Done():
			return
		case <-time.After(StagingSweepInterval):
			sweep()
		}
	}
}
