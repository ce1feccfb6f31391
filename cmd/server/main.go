package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clusterdesk/clustercall/internal/config"
	"github.com/clusterdesk/clustercall/internal/handlers"
	"github.com/clusterdesk/clustercall/internal/push"
	"github.com/clusterdesk/clustercall/internal/relay"
	"github.com/clusterdesk/clustercall/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/acme/autocert"
	"gorm.io/gorm"
)

const AppVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP (no TLS); requires FRONTEND_URI for CORS")
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	cfg := config.Load(httpOnly)
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info(fmt.Sprintf("Clustercall Server v%s", AppVersion))

	if *httpOnly && cfg.FrontendURI == "" {
		logger.Error("FRONTEND_URI is required when --http-only is specified")
		return
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		return
	}
	if err := store.Migrate(db); err != nil {
		logger.Error("failed to migrate database", "error", err)
		return
	}

	calls := store.New(db)
	hub := relay.NewHub(logger)
	pusher := push.New(db, cfg.VAPIDKeys, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		bridge, err := relay.NewBridge(rdb, logger)
		if err != nil {
			logger.Error("failed to create relay bridge", "error", err)
			return
		}
		hub.SetBridge(bridge)
		go bridge.Run(ctx)
		logger.Info("relay bridge enabled", "redis", cfg.RedisAddr)
	}

	h := handlers.New(cfg, db, calls, hub, pusher, logger)

	// Waiting calls that nobody answers ring out into missed. The window and
	// sweep cadence are policy knobs from config.
	go ringSweeper(ctx, h, cfg.RingSweepInterval, logger)

	router := setupRouter(h, cfg, logger)
	startServer(router, cfg, *selfSigned, logger)
}

func ringSweeper(ctx context.Context, h *handlers.Handlers, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ExpireWaitingCalls(ctx)
		}
	}
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(slogGinLogger(logger), gin.Recovery())

	// CORS middleware (for web app)
	router.Use(func(c *gin.Context) {
		origin := "*"
		if cfg.HTTPOnly && cfg.FrontendURI != "" {
			origin = cfg.FrontendURI
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	api.GET("/push/vapid-key", h.GetVAPIDPublicKey)

	authed := api.Group("")
	authed.Use(h.AuthMiddleware())
	{
		authed.GET("/ice-config", h.GetICEConfig)
		authed.POST("/calls", h.StartCall)
		authed.GET("/calls/:call_id", h.GetCall)
		authed.POST("/calls/:call_id/join", h.JoinCall)
		authed.POST("/calls/:call_id/leave", h.LeaveCall)
		authed.POST("/calls/:call_id/cancel", h.CancelCall)
		authed.GET("/contexts/:context_type/:context_id/call", h.GetContextCall)
		authed.POST("/push/subscribe", h.SubscribePush)
		authed.POST("/push/unsubscribe", h.UnsubscribePush)
		authed.GET("/ws", h.HandleWebSocket)
	}

	return router
}

func startServer(router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) {
	if cfg.HTTPOnly {
		startHTTP(router, cfg, logger)
		return
	}
	if selfSigned {
		startSelfSignedHTTPS(router, cfg, logger)
		return
	}
	startAutocertHTTPS(router, cfg, logger)
}

func startHTTP(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("Starting HTTP server", "port", cfg.HTTPPort)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Failed to start HTTP server", "error", err)
	}
}

func startAutocertHTTPS(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	certsDir := certsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("Failed to create certs directory", "error", err)
		return
	}

	domain := normalizeDomain(cfg.Domain)
	logger.Info(fmt.Sprintf("Configured domain: %s (normalized: %s)", cfg.Domain, domain))
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost. Use --self-signed for local development.")
	}

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				// Reject quietly to avoid log spam from scanners.
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	// Port 80 answers ACME challenges and redirects everything else.
	httpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			m.HTTPHandler(nil).ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})

	go func() {
		httpServer := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      httpHandler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logger.Info(fmt.Sprintf("HTTP server (ACME challenge & redirects) starting on port %s", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start HTTP server", "error", err)
			os.Exit(1)
		}
	}()

	httpsServer := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    m.TLSConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info(fmt.Sprintf("HTTPS server starting on port %s for domain: %s", cfg.HTTPSPort, domain))
	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Failed to start HTTPS server", "error", err)
	}
}

func certsDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "certs"
	}
	return filepath.Join(filepath.Dir(execPath), "certs")
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
