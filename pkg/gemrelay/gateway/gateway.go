// Package gateway exposes the relay over HTTP: chat endpoints with SSE
// streaming, health inspection, key validation, and a transparent
// /v1beta/ reverse proxy that injects the active pool credential.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// Gateway is the HTTP front of the relay service.
type Gateway struct {
	service   *relay.Service
	validator *relay.Validator
	config    relay.GatewayConfig
	proxyBase string
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway. validator may be nil when background probing is
// disabled; proxyBase is the upstream the /v1beta/ proxy forwards to.
func New(service *relay.Service, validator *relay.Validator, cfg relay.GatewayConfig, proxyBase string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8790"
	}
	return &Gateway{
		service:   service,
		validator: validator,
		config:    cfg,
		proxyBase: proxyBase,
		logger:    logger.With("component", "gateway"),
	}
}

// Start begins serving. It returns immediately; errors from the listener
// are logged.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	mux := http.NewServeMux()

	// Liveness (always public)
	mux.HandleFunc("/health", g.handleLiveness)

	// API routes
	mux.HandleFunc("/api/chat", g.handleChat)
	mux.HandleFunc("/api/chat/", g.handleChatByID)
	mux.HandleFunc("/api/chat/batch", g.handleChatBatch)
	mux.HandleFunc("/api/health", g.handleHealth)
	mux.HandleFunc("/api/keys/validate", g.handleValidateKeys)

	// Transparent upstream proxy with credential injection.
	mux.Handle("/v1beta/", g.proxyHandler())

	handler := g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
	g.server = &http.Server{
		Addr:    g.config.Address,
		Handler: handler,
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && host != "localhost" {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address; anyone on the network can use your API keys",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}
