package commands

import (
	"log/slog"
	"time"

	"github.com/jjoaquim/gemrelay/pkg/gemrelay/gemini"
	"github.com/jjoaquim/gemrelay/pkg/gemrelay/relay"
)

// newTransport builds the API client from the transport config. A proxy
// base URL takes precedence over the direct endpoint.
func newTransport(cfg *relay.Config, logger *slog.Logger) *gemini.Client {
	var opts []gemini.Option
	base := cfg.Transport.BaseURL
	if cfg.Transport.ProxyBaseURL != "" {
		base = cfg.Transport.ProxyBaseURL
	}
	if base != "" {
		opts = append(opts, gemini.WithBaseURL(base))
	}
	if cfg.Transport.TimeoutSeconds > 0 {
		opts = append(opts, gemini.WithTimeout(time.Duration(cfg.Transport.TimeoutSeconds)*time.Second))
	}
	opts = append(opts, gemini.WithLogger(logger))
	return gemini.NewClient(opts...)
}

// upstreamBase returns the URL the gateway's /v1beta/ proxy forwards to.
func upstreamBase(cfg *relay.Config) string {
	if cfg.Transport.ProxyBaseURL != "" {
		return cfg.Transport.ProxyBaseURL
	}
	if cfg.Transport.BaseURL != "" {
		return cfg.Transport.BaseURL
	}
	return "https://generativelanguage.googleapis.com"
}
