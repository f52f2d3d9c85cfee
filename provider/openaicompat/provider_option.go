package openaicompat

import (
	"log/slog"
	"net/http"
)

// StreamMetrics counts stream anomalies. The observer package provides an
// OTel-backed implementation; leave unset to count nothing.
type StreamMetrics interface {
	SSEParseError(provider string)
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish providers in logs and observability.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions appends request-level options (temperature, top_p, etc.)
// that are applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithLogger sets the logger. Malformed stream chunks are reported here at
// debug level.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics wires the stream anomaly counter.
func WithMetrics(m StreamMetrics) ProviderOption {
	return func(p *Provider) { p.metrics = m }
}
