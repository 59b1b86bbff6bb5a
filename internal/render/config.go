package render

import (
	"context"

	"github.com/rs/zerolog"

	"og-image-service/internal/config"
)

// Renderer turns a page into a width x height PNG.
type Renderer interface {
	Render(ctx context.Context, url string, width, height int) ([]byte, error)
}

// FromConfig builds the configured renderer. The returned func releases it.
func FromConfig(cfg config.Config, log zerolog.Logger) (Renderer, func()) {
	log = log.With().Str("component", "renderer").Str("renderer", cfg.Renderer).Logger()
	if cfg.Renderer == "remote" {
		return NewRemote(cfg.RendererURL, cfg.RenderTimeout, log), func() {}
	}
	c := NewChrome(ChromeOptions{
		ExecPath: cfg.ChromePath,
		Timeout:  cfg.RenderTimeout,
		Settle:   cfg.RenderSettle,
	}, log)
	return c, c.Close
}
