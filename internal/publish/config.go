package publish

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"og-image-service/internal/config"
)

// Publisher stores image bytes and returns their public URL.
type Publisher interface {
	Publish(ctx context.Context, data []byte, key string) (string, error)
}

// FromConfig builds the configured publisher. The handler is non-nil only for
// the local publisher, whose files the API serves itself.
func FromConfig(ctx context.Context, cfg config.Config, log zerolog.Logger) (Publisher, http.Handler, error) {
	log = log.With().Str("component", "publisher").Str("publisher", cfg.Publisher).Logger()
	if cfg.Publisher == "local" {
		l, err := NewLocal(cfg.OutputDir, cfg.PublicBaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Handler(), nil
	}
	s, err := NewS3(ctx, S3Options{
		Bucket:     cfg.S3Bucket,
		Region:     cfg.S3Region,
		Endpoint:   cfg.S3Endpoint,
		AccessKey:  cfg.S3AccessKey,
		SecretKey:  cfg.S3SecretKey,
		PathStyle:  cfg.S3PathStyle,
		PublicRead: cfg.S3PublicRead,
		CDNURL:     cfg.CDNURL,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return s, nil, nil
}
