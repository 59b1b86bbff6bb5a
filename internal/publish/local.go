package publish

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Local writes artifacts to a directory served by the API under baseURL.
type Local struct {
	baseDir string
	baseURL string
	log     zerolog.Logger
}

func NewLocal(baseDir, baseURL string, log zerolog.Logger) (*Local, error) {
	if baseDir == "" {
		baseDir = "./output"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Local{baseDir: baseDir, baseURL: strings.TrimRight(baseURL, "/"), log: log}, nil
}

func (l *Local) Publish(_ context.Context, data []byte, key string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("%w: create dirs: %v", ErrUnavailable, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write file: %v", ErrUnavailable, err)
	}
	l.log.Debug().Str("path", path).Msg("artifact written")
	return l.baseURL + "/" + key, nil
}

// Handler serves the published files; mount it under the path of baseURL.
func (l *Local) Handler() http.Handler {
	return http.FileServer(http.Dir(l.baseDir))
}

// sanitizeKey keeps keys relative so they cannot escape the bucket or directory.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
