package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const defaultMaxScreenshotBytes = 25 * 1024 * 1024

// Remote delegates page capture to an HTTP screenshot service and crops the
// result locally. The service is called as GET {endpoint}?url=..&width=..&height=..
// and must answer with image bytes.
type Remote struct {
	endpoint   string
	httpClient *http.Client
	maxBytes   int64
	log        zerolog.Logger
}

func NewRemote(endpoint string, timeout time.Duration, log zerolog.Logger) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   defaultMaxScreenshotBytes,
		log:        log,
	}
}

func (r *Remote) Render(ctx context.Context, pageURL string, width, height int) ([]byte, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad endpoint: %v", ErrUnavailable, err)
	}
	q := u.Query()
	q.Set("url", pageURL)
	q.Set("width", strconv.Itoa(viewportWidth))
	q.Set("height", strconv.Itoa(viewportHeight))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("%w: screenshot service status %d", ErrTimeout, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: screenshot service status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: screenshot service status %d", ErrInvalid, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read screenshot: %v", ErrUnavailable, err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("%w: screenshot too large (>%d bytes)", ErrInvalid, r.maxBytes)
	}
	r.log.Debug().Str("url", pageURL).Int("bytes", len(body)).Msg("remote screenshot received")
	return Fit(body, width, height)
}
