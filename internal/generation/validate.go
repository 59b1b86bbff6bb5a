package generation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrUnsupportedURL is returned for unparsable URLs or non-http(s) schemes.
	ErrUnsupportedURL = errors.New("invalid or unsupported URL")

	// ErrDomainNotAllowed is returned when an allow-list is configured and the host is not on it.
	ErrDomainNotAllowed = errors.New("domain not allowed")
)

// URLValidator checks request URLs against scheme rules and an optional
// domain allow-list. An empty allow-list admits every host.
type URLValidator struct {
	Allowed []string
	Contact string
}

// Normalize validates raw and returns its canonical form: lowercase scheme and
// host, "/" for an empty path, no fragment.
func (v URLValidator) Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, raw)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrUnsupportedURL, raw)
	}
	if !v.allowed(host) {
		hint := ""
		if v.Contact != "" {
			hint = fmt.Sprintf("; contact %s to have it whitelisted", v.Contact)
		}
		return "", fmt.Errorf("%w: %q%s", ErrDomainNotAllowed, host, hint)
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (v URLValidator) allowed(host string) bool {
	if len(v.Allowed) == 0 {
		return true
	}
	for _, d := range v.Allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
