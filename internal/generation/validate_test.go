package generation

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	v := URLValidator{}
	cases := map[string]string{
		"https://Example.COM":              "https://example.com/",
		"HTTP://example.com/Path?q=1#frag": "http://example.com/Path?q=1",
		"  https://example.com/a  ":        "https://example.com/a",
		"https://example.com:8443":         "https://example.com:8443/",
	}
	for in, want := range cases {
		got, err := v.Normalize(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	v := URLValidator{}
	for _, in := range []string{"", "example.com", "mailto:a@b.c", "javascript:alert(1)", "https:///path"} {
		if _, err := v.Normalize(in); !errors.Is(err, ErrUnsupportedURL) {
			t.Fatalf("%q: expected ErrUnsupportedURL, got %v", in, err)
		}
	}
}

func TestAllowList(t *testing.T) {
	v := URLValidator{Allowed: []string{"Example.com"}}
	allowed := []string{"https://example.com/", "https://www.example.com/x", "https://a.b.example.com"}
	for _, in := range allowed {
		if _, err := v.Normalize(in); err != nil {
			t.Fatalf("%q should be allowed: %v", in, err)
		}
	}
	denied := []string{"https://evil.com/x", "https://notexample.com", "https://example.com.evil.net"}
	for _, in := range denied {
		if _, err := v.Normalize(in); !errors.Is(err, ErrDomainNotAllowed) {
			t.Fatalf("%q should be denied, got %v", in, err)
		}
	}
}
