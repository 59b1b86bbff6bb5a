package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("S3_BUCKET", "previews")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultTTL != 24*time.Hour {
		t.Fatalf("default ttl %s", cfg.DefaultTTL)
	}
	if cfg.DefaultWidth != 1200 || cfg.DefaultHeight != 630 {
		t.Fatalf("default size %dx%d", cfg.DefaultWidth, cfg.DefaultHeight)
	}
	if cfg.PollInterval != 2*time.Second || cfg.PollTimeout != 60*time.Second {
		t.Fatalf("poll settings %s/%s", cfg.PollInterval, cfg.PollTimeout)
	}
	if !cfg.Inline() {
		t.Fatalf("expected inline dispatch by default")
	}
	if len(cfg.AllowedDomains) != 0 {
		t.Fatalf("expected no allow-list, got %v", cfg.AllowedDomains)
	}
}

func TestLoadAllowedDomainsLowercased(t *testing.T) {
	t.Setenv("S3_BUCKET", "previews")
	t.Setenv("ALLOWED_DOMAINS", " Example.com, ,trusted.NET,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"example.com", "trusted.net"}
	if len(cfg.AllowedDomains) != len(want) {
		t.Fatalf("got %v", cfg.AllowedDomains)
	}
	for i := range want {
		if cfg.AllowedDomains[i] != want[i] {
			t.Fatalf("got %v", cfg.AllowedDomains)
		}
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"dispatch mode":   {"DISPATCH_MODE": "sometimes"},
		"store driver":    {"STORE_DRIVER": "mongo"},
		"missing bucket":  {"PUBLISHER": "s3"},
		"remote renderer": {"RENDERER": "remote", "PUBLISHER": "local"},
		"log level":       {"LOG_LEVEL": "loud", "PUBLISHER": "local"},
		"zero ttl":        {"DEFAULT_TTL": "0s", "PUBLISHER": "local"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("FLAG_ON", "yes")
	t.Setenv("FLAG_OFF", "0")
	t.Setenv("FLAG_JUNK", "maybe")
	if !getEnvBool("FLAG_ON", false) || getEnvBool("FLAG_OFF", true) || !getEnvBool("FLAG_JUNK", true) {
		t.Fatalf("unexpected bool parsing")
	}
}
