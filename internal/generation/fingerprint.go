package generation

import "fmt"

// Fingerprint identifies a cacheable artifact.
type Fingerprint struct {
	URL    string
	Width  int
	Height int
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s:%d:%d", f.URL, f.Width, f.Height)
}

// Keys derives cache and lease keys from fingerprints under a shared prefix.
type Keys struct {
	Prefix string
}

// Cache is the key holding the artifact reference, e.g. og_image:{url}:{w}:{h}.
func (k Keys) Cache(f Fingerprint) string {
	return k.prefix() + ":" + f.String()
}

// Lease is the key claimed while a request creates a record for f.
func (k Keys) Lease(f Fingerprint) string {
	return k.prefix() + ":lease:" + f.String()
}

func (k Keys) prefix() string {
	if k.Prefix == "" {
		return "og_image"
	}
	return k.Prefix
}
