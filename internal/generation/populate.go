package generation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"og-image-service/internal/telemetry"
)

// Populator mirrors completed records into the cache. Writes are best-effort.
type Populator struct {
	cache Cache
	keys  Keys
	now   func() time.Time
	log   zerolog.Logger
}

// NewPopulator builds a populator; a nil cache turns every call into a no-op.
func NewPopulator(cache Cache, keys Keys, log zerolog.Logger) *Populator {
	return &Populator{cache: cache, keys: keys, now: time.Now, log: log}
}

// Populate caches ref for the remaining lifetime of the owning record. Entries
// that would expire immediately, or carry no reference, are not written.
func (p *Populator) Populate(ctx context.Context, fp Fingerprint, ref string, expiresAt time.Time) {
	if p == nil || p.cache == nil {
		return
	}
	key := p.keys.Cache(fp)
	ttl := expiresAt.Sub(p.now())
	if ttl <= 0 || ref == "" {
		p.log.Debug().Str("key", key).Dur("ttl", ttl).Bool("has_ref", ref != "").Msg("skipping cache population")
		return
	}
	// Redis expirations have millisecond precision; anything shorter is not worth a round trip.
	ttl = ttl.Truncate(time.Millisecond)
	if ttl <= 0 {
		return
	}
	if err := p.cache.Set(ctx, key, ref, ttl); err != nil {
		telemetry.CacheWriteErrors.Inc()
		p.log.Warn().Err(err).Str("key", key).Msg("cache population failed")
		return
	}
	p.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("cache populated")
}

// Lookup reads the cached reference for fp.
func (p *Populator) Lookup(ctx context.Context, fp Fingerprint) (string, bool) {
	if p == nil || p.cache == nil {
		return "", false
	}
	ref, ok := p.cache.Get(ctx, p.keys.Cache(fp))
	if ok {
		telemetry.CacheHits.Inc()
	} else {
		telemetry.CacheMisses.Inc()
	}
	return ref, ok
}
