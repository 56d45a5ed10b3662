package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/metrics"
	red "caregiver-billing/internal/infra/redis"
)

var _ adapter.GigCatalog = (*gigCatalogCacheDecorator)(nil)

// gigCatalogCacheDecorator is a read-through cache for gig lookups. Only the
// price and status snapshot used to quote a payment is cached; payment and
// subscription state never goes through it.
type gigCatalogCacheDecorator struct {
	inner adapter.GigCatalog
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewGigCatalogCacheDecorator(inner adapter.GigCatalog, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) adapter.GigCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	l := logger.With().Str("component", "GigCache").Logger()
	return &gigCatalogCacheDecorator{inner: inner, cache: cache, ttl: ttl, log: &l}
}

func gigKey(id string) string { return fmt.Sprintf("gig:%s", id) }

func (d *gigCatalogCacheDecorator) GetGig(ctx context.Context, gigID string) (*adapter.Gig, error) {
	key := gigKey(gigID)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var g adapter.Gig
		if json.Unmarshal([]byte(val), &g) == nil {
			metrics.IncCacheRequest("gig", "hit")
			return &g, nil
		}
	} else if !errors.Is(err, red.Nil) {
		d.log.Warn().Err(err).Str("gig_id", gigID).Msg("gig cache read failed")
	}

	metrics.IncCacheRequest("gig", "miss")
	g, err := d.inner.GetGig(ctx, gigID)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(g); err == nil {
		if err := d.cache.Set(ctx, key, b, d.ttl); err != nil {
			d.log.Warn().Err(err).Str("gig_id", gigID).Msg("gig cache write failed")
		}
	}
	return g, nil
}

