package solar

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrRetriesExhausted is returned when every fetch attempt failed and no
// fallback is configured.
var ErrRetriesExhausted = errors.New("solar refresh retries exhausted")

// RetryConfig controls fetch retries.
type RetryConfig struct {
	MinBackoff  time.Duration // Backoff after the first failure
	MaxBackoff  time.Duration // Backoff cap
	Multiplier  float64       // Backoff multiplier
	MaxAttempts int           // Attempts per refresh, at least 1
}

// DefaultRetryConfig returns sensible defaults for fetch retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MinBackoff:  2 * time.Second,
		MaxBackoff:  2 * time.Minute,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}
}

// Location is the fixed place the shade is installed at.
type Location struct {
	Lat float64
	Lon float64
	TZ  *time.Location
}

// Refresher produces today's solar times: cache first, then the web service
// with retries, then the local calculation.
type Refresher struct {
	fetcher  Fetcher
	cache    *Cache
	location Location
	retry    RetryConfig
	fallback bool
	now      func() time.Time
}

// NewRefresher creates a refresher. cache may be nil.
func NewRefresher(fetcher Fetcher, cache *Cache, location Location, retry RetryConfig, fallback bool) *Refresher {
	if location.TZ == nil {
		location.TZ = time.UTC
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.Multiplier < 1 {
		retry.Multiplier = 1
	}
	return &Refresher{
		fetcher:  fetcher,
		cache:    cache,
		location: location,
		retry:    retry,
		fallback: fallback,
		now:      time.Now,
	}
}

// Refresh returns solar times for the current local day. It blocks while
// retrying and returns early with ctx.Err() when ctx is cancelled.
func (r *Refresher) Refresh(ctx context.Context) (Times, error) {
	today := r.now().In(r.location.TZ)
	date := today.Format("2006-01-02")

	if r.cache != nil {
		if t, ok := r.cache.Get(date, r.location.Lat, r.location.Lon); ok {
			return t, nil
		}
	}

	query := Query{Lat: r.location.Lat, Lon: r.location.Lon, Date: date}
	offset := OffsetAt(r.location.TZ, today)
	backoff := r.retry.MinBackoff

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		t, err := r.fetcher.Refresh(ctx, query, offset)
		if err == nil {
			t.Date = date
			log.Info().
				Str("date", date).
				Str("sunrise", t.Sunrise.String()).
				Str("sunset", t.Sunset.String()).
				Int("attempt", attempt).
				Msg("Solar times fetched")
			if r.cache != nil {
				r.cache.Put(date, r.location.Lat, r.location.Lon, t)
			}
			return t, nil
		}
		if ctx.Err() != nil {
			return Times{}, ctx.Err()
		}
		lastErr = err

		if attempt == r.retry.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Int("attempt", attempt).
			Int("max_attempts", r.retry.MaxAttempts).
			Msg("Solar fetch failed, retrying")

		select {
		case <-ctx.Done():
			return Times{}, ctx.Err()
		case <-time.After(backoff):
		}

		next := time.Duration(float64(backoff) * r.retry.Multiplier)
		if r.retry.MaxBackoff > 0 && next > r.retry.MaxBackoff {
			next = r.retry.MaxBackoff
		}
		backoff = next
	}

	if !r.fallback {
		log.Error().Err(lastErr).Str("date", date).Msg("Solar fetch failed, no fallback configured")
		return Times{}, errors.Join(ErrRetriesExhausted, lastErr)
	}

	t := Compute(r.location.Lat, r.location.Lon, today, r.location.TZ)
	log.Warn().
		Err(lastErr).
		Str("date", date).
		Str("sunrise", t.Sunrise.String()).
		Str("sunset", t.Sunset.String()).
		Msg("Solar service unavailable, using computed times")
	return t, nil
}
