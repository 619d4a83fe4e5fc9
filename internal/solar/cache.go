package solar

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shaded/internal/clock"
)

// Cache provides persistent storage for fetched solar times, keyed by date
// and coordinates.
type Cache struct {
	db *sql.DB
}

// NewCache creates a new solar cache backed by SQLite
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Get retrieves cached times for a date and location.
func (c *Cache) Get(date string, lat, lon float64) (Times, bool) {
	var sunrise, sunset int
	var source string
	err := c.db.QueryRow(`
		SELECT sunrise, sunset, source
		FROM solar_cache
		WHERE date = ? AND lat = ? AND lon = ?
	`, date, roundCoord(lat), roundCoord(lon)).Scan(&sunrise, &sunset, &source)

	if err == sql.ErrNoRows {
		return Times{}, false
	}
	if err != nil {
		log.Warn().Err(err).Str("date", date).Msg("Failed to read solar cache")
		return Times{}, false
	}

	log.Debug().Str("date", date).Str("source", source).Msg("Solar cache hit")
	return Times{
		Sunrise: clock.FromSeconds(sunrise),
		Sunset:  clock.FromSeconds(sunset),
		Date:    date,
		Source:  SourceCache,
		Ready:   true,
	}, true
}

// Put stores times for a date and location.
func (c *Cache) Put(date string, lat, lon float64, t Times) error {
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO solar_cache (date, lat, lon, sunrise, sunset, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, date, roundCoord(lat), roundCoord(lon), t.Sunrise.Seconds(), t.Sunset.Seconds(), string(t.Source), time.Now().Unix())

	if err != nil {
		log.Warn().Err(err).Str("date", date).Msg("Failed to write solar cache")
		return err
	}

	log.Debug().Str("date", date).Str("sunrise", t.Sunrise.String()).Str("sunset", t.Sunset.String()).Msg("Solar cache stored")
	return nil
}

// DeleteBefore removes entries for dates before the given YYYY-MM-DD date.
func (c *Cache) DeleteBefore(date string) (int64, error) {
	result, err := c.db.Exec(`DELETE FROM solar_cache WHERE date < ?`, date)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func roundCoord(v float64) float64 {
	return float64(int64(v*10000)) / 10000
}
