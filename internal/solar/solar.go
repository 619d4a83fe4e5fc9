// Package solar derives today's local sunrise and sunset times.
//
// Times come from an external sunrise/sunset web service, are cached per day
// in SQLite, and fall back to a local solar-position calculation when the
// service cannot be reached.
package solar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dokzlo13/shaded/internal/clock"
)

// DefaultEndpoint is the public sunrise-sunset.org JSON API.
const DefaultEndpoint = "https://api.sunrise-sunset.org/json"

var (
	// ErrNotReachable is returned when the service cannot be reached or
	// answers with a non-2xx status.
	ErrNotReachable = errors.New("solar service not reachable")

	// ErrParse is returned when the response lacks the expected fields.
	ErrParse = errors.New("solar response parse error")
)

// Source tells where a set of solar times came from.
type Source string

const (
	SourceNone     Source = ""
	SourceService  Source = "service"
	SourceCache    Source = "cache"
	SourceComputed Source = "computed"
)

// Times holds today's sunrise and sunset in local time.
type Times struct {
	Sunrise clock.TimeOfDay `json:"sunrise"`
	Sunset  clock.TimeOfDay `json:"sunset"`
	Date    string          `json:"date"`
	Source  Source          `json:"source"`
	Ready   bool            `json:"ready"`
}

// Query selects the location and day to fetch.
type Query struct {
	Lat  float64
	Lon  float64
	Date string // "today" or YYYY-MM-DD
}

// Fetcher fetches solar times for a query.
type Fetcher interface {
	Refresh(ctx context.Context, q Query, offset time.Duration) (Times, error)
}

// Provider fetches sunrise/sunset from the web service.
type Provider struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
}

// NewProvider creates a provider. Each request is bounded by timeout.
func NewProvider(endpoint string, timeout time.Duration) *Provider {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		endpoint:   endpoint,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type apiResponse struct {
	Results struct {
		Sunrise string `json:"sunrise"`
		Sunset  string `json:"sunset"`
	} `json:"results"`
	Status string `json:"status"`
}

// Refresh performs one request and converts the UTC 12-hour times in the
// response to local time using offset.
func (p *Provider) Refresh(ctx context.Context, q Query, offset time.Duration) (Times, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	date := q.Date
	if date == "" {
		date = "today"
	}
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(q.Lat, 'f', 6, 64))
	params.Set("lng", strconv.FormatFloat(q.Lon, 'f', 6, 64))
	params.Set("date", date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return Times{}, fmt.Errorf("%w: %v", ErrNotReachable, err)
	}
	req.Header.Set("User-Agent", "shaded/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Times{}, fmt.Errorf("%w: %v", ErrNotReachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Times{}, fmt.Errorf("%w: status %d", ErrNotReachable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Times{}, fmt.Errorf("%w: %v", ErrNotReachable, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Times{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if parsed.Status != "" && parsed.Status != "OK" {
		return Times{}, fmt.Errorf("%w: status %q", ErrParse, parsed.Status)
	}
	if parsed.Results.Sunrise == "" || parsed.Results.Sunset == "" {
		return Times{}, fmt.Errorf("%w: missing sunrise or sunset", ErrParse)
	}

	sunrise, err := Parse12Hour(parsed.Results.Sunrise)
	if err != nil {
		return Times{}, err
	}
	sunset, err := Parse12Hour(parsed.Results.Sunset)
	if err != nil {
		return Times{}, err
	}

	return Times{
		Sunrise: ToLocal(sunrise, offset),
		Sunset:  ToLocal(sunset, offset),
		Date:    q.Date,
		Source:  SourceService,
		Ready:   true,
	}, nil
}

// Parse12Hour parses "H:MM:SS AM" / "HH:MM:SS PM" into a 24-hour time.
// The whole hour token is used, so "12:05:00 PM" is 12:05:00 and
// "12:05:00 AM" is 00:05:00.
func Parse12Hour(s string) (clock.TimeOfDay, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return clock.TimeOfDay{}, fmt.Errorf("%w: bad time %q", ErrParse, s)
	}

	parts := strings.Split(fields[0], ":")
	if len(parts) != 3 {
		return clock.TimeOfDay{}, fmt.Errorf("%w: bad time %q", ErrParse, s)
	}

	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return clock.TimeOfDay{}, fmt.Errorf("%w: bad time %q", ErrParse, s)
		}
		nums[i] = n
	}
	hour, minute, second := nums[0], nums[1], nums[2]
	if hour < 1 || hour > 12 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return clock.TimeOfDay{}, fmt.Errorf("%w: time out of range %q", ErrParse, s)
	}

	switch strings.ToUpper(fields[1]) {
	case "AM":
		hour %= 12
	case "PM":
		hour = hour%12 + 12
	default:
		return clock.TimeOfDay{}, fmt.Errorf("%w: bad suffix %q", ErrParse, s)
	}

	return clock.TimeOfDay{Hour: hour, Minute: minute, Second: second}, nil
}

// ToLocal shifts a UTC time of day by offset, wrapping within one day.
// Day boundary carries are ignored.
func ToLocal(t clock.TimeOfDay, offset time.Duration) clock.TimeOfDay {
	return clock.FromSeconds(t.Seconds() + int(offset/time.Second))
}

// OffsetAt returns the UTC offset of loc at instant t.
func OffsetAt(loc *time.Location, t time.Time) time.Duration {
	_, off := t.In(loc).Zone()
	return time.Duration(off) * time.Second
}
