package solar

import (
	"math"
	"time"

	"github.com/dokzlo13/shaded/internal/clock"
)

// Sun altitude for sunrise/sunset, accounting for refraction and disk size.
const sunriseAltitude = -0.833

// Compute calculates sunrise and sunset locally with the NOAA sunrise
// equation. It is the fallback when the web service is unavailable.
func Compute(lat, lon float64, date time.Time, tz *time.Location) Times {
	if tz == nil {
		tz = time.UTC
	}
	day := date.In(tz)

	// Add 0.5 because the NOAA sunrise equation expects JD at noon, not midnight
	jd := toJulianDay(day) + 0.5

	return Times{
		Sunrise: clock.FromTime(sunTime(jd, lat, lon, tz, sunriseAltitude, true)),
		Sunset:  clock.FromTime(sunTime(jd, lat, lon, tz, sunriseAltitude, false)),
		Date:    day.Format("2006-01-02"),
		Source:  SourceComputed,
		Ready:   true,
	}
}

// toJulianDay converts a date to Julian day number
func toJulianDay(t time.Time) float64 {
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())

	if m <= 2 {
		y--
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	return math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
}

// sunTime calculates sunrise or sunset time
func sunTime(jd, lat, lon float64, tz *time.Location, angle float64, rising bool) time.Time {
	n := jd - 2451545.0 + 0.0008
	jStar := n - lon/360.0

	// Solar mean anomaly
	m := math.Mod(357.5291+0.98560028*jStar, 360.0)
	mRad := m * math.Pi / 180.0

	// Equation of center
	c := 1.9148*math.Sin(mRad) + 0.02*math.Sin(2*mRad) + 0.0003*math.Sin(3*mRad)

	// Ecliptic longitude
	lambda := math.Mod(m+c+180+102.9372, 360.0)
	lambdaRad := lambda * math.Pi / 180.0

	// Solar transit
	jTransit := 2451545.0 + jStar + 0.0053*math.Sin(mRad) - 0.0069*math.Sin(2*lambdaRad)

	sinDec := math.Sin(lambdaRad) * math.Sin(23.44*math.Pi/180.0)
	dec := math.Asin(sinDec)

	latRad := lat * math.Pi / 180.0
	angleRad := angle * math.Pi / 180.0

	cosOmega := (math.Sin(angleRad) - math.Sin(latRad)*math.Sin(dec)) / (math.Cos(latRad) * math.Cos(dec))

	// Polar day/night: clamp so the sun "rises" at transit
	if cosOmega > 1 {
		cosOmega = 1
	} else if cosOmega < -1 {
		cosOmega = -1
	}

	omega := math.Acos(cosOmega) * 180.0 / math.Pi

	jTime := jTransit + omega/360.0
	if rising {
		jTime = jTransit - omega/360.0
	}

	return julianToTime(jTime, tz)
}

// julianToTime converts a Julian day to an instant in tz.
func julianToTime(jd float64, tz *time.Location) time.Time {
	unixTime := (jd - 2440587.5) * 86400.0
	sec := math.Floor(unixTime)
	return time.Unix(int64(sec), int64((unixTime-sec)*1e9)).In(tz)
}
