// Package metadata resolves the client's IP address, ISP and coarse
// location. Every lookup is best-effort: failures degrade to sentinel
// values and are never returned to the caller.
package metadata

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oschwald/maxminddb-golang"
	"github.com/pkg/errors"

	"github.com/m-lab/speedcheck/internal/metrics"
	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/timedtransfer"
)

const (
	// DefaultGeoURL is the default geolocation service.
	DefaultGeoURL = "https://json.geoiplookup.io"

	// DefaultMaxAttempts is the default number of geolocation attempts.
	DefaultMaxAttempts = 3

	// DefaultTimeout is the default timeout of a single lookup.
	DefaultTimeout = 10 * time.Second

	// DefaultCacheTTL is how long geolocation results are reused.
	DefaultCacheTTL = time.Hour
)

// ErrGeolocation is returned when the geolocation service cannot be used.
var ErrGeolocation = errors.New("geolocation lookup failed")

// MetaSource provides the client information known to the measurement
// endpoint.
type MetaSource interface {
	Metadata(ctx context.Context) (*timedtransfer.Meta, error)
}

// Config is the configuration of a Resolver.
type Config struct {
	// GeoURL is the base URL of the geolocation service. The client IP is
	// appended as the last path element.
	GeoURL string
	// MaxAttempts is the number of geolocation attempts. Retries are
	// immediate.
	MaxAttempts int
	// Timeout bounds each geolocation request.
	Timeout time.Duration
	// GeoIPFile is an optional MaxMind City database used when the
	// geolocation service is unavailable.
	GeoIPFile string
	// CacheTTL is how long a geolocation result is reused.
	CacheTTL time.Duration
	// UserAgent is sent with geolocation requests.
	UserAgent string
}

// Location is the result of a geolocation lookup.
type Location struct {
	Region    string
	Country   string
	City      string
	ISP       string
	Latitude  float64
	Longitude float64
	Timezone  string
}

// Resolver resolves ClientMetadata.
type Resolver struct {
	config Config
	meta   MetaSource
	client *http.Client
	cache  *ttlcache.Cache[string, Location]
	geoip  *maxminddb.Reader
}

// New returns a Resolver using meta for the client IP, ISP and location
// code. It fails only if a GeoIP database was configured and cannot be
// opened.
func New(meta MetaSource, config Config) (*Resolver, error) {
	if config.GeoURL == "" {
		config.GeoURL = DefaultGeoURL
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	r := &Resolver{
		config: config,
		meta:   meta,
		client: &http.Client{Timeout: config.Timeout},
		cache: ttlcache.New(
			ttlcache.WithTTL[string, Location](config.CacheTTL),
		),
	}
	if config.GeoIPFile != "" {
		db, err := maxminddb.Open(config.GeoIPFile)
		if err != nil {
			return nil, errors.Wrap(err, "cannot open GeoIP database")
		}
		r.geoip = db
	}
	return r, nil
}

// Close releases the GeoIP database, if any.
func (r *Resolver) Close() error {
	if r.geoip != nil {
		return r.geoip.Close()
	}
	return nil
}

// Resolve returns the client metadata. Fields that cannot be resolved are
// left empty, except Region which defaults to model.RegionUnavailable.
func (r *Resolver) Resolve(ctx context.Context) model.ClientMetadata {
	md := model.ClientMetadata{Region: model.RegionUnavailable}
	meta, err := r.meta.Metadata(ctx)
	if err != nil {
		log.Debug("meta lookup failed", "err", err)
		metrics.MetadataErrors.WithLabelValues("meta").Inc()
		return md
	}
	md.IP = meta.ClientIP
	md.ISP = meta.ASOrganization
	md.LocationCode = meta.Colo
	if md.IP == "" {
		return md
	}

	loc := r.Locate(ctx, md.IP)
	md.Region = loc.Region
	md.Country = loc.Country
	md.City = loc.City
	md.Latitude = loc.Latitude
	md.Longitude = loc.Longitude
	md.Timezone = loc.Timezone
	if md.ISP == "" {
		md.ISP = loc.ISP
	}
	return md
}

// Locate returns the location of ip. It tries the geolocation service up
// to MaxAttempts times, then the GeoIP database if configured. Results are
// cached per IP, failures included.
func (r *Resolver) Locate(ctx context.Context, ip string) Location {
	if item := r.cache.Get(ip); item != nil {
		return item.Value()
	}
	loc, err := r.lookupWithRetries(ctx, ip)
	if err != nil {
		log.Debug("geolocation failed", "ip", ip, "err", err)
		metrics.MetadataErrors.WithLabelValues("geo").Inc()
		loc, err = r.lookupGeoIP(ip)
		if err != nil {
			if r.geoip != nil {
				log.Debug("geoip lookup failed", "ip", ip, "err", err)
				metrics.MetadataErrors.WithLabelValues("geoip").Inc()
			}
			loc = Location{Region: model.RegionUnavailable}
		}
	}
	r.cache.Set(ip, loc, ttlcache.DefaultTTL)
	return loc
}

func (r *Resolver) lookupWithRetries(ctx context.Context, ip string) (Location, error) {
	var err error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		var loc Location
		loc, err = r.lookup(ctx, ip)
		if err == nil {
			return loc, nil
		}
		if ctx.Err() != nil {
			break
		}
		log.Debug("geolocation attempt failed", "attempt", attempt+1, "err", err)
	}
	return Location{}, err
}

// coordinate accepts both JSON numbers and numeric strings.
type coordinate float64

func (c *coordinate) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*c = coordinate(v)
	return nil
}

// geoResponse is the geolocation service's response. Every field is
// optional.
type geoResponse struct {
	Region       string     `json:"region"`
	CountryName  string     `json:"country_name"`
	City         string     `json:"city"`
	Latitude     coordinate `json:"latitude"`
	Longitude    coordinate `json:"longitude"`
	ISP          string     `json:"isp"`
	TimezoneName string     `json:"timezone_name"`
}

func (r *Resolver) lookup(ctx context.Context, ip string) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(r.config.GeoURL, "/")+"/"+ip, nil)
	if err != nil {
		return Location{}, err
	}
	if r.config.UserAgent != "" {
		req.Header.Set("User-Agent", r.config.UserAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Location{}, errors.Wrap(ErrGeolocation, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Location{}, errors.Wrapf(ErrGeolocation, "status %s", resp.Status)
	}
	var g geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return Location{}, errors.Wrapf(ErrGeolocation, "invalid response: %v", err)
	}
	loc := Location{
		Region:    g.Region,
		Country:   g.CountryName,
		City:      g.City,
		ISP:       g.ISP,
		Latitude:  float64(g.Latitude),
		Longitude: float64(g.Longitude),
		Timezone:  g.TimezoneName,
	}
	if loc.Region == "" {
		loc.Region = model.RegionUnavailable
	}
	return loc, nil
}

// geoIPRecord is the subset of a MaxMind City record used here.
type geoIPRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
}

func (r *Resolver) lookupGeoIP(ip string) (Location, error) {
	if r.geoip == nil {
		return Location{}, errors.New("no GeoIP database")
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return Location{}, errors.Errorf("invalid IP %q", ip)
	}
	var rec geoIPRecord
	if err := r.geoip.Lookup(addr, &rec); err != nil {
		return Location{}, err
	}
	loc := Location{
		Region:    model.RegionUnavailable,
		Country:   rec.Country.Names["en"],
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
		Timezone:  rec.Location.TimeZone,
	}
	if loc.Country == "" {
		loc.Country = rec.Country.ISOCode
	}
	if len(rec.Subdivisions) > 0 && rec.Subdivisions[0].Names["en"] != "" {
		loc.Region = rec.Subdivisions[0].Names["en"]
	}
	return loc, nil
}
