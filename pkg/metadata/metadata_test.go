package metadata_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/speedcheck/pkg/metadata"
	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/timedtransfer"
)

type fakeMeta struct {
	meta *timedtransfer.Meta
	err  error
}

func (f *fakeMeta) Metadata(ctx context.Context) (*timedtransfer.Meta, error) {
	return f.meta, f.err
}

func newGeoServer(status int, body string) (*httptest.Server, *atomic.Int32) {
	calls := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		if !strings.HasPrefix(req.URL.Path, "/192.0.2.1") {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		rw.WriteHeader(status)
		rw.Write([]byte(body))
	}))
	return server, calls
}

var testMeta = &fakeMeta{meta: &timedtransfer.Meta{
	ClientIP:       "192.0.2.1",
	ASOrganization: "Example AS",
	Colo:           "MXP",
}}

func TestResolver_Resolve(t *testing.T) {
	server, calls := newGeoServer(http.StatusOK, `{
		"region": "Lombardy",
		"country_name": "Italy",
		"city": "Milan",
		"latitude": "45.46",
		"longitude": 9.19,
		"isp": "Geo ISP",
		"timezone_name": "Europe/Rome"
	}`)
	defer server.Close()

	r, err := metadata.New(testMeta, metadata.Config{GeoURL: server.URL})
	rtx.Must(err, "cannot create resolver")
	defer r.Close()

	got := r.Resolve(context.Background())
	want := model.ClientMetadata{
		IP:           "192.0.2.1",
		ISP:          "Example AS",
		LocationCode: "MXP",
		Region:       "Lombardy",
		Country:      "Italy",
		City:         "Milan",
		Latitude:     45.46,
		Longitude:    9.19,
		Timezone:     "Europe/Rome",
	}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}

	// The second resolution is served from the cache.
	r.Resolve(context.Background())
	if calls.Load() != 1 {
		t.Errorf("geolocation called %d times, want 1", calls.Load())
	}
}

func TestResolver_ResolveRetries(t *testing.T) {
	server, calls := newGeoServer(http.StatusInternalServerError, "")
	defer server.Close()

	r, err := metadata.New(testMeta, metadata.Config{GeoURL: server.URL})
	rtx.Must(err, "cannot create resolver")

	got := r.Resolve(context.Background())
	if got.Region != model.RegionUnavailable {
		t.Errorf("Region = %q, want %q", got.Region, model.RegionUnavailable)
	}
	if got.IP != "192.0.2.1" || got.ISP != "Example AS" || got.LocationCode != "MXP" {
		t.Errorf("meta fields should survive a geolocation failure: %+v", got)
	}
	if calls.Load() != metadata.DefaultMaxAttempts {
		t.Errorf("geolocation called %d times, want %d", calls.Load(),
			metadata.DefaultMaxAttempts)
	}

	// Failures are cached too.
	r.Resolve(context.Background())
	if calls.Load() != metadata.DefaultMaxAttempts {
		t.Errorf("geolocation called again after a cached failure")
	}
}

func TestResolver_ResolveMissingFields(t *testing.T) {
	server, _ := newGeoServer(http.StatusOK, `{"isp": "Geo ISP"}`)
	defer server.Close()

	meta := &fakeMeta{meta: &timedtransfer.Meta{ClientIP: "192.0.2.1"}}
	r, err := metadata.New(meta, metadata.Config{GeoURL: server.URL + "/"})
	rtx.Must(err, "cannot create resolver")

	got := r.Resolve(context.Background())
	if got.Region != model.RegionUnavailable {
		t.Errorf("Region = %q, want %q", got.Region, model.RegionUnavailable)
	}
	if got.ISP != "Geo ISP" {
		t.Errorf("ISP = %q, want the geolocation ISP as fallback", got.ISP)
	}
}

func TestResolver_ResolveInvalidJSON(t *testing.T) {
	server, calls := newGeoServer(http.StatusOK, `not json`)
	defer server.Close()

	r, err := metadata.New(testMeta, metadata.Config{GeoURL: server.URL, MaxAttempts: 2})
	rtx.Must(err, "cannot create resolver")
	if got := r.Resolve(context.Background()); got.Region != model.RegionUnavailable {
		t.Errorf("Region = %q, want %q", got.Region, model.RegionUnavailable)
	}
	if calls.Load() != 2 {
		t.Errorf("geolocation called %d times, want 2", calls.Load())
	}
}

func TestResolver_ResolveMetaFailure(t *testing.T) {
	server, calls := newGeoServer(http.StatusOK, `{}`)
	defer server.Close()

	r, err := metadata.New(&fakeMeta{err: errors.New("unreachable")},
		metadata.Config{GeoURL: server.URL})
	rtx.Must(err, "cannot create resolver")
	got := r.Resolve(context.Background())
	want := model.ClientMetadata{Region: model.RegionUnavailable}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}
	if calls.Load() != 0 {
		t.Errorf("geolocation should not run without a client IP")
	}
}

func TestNew_GeoIPFile(t *testing.T) {
	_, err := metadata.New(testMeta, metadata.Config{GeoIPFile: "testdata/does-not-exist.mmdb"})
	if err == nil {
		t.Errorf("New() with a missing GeoIP file should fail")
	}
}
